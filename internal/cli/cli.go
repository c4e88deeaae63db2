// Package cli wires configuration, storage, the cache server and the
// health endpoint into a runnable command.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	ucli "github.com/urfave/cli/v2"

	"github.com/sekido/sekido/internal/config"
	"github.com/sekido/sekido/internal/health"
	"github.com/sekido/sekido/internal/metrics"
	"github.com/sekido/sekido/internal/protocol"
	"github.com/sekido/sekido/internal/server"
	"github.com/sekido/sekido/internal/storage"
)

// Version is set at build time via -ldflags.
var Version string

func version() string {
	if Version != "" {
		return Version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "(devel)"
	}
	return info.Main.Version
}

type CLI struct {
	stdout     io.Writer
	stderr     io.Writer
	isTerminal bool
}

func NewCLI(stdout, stderr io.Writer, isTerminal bool) *CLI {
	return &CLI{
		stdout:     stdout,
		stderr:     stderr,
		isTerminal: isTerminal,
	}
}

func (c *CLI) Run(args []string) int {
	app := &ucli.App{
		Name:      "sekido",
		Usage:     "memcached-compatible cache server persisting to a local LSM store",
		Version:   version(),
		Writer:    c.stdout,
		ErrWriter: c.stderr,
		Flags: []ucli.Flag{
			&ucli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to TOML config file",
			},
			&ucli.StringFlag{
				Name:  "listen",
				Usage: "listen address, overrides config",
			},
			&ucli.StringFlag{
				Name:  "db-path",
				Usage: "storage directory, overrides config",
			},
			&ucli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "log level: debug, info, warn, error",
			},
		},
		Action: c.serve,
		// Errors carry their own exit code; Run maps them below instead
		// of letting the library call os.Exit.
		ExitErrHandler: func(*ucli.Context, error) {},
	}

	if err := app.Run(args); err != nil {
		fmt.Fprintf(c.stderr, "sekido: %v\n", err)
		var coder ucli.ExitCoder
		if errors.As(err, &coder) {
			return coder.ExitCode()
		}
		return 2
	}
	return 0
}

func (c *CLI) serve(cc *ucli.Context) error {
	path := cc.String("config")
	if path == "" {
		path = cc.Args().First()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return ucli.Exit(err.Error(), 2)
	}
	if addr := cc.String("listen"); addr != "" {
		cfg.Server.ListenAddr = addr
	}
	if p := cc.String("db-path"); p != "" {
		cfg.Storage.DBPath = p
	}

	logger, err := c.newLogger(cc.String("log-level"))
	if err != nil {
		return ucli.Exit(err.Error(), 2)
	}

	m := metrics.New()

	store, err := storage.Open(storage.Options{
		Path:                  cfg.Storage.DBPath,
		BlockCacheSize:        cfg.Storage.BlockCacheSize,
		WriteBufferSize:       cfg.Storage.WriteBufferSize,
		MaxWriteBufferNumber:  cfg.Storage.MaxWriteBufferNumber,
		TargetFileSizeBase:    cfg.Storage.TargetFileSizeBase,
		MaxBackgroundJobs:     cfg.Storage.MaxBackgroundJobs,
		EnableCompression:     cfg.Storage.EnableCompression,
		EnableTTLCompaction:   cfg.Storage.EnableTTLCompaction,
		TTLCompactionInterval: time.Duration(cfg.Storage.TTLCompactionInterval) * time.Second,
		Logger:                logger,
	})
	if err != nil {
		return ucli.Exit(fmt.Sprintf("open storage: %v", err), 1)
	}
	m.RegisterStorage(store.ExpiredRemoved, store.CompactionRemoved)

	srv := server.NewServer(server.Config{
		ListenAddr:      cfg.Server.ListenAddr,
		MaxConnections:  cfg.Server.MaxConnections,
		ReadBufferSize:  cfg.Server.ReadBufferSize,
		WriteBufferSize: cfg.Server.WriteBufferSize,
		IdleTimeout:     time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
		DrainDeadline:   time.Duration(cfg.Server.DrainDeadlineSeconds) * time.Second,
		Limits: protocol.Limits{
			MaxLineLen:   cfg.Server.MaxLineLen,
			MaxValueSize: cfg.Server.MaxValueSize,
		},
		Version: version(),
		Logger:  logger,
	}, store, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hs := health.New(m, logger)
	if cfg.Metrics.Enabled {
		go func() {
			if err := hs.Serve(ctx, cfg.Metrics.ListenAddr); err != nil {
				logger.Error("health endpoint failed", "err", err)
			}
		}()
	}
	go func() {
		<-srv.Ready()
		hs.SetReady(true)
		<-ctx.Done()
		hs.SetReady(false)
	}()

	serveErr := srv.Serve(ctx)
	hs.SetReady(false)

	if err := store.Close(); err != nil {
		logger.Error("storage close failed", "err", err)
		if serveErr == nil {
			serveErr = err
		}
	}
	if serveErr != nil {
		return ucli.Exit(fmt.Sprintf("server failed: %v", serveErr), 1)
	}
	logger.Info("shutdown complete")
	return nil
}

func (c *CLI) newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if c.isTerminal {
		return slog.New(slog.NewTextHandler(c.stderr, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(c.stderr, opts)), nil
}
