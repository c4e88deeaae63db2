// Package server accepts TCP connections, drives the memcached ASCII
// protocol over them and dispatches parsed commands onto the storage layer.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sekido/sekido/internal/metrics"
	"github.com/sekido/sekido/internal/protocol"
	"github.com/sekido/sekido/internal/storage"
)

type Config struct {
	ListenAddr      string
	MaxConnections  int64
	ReadBufferSize  int
	WriteBufferSize int
	IdleTimeout     time.Duration
	DrainDeadline   time.Duration
	Limits          protocol.Limits
	Version         string
	Logger          *slog.Logger
}

type Server struct {
	cfg     Config
	store   *storage.Store
	metrics *metrics.Metrics
	logger  *slog.Logger

	sem *semaphore.Weighted

	mu        sync.RWMutex
	listener  net.Listener
	conns     map[net.Conn]struct{}
	closed    bool
	readyCh   chan struct{}
	readyOnce sync.Once

	startedAt time.Time
	stats     liveStats
}

// liveStats backs the stats command. The Prometheus instruments are
// write-only from here, so the reply reads these counters instead.
type liveStats struct {
	currConnections  atomic.Int64
	totalConnections atomic.Uint64
	cmdGet           atomic.Uint64
	cmdSet           atomic.Uint64
	getHits          atomic.Uint64
	getMisses        atomic.Uint64
	bytesRead        atomic.Uint64
	bytesWritten     atomic.Uint64
}

func NewServer(cfg Config, store *storage.Store, m *metrics.Metrics) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10000
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 8192
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = 8192
	}
	if cfg.Limits == (protocol.Limits{}) {
		cfg.Limits = protocol.DefaultLimits()
	}

	return &Server{
		cfg:     cfg,
		store:   store,
		metrics: m,
		logger:  logger,
		sem:     semaphore.NewWeighted(cfg.MaxConnections),
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan struct{}),
	}
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.readyCh
}

func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve binds the listen address and accepts until ctx is cancelled. A
// connection slot is acquired before each Accept, so at most
// MaxConnections clients are served and excess clients wait in the kernel
// backlog instead of being turned away.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.startedAt = time.Now()
	s.readyOnce.Do(func() { close(s.readyCh) })

	s.logger.Info("listening", "addr", ln.Addr().String(), "max_connections", s.cfg.MaxConnections)

	go func() {
		<-ctx.Done()
		_ = s.closeListener()
	}()

	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return s.drain()
		}

		conn, err := ln.Accept()
		if err != nil {
			s.sem.Release(1)
			if errors.Is(err, net.ErrClosed) {
				return s.drain()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("transient accept error", "err", err)
				continue
			}
			s.logger.Error("accept error", "err", err)
			return err
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}

		s.trackConn(conn, true)
		s.metrics.ConnectionsTotal.Inc()
		s.metrics.ConnectionsActive.Inc()
		s.stats.totalConnections.Add(1)
		s.stats.currConnections.Add(1)

		go func() {
			defer func() {
				s.trackConn(conn, false)
				s.metrics.ConnectionsActive.Dec()
				s.stats.currConnections.Add(-1)
				s.sem.Release(1)
			}()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) closeListener() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// drain waits until every tracked connection has ended (client close, I/O
// error or idle timeout), then force-closes whatever is still open at the
// deadline. Open connections are not notified of the shutdown: until then
// they keep reading and serving new commands.
func (s *Server) drain() error {
	deadline := s.cfg.DrainDeadline
	if deadline <= 0 {
		deadline = 30 * time.Second
	}

	timeout := time.After(deadline)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		s.mu.RLock()
		n := len(s.conns)
		s.mu.RUnlock()
		if n == 0 {
			return nil
		}

		select {
		case <-timeout:
			s.mu.Lock()
			for c := range s.conns {
				_ = c.Close()
			}
			s.mu.Unlock()
			s.logger.Warn("drain deadline reached, closed remaining connections", "count", n)
			return nil
		case <-tick.C:
		}
	}
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}
