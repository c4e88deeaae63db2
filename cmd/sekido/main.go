package main

import (
	"os"

	"github.com/sekido/sekido/internal/cli"
	"github.com/sekido/sekido/internal/term"
)

func main() {
	cl := cli.NewCLI(os.Stdout, os.Stderr, term.IsTerminal(int(os.Stderr.Fd())))
	os.Exit(cl.Run(os.Args))
}
