package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitnodes/crawld"
	flags "github.com/jessevdk/go-flags"
)

func main() {
	cfg, err := crawld.LoadConfig()
	if err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Translate SIGINT and SIGTERM into a graceful shutdown.
	shutdown := make(chan struct{})
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupts
		close(shutdown)
	}()

	writer := newSnapshotWriter(cfg.SnapshotDir)
	if err := crawld.Main(cfg, writer, shutdown); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
