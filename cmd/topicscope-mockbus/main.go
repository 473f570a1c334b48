// File: cmd/topicscope-mockbus/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// In-memory broker speaking the detached driver protocol on stdin/stdout.
// Used as the child process of the subprocess driver for demos and tests.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/momentics/topicscope/internal/mockbus"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var silent []string
	var verbose bool

	flagSet := pflag.NewFlagSet("topicscope-mockbus", pflag.ContinueOnError)
	flagSet.StringSliceVar(&silent, "silent", nil, "ops processed without a response (repeatable or comma separated)")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log every request to stderr")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	// stdout carries the protocol; logs must stay on stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := mockbus.Serve(ctx, os.Stdin, os.Stdout,
		mockbus.WithLogger(logger),
		mockbus.WithSilentOps(silent...),
	)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
