// File: cmd/topicscope/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Headless topicscope console. Connects through one of the drivers, prints
// pushed messages and status changes as JSON lines on stdout and reads
// commands from stdin:
//
//	sub <keyexpr> [capacity]      unsub <id>
//	pause <id>    resume <id>     clear <id>
//	pub <keyexpr> <json|base64|text> <payload...>
//	keys [id|-] [filter]          msgs <id>
//	subs          caps            quit

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/topicscope/api"
	"github.com/momentics/topicscope/control"
	"github.com/momentics/topicscope/driver/gateway"
	"github.com/momentics/topicscope/driver/natsbus"
	"github.com/momentics/topicscope/driver/subprocess"
	"github.com/momentics/topicscope/facade"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	profile     string
	driver      string
	endpoint    string
	options     string
	command     string
	token       string
	origin      string
	metricsAddr string
	subscribe   []string
	maxQueue    int
	reconnect   bool
	logLevel    string
}

func run() error {
	var f flags
	flagSet := pflag.NewFlagSet("topicscope", pflag.ContinueOnError)
	flagSet.StringVarP(&f.profile, "profile", "p", "", "YAML connection profile")
	flagSet.StringVar(&f.driver, "driver", "", "driver: gateway, subprocess or nats (overrides the profile)")
	flagSet.StringVarP(&f.endpoint, "endpoint", "e", "", "broker endpoint (overrides the profile)")
	flagSet.StringVar(&f.options, "options", "", "connect options as a JSON object; comments allowed")
	flagSet.StringVar(&f.command, "command", "", "child command line for the subprocess driver")
	flagSet.StringVar(&f.token, "token", "", "bearer token")
	flagSet.StringVar(&f.origin, "origin", "", "Origin header sent on the gateway handshake")
	flagSet.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flagSet.StringArrayVarP(&f.subscribe, "subscribe", "s", nil, "key expression to subscribe after connecting (repeatable)")
	flagSet.IntVar(&f.maxQueue, "max-queue-depth", 0, "refuse publishes while more frames are queued; 0 disables")
	flagSet.BoolVar(&f.reconnect, "reconnect", false, "reconnect with backoff after transport loss")
	flagSet.StringVar(&f.logLevel, "log-level", "info", "debug, info, warn or error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(f.logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	prof, err := buildProfile(f)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := control.NewMetrics(reg)
	if err != nil {
		return err
	}

	sink := facade.NewChannelSink(1024, metrics)
	cfg := facade.DefaultConfig()
	cfg.Factory = driverFactory(prof, f.origin, logger, metrics)
	cfg.Sink = sink
	cfg.Logger = logger
	cfg.Metrics = metrics
	cfg.MaxQueueDepth = prof.MaxQueueDepth
	orch, err := facade.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := newPrinter(os.Stdout)
	sess := &console{
		orch:    orch,
		profile: prof,
		out:     out,
		logger:  logger,
		// NATS reconnects by itself from the same descriptor.
		callerReconnect: prof.Driver != control.DriverNATS && prof.Connect.Reconnect.Allowed(0),
		lost:            make(chan struct{}, 1),
	}

	g, gctx := errgroup.WithContext(ctx)
	if prof.Metrics != "" {
		srv := &http.Server{
			Addr:              prof.Metrics,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", "addr", prof.Metrics)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error { return sess.pump(gctx, sink) })
	g.Go(func() error { return sess.supervise(gctx) })
	g.Go(func() error {
		err := sess.commands(gctx, os.Stdin)
		cancel()
		return err
	})

	err = g.Wait()

	teardown, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	_ = orch.Disconnect(teardown)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// buildProfile loads the profile file, if any, and applies flag overrides.
func buildProfile(f flags) (*control.Profile, error) {
	prof := &control.Profile{Driver: control.DriverGateway}
	if f.profile != "" {
		p, err := control.LoadProfile(f.profile)
		if err != nil {
			return nil, err
		}
		prof = p
	}
	if f.driver != "" {
		prof.Driver = f.driver
	}
	if f.endpoint != "" {
		prof.Connect.Endpoint = f.endpoint
	}
	if f.options != "" {
		opts, err := control.ParseOptions([]byte(f.options))
		if err != nil {
			return nil, api.NewError(api.KindValidation, "options", fmt.Errorf("%w: %w", api.ErrInvalidConfig, err))
		}
		prof.Connect.Options = opts
	}
	if f.command != "" {
		prof.Command = strings.Fields(f.command)
	}
	if prof.Driver == control.DriverSubprocess && len(prof.Command) == 0 {
		prof.Command = []string{"topicscope-mockbus"}
	}
	if prof.Driver == control.DriverSubprocess && prof.Connect.Endpoint == "" {
		prof.Connect.Endpoint = "mock://local"
	}
	if f.token != "" {
		prof.Connect.Auth = &control.Auth{Mode: control.AuthBearer, Token: f.token}
	}
	if f.metricsAddr != "" {
		prof.Metrics = f.metricsAddr
	}
	if f.maxQueue > 0 {
		prof.MaxQueueDepth = f.maxQueue
	}
	if f.reconnect && prof.Connect.Reconnect == nil {
		prof.Connect.Reconnect = &control.Reconnect{Enabled: true, Jitter: true}
	}
	for _, k := range f.subscribe {
		prof.Subscriptions = append(prof.Subscriptions, control.ProfileSubscription{KeyExpr: k})
	}
	if err := prof.Validate(); err != nil {
		return nil, err
	}
	return prof, nil
}

func driverFactory(prof *control.Profile, origin string, logger *slog.Logger, m *control.Metrics) facade.DriverFactory {
	return func() (api.Driver, error) {
		switch prof.Driver {
		case control.DriverGateway:
			return gateway.New(gateway.Options{Origin: origin, Logger: logger, Metrics: m}), nil
		case control.DriverSubprocess:
			return subprocess.New(subprocess.Options{
				Command: prof.Command[0],
				Args:    prof.Command[1:],
				Stderr:  os.Stderr,
				Logger:  logger,
			}), nil
		case control.DriverNATS:
			return natsbus.New(natsbus.Options{Logger: logger}), nil
		default:
			return nil, fmt.Errorf("%w: unknown driver %q", api.ErrInvalidConfig, prof.Driver)
		}
	}
}
