// Package main runs a psistreams pipeline: it joins a rendezvous, wires and
// records the streams of every discovered process, attaches the configured
// analyses and answers remote commands. With --replay it replays a recorded
// dataset through the same analyses instead.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/saacpsi/psistreams/attention"
	"github.com/saacpsi/psistreams/binding"
	"github.com/saacpsi/psistreams/command"
	"github.com/saacpsi/psistreams/config"
	"github.com/saacpsi/psistreams/connector"
	"github.com/saacpsi/psistreams/dataset"
	"github.com/saacpsi/psistreams/groups"
	"github.com/saacpsi/psistreams/metric"
	"github.com/saacpsi/psistreams/pipeline"
	"github.com/saacpsi/psistreams/service"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "psistreams"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return err
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		return nil
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)
	slog.Info("Starting psistreams", "version", Version, "build_time", BuildTime, "config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	bindings, err := newBindings()
	if err != nil {
		return err
	}
	metrics := metric.NewMetricsRegistry()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := &application{
		cfg:      cfg,
		cli:      cliCfg,
		logger:   logger,
		bindings: bindings,
		metrics:  metrics,
		manager:  service.NewManager(logger),
		shutdown: stop,
	}
	if cliCfg.Replay {
		return app.replay(ctx)
	}
	return app.serve(ctx)
}

// newBindings registers the analysis types next to the builtin ones
func newBindings() (*binding.Registry, error) {
	r := binding.Builtin()
	if err := groups.Register(r); err != nil {
		return nil, fmt.Errorf("register group types: %w", err)
	}
	if err := attention.Register(r); err != nil {
		return nil, fmt.Errorf("register attention types: %w", err)
	}
	return r, nil
}

type application struct {
	cfg      *config.Config
	cli      *CLIConfig
	logger   *slog.Logger
	bindings *binding.Registry
	metrics  *metric.MetricsRegistry
	manager  *service.Manager
	shutdown context.CancelFunc
}

func (a *application) options(extra ...service.Option) []service.Option {
	return append([]service.Option{
		service.WithLogger(a.logger),
		service.WithMetrics(a.metrics),
		service.WithBindings(a.bindings),
	}, extra...)
}

// metricsService registers the /metrics and /health endpoint when enabled
func (a *application) metricsService(watched service.HealthReporter) error {
	if !a.cfg.Metrics.Enabled {
		return nil
	}
	m, err := service.NewMetricsService(a.cfg.Metrics, a.metrics, service.WithLogger(a.logger))
	if err != nil {
		return err
	}
	m.Watch(watched)
	return a.manager.Register(m)
}

// serve joins the rendezvous until a signal or a Stop command
func (a *application) serve(ctx context.Context) error {
	var rdv *service.RendezvousPipeline
	dispatcher := command.NewDispatcher(a.cfg.Name, a.logger, a.metrics.CoreMetrics())
	dispatcher.Handle(command.Run, func(source string, _ pipeline.Message[command.Message]) {
		if err := rdv.RunPipeline(); err != nil {
			a.logger.Error("Run command failed", "source", source, "error", err)
		}
	})
	dispatcher.Handle(command.Stop, func(source string, _ pipeline.Message[command.Message]) {
		a.logger.Info("Stop requested", "source", source)
		a.shutdown()
	})
	dispatcher.Handle(command.Close, func(source string, _ pipeline.Message[command.Message]) {
		a.logger.Info("Close requested", "source", source)
		a.shutdown()
	})
	dispatcher.Handle(command.Status, func(source string, _ pipeline.Message[command.Message]) {
		target := strings.TrimSuffix(source, "-"+command.StreamName)
		rdv.SendCommand(command.Status, target, command.StatusReply(rdv.IsRunning()))
	})

	rdv, err := service.NewRendezvousPipeline(a.cfg, a.options(
		service.WithCommandHandler(func(source string, m pipeline.Message[command.Message]) {
			dispatcher.Dispatch(source, m)
		}),
	)...)
	if err != nil {
		return fmt.Errorf("create rendezvous pipeline: %w", err)
	}

	an := newAnalyzer(a.cfg, a.bindings, rdv, func(info connector.Info, session *dataset.Session) error {
		return rdv.ConnectorManager().CreateConnectorAndStore(info, session, session != nil)
	}, a.logger)
	if an.enabled() {
		rdv.ConnectorManager().OnNewEntry(an.onEntry)
	}
	rdv.OnNewProcess(func(name string) { a.logger.Info("Process wired", "process", name) })
	rdv.OnRemovedProcess(func(name string) { a.logger.Info("Process removed", "process", name) })

	if err := a.manager.Register(rdv); err != nil {
		return err
	}
	if err := a.metricsService(rdv); err != nil {
		return err
	}
	return a.runUntilDone(ctx, nil)
}

// replay plays the configured dataset back until it is exhausted or a
// signal arrives
func (a *application) replay(ctx context.Context) error {
	rc := service.ReplayConfig{Mode: service.ReplayMode(a.cli.ReplayMode)}
	if a.cli.ReplayStart != "" {
		rc.Start, _ = time.Parse(time.RFC3339, a.cli.ReplayStart)
	}
	if a.cli.ReplayEnd != "" {
		rc.End, _ = time.Parse(time.RFC3339, a.cli.ReplayEnd)
	}

	rp, err := service.NewReplayPipeline(a.cfg.Name, a.cfg.Pipeline, rc, a.options()...)
	if err != nil {
		return fmt.Errorf("create replay pipeline: %w", err)
	}
	an := newAnalyzer(a.cfg, a.bindings, rp, rp.Record, a.logger)
	if an.enabled() {
		rp.ConnectorManager().OnNewEntry(an.onEntry)
	}

	if err := a.manager.Register(rp); err != nil {
		return err
	}
	if err := a.metricsService(rp); err != nil {
		return err
	}
	return a.runUntilDone(ctx, func(ctx context.Context) error {
		if err := rp.LoadDatasetAndConnectors(ctx, a.cli.ReplaySession); err != nil {
			return err
		}
		if err := rp.RunPipeline(); err != nil {
			return err
		}
		go func() {
			if err := rp.Wait(ctx); err == nil {
				a.logger.Info("Replay finished")
				a.shutdown()
			}
		}()
		return nil
	})
}

// runUntilDone starts every service, runs afterStart and blocks until ctx
// ends, then stops the services in reverse order.
func (a *application) runUntilDone(ctx context.Context, afterStart func(context.Context) error) error {
	if err := a.manager.StartAll(ctx, a.cli.ShutdownTimeout); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	if afterStart != nil {
		if err := afterStart(ctx); err != nil {
			return stderrors.Join(fmt.Errorf("after start: %w", err), a.manager.StopAll(a.cli.ShutdownTimeout))
		}
	}
	slog.Info("psistreams started", "name", a.cfg.Name, "replay", a.cli.Replay)

	<-ctx.Done()
	slog.Info("Shutting down")

	if err := a.manager.StopAll(a.cli.ShutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	slog.Info("psistreams shutdown complete")
	return nil
}
