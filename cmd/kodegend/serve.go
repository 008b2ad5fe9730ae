package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kodegen/kodegend/internal/aggregate"
	"github.com/kodegen/kodegend/internal/config"
	"github.com/kodegen/kodegend/internal/export"
	exportfactory "github.com/kodegen/kodegend/internal/export/factory"
	"github.com/kodegen/kodegend/internal/introspect"
	"github.com/kodegen/kodegend/internal/journal"
	journalfactory "github.com/kodegen/kodegend/internal/journal/factory"
	"github.com/kodegen/kodegend/internal/logger"
	"github.com/kodegen/kodegend/internal/metrics"
	"github.com/kodegen/kodegend/internal/registry"
	"github.com/kodegen/kodegend/internal/server"
	"github.com/kodegen/kodegend/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
)

// runServeCommand wires the daemon together and blocks until a shutdown
// signal arrives.
func runServeCommand(flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	if configPath == "" {
		return fmt.Errorf("config file required. Use --config=kodegend.toml or provide as argument")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	pidFile := flags.PidFile
	if pidFile == "" {
		pidFile = cfg.PIDFile
	}

	if flags.Daemonize {
		return daemonize(pidFile, flags.LogFile)
	}

	logger.Setup(cfg.Log)
	gin.SetMode(gin.ReleaseMode)

	if pidFile != "" {
		if err := writePidFile(pidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(pidFile) }()
	}

	// Background context for the connection sweeper and the resource
	// sampler.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := supervisor.New()
	genv, err := cfg.GlobalEnv()
	if err != nil {
		return err
	}
	sup.SetGlobalEnv(genv)
	if !cfg.UseOSEnv {
		sup.ExcludeOSEnv()
	}

	// Metrics come up before the first service so no transition is missed.
	var collector *metrics.ResourceCollector
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		if cfg.Metrics.Resources.Enabled {
			collector = metrics.NewResourceCollector(cfg.Metrics.Resources)
			if err := collector.Register(prometheus.DefaultRegisterer); err != nil {
				return fmt.Errorf("register resource metrics: %w", err)
			}
			collector.Start(ctx, sup.PIDs)
		}
		if cfg.Metrics.Listen != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			metricsSrv = server.NewTCPServer(cfg.Metrics.Listen, mux)
			slog.Info("metrics listening", "addr", cfg.Metrics.Listen)
		}
	}

	reg := registry.New(registry.Options{
		TTL:           cfg.Registry.ConnectionTTL,
		SweepInterval: cfg.Registry.SweepInterval,
	})
	reg.Start(ctx)

	hub := server.NewHub()
	sup.OnTransition(hub.Publish)

	var (
		jrnl     journal.Journal
		recorder *journal.Recorder
	)
	if cfg.Journal.DSN != "" {
		jrnl, err = journalfactory.New(cfg.Journal.DSN)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		recorder = journal.NewRecorder(jrnl, 0)
		sup.OnTransition(recorder.Enqueue)
		slog.Info("journal enabled", "dsn", cfg.Journal.DSN)
	}

	var (
		sink       export.Sink
		dispatcher *export.Dispatcher
	)
	if cfg.Export.DSN != "" {
		sink, err = exportfactory.New(cfg.Export.DSN)
		if err != nil {
			return fmt.Errorf("open export sink: %w", err)
		}
		dispatcher = export.NewDispatcher(0, sink)
		sup.OnTransition(dispatcher.Enqueue)
		slog.Info("export sink enabled", "dsn", cfg.Export.DSN)
	}

	engine := aggregate.New(introspect.NewClient(cfg.Aggregate.ServerTimeout), cfg.Aggregate.ServerTimeout)

	// Category routing must exist before the first backend comes up.
	for _, spec := range cfg.Services {
		if err := reg.AddServer(registry.Server{Name: spec.Name, Category: spec.Category, Port: spec.Port}); err != nil {
			return err
		}
	}
	for _, spec := range cfg.Services {
		if err := sup.Register(spec); err != nil {
			// Spawn failures belong to the restart policy, not startup.
			slog.Warn("initial start failed", "service", spec.Name, "error", err)
		}
	}

	router := server.NewRouter(sup, reg, engine, hub, jrnl, cfg.BasePath)
	handler := router.Handler()

	var unixSrv, tcpSrv *http.Server
	if cfg.Socket != "" {
		unixSrv, err = server.NewUnixServer(cfg.Socket, handler)
		if err != nil {
			return err
		}
		slog.Info("control socket listening", "socket", cfg.Socket, "base_path", cfg.BasePath)
	}
	if cfg.Listen != "" {
		tcpSrv = server.NewTCPServer(cfg.Listen, handler)
		slog.Info("control channel listening", "addr", cfg.Listen, "base_path", cfg.BasePath)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if unixSrv != nil {
		_ = server.ShutdownUnixServer(shutdownCtx, unixSrv, cfg.Socket)
	}
	if tcpSrv != nil {
		_ = tcpSrv.Shutdown(shutdownCtx)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	cancel()
	if collector != nil {
		collector.Stop()
	}

	// Services stop first so their final transitions still reach the
	// journal and the export sink, then both drain.
	sup.Shutdown()
	if recorder != nil {
		recorder.Close()
	}
	if dispatcher != nil {
		dispatcher.Close()
	}
	if jrnl != nil {
		_ = jrnl.Close()
	}
	if closer, ok := sink.(io.Closer); ok {
		_ = closer.Close()
	}
	return nil
}
