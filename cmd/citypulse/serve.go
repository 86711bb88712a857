// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/citypulse/citypulse/internal/config"
	"github.com/citypulse/citypulse/internal/core"
	"github.com/citypulse/citypulse/internal/gateway"
	"github.com/citypulse/citypulse/internal/logging"
	"github.com/citypulse/citypulse/internal/observability"
	"github.com/citypulse/citypulse/internal/push"
	"github.com/citypulse/citypulse/internal/store"
	"github.com/citypulse/citypulse/internal/telnet"
	"github.com/citypulse/citypulse/internal/xdg"
)

// serveConfig holds flags that are not part of the server configuration.
type serveConfig struct {
	printConfig bool
}

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cfg := &serveConfig{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the CityPulse server",
		Long: `Start the WebSocket gateway, the HTTP API and, when configured,
the telnet gateway and the metrics server.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeWithDeps(cmd.Context(), cmd, cfg, nil)
		},
	}

	config.RegisterFlags(cmd.Flags())
	cmd.Flags().BoolVar(&cfg.printConfig, "print-config", false, "print the effective configuration and exit")

	return cmd
}

// envFiles lists the .env files read for secrets, highest priority first.
func envFiles() []string {
	return []string{".env", xdg.EnvFile()}
}

// configPath returns the --config flag or the XDG config file if it exists.
func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	return xdg.ExistingConfigFile()
}

// runServeWithDeps starts the server with injectable dependencies and blocks
// until ctx is cancelled, a signal arrives or a server fails.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cmd *cobra.Command, sc *serveConfig, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	if deps.ConfigLoader == nil {
		deps.ConfigLoader = func(path string, fs *pflag.FlagSet) (*config.Config, error) {
			return config.Load(path, fs, envFiles()...)
		}
	}
	if deps.ArchiveFactory == nil {
		deps.ArchiveFactory = openArchive
	}
	if deps.NotifierFactory == nil {
		deps.NotifierFactory = push.New
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, ready observability.ReadinessChecker, registrars ...observability.Registrar) ObservabilityServer {
			return observability.NewServer(addr, ready, registrars...)
		}
	}

	path, err := configPath()
	if err != nil {
		return oops.With("operation", "locate config file").Wrap(err)
	}
	cfg, err := deps.ConfigLoader(path, cmd.Flags())
	if err != nil {
		return err
	}

	if sc.printConfig {
		data, err := cfg.YAML()
		if err != nil {
			return err
		}
		cmd.Print(string(data))
		return nil
	}

	if err := logging.SetDefaultLevel("citypulse", version, cfg.Log.Format, cfg.Log.Level); err != nil {
		return oops.Code(config.CodeInvalidConfig).Wrapf(err, "set up logging")
	}
	logger := slog.Default()

	policy, err := core.NewRoomPolicy(cfg.Rooms.Allow...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hubOpts := []core.HubOption{
		core.WithGlobalRoom(cfg.Rooms.Global),
		core.WithHistoryCapacity(cfg.Rooms.HistoryCapacity),
		core.WithMaxBody(cfg.Rooms.MaxBody),
		core.WithMaxDisplayName(cfg.Connection.MaxDisplayName),
		core.WithRoomPolicy(policy),
		core.WithLogger(logger),
	}
	alertOpts := []core.AlertOption{
		core.WithTopic(cfg.Alerts.Topic),
		core.WithDefaults(cfg.Alerts.DefaultTitle, cfg.Alerts.DefaultBody),
		core.WithPushTimeout(cfg.Alerts.Timeout),
		core.WithAlertLogger(logger),
	}

	var writer *store.Writer
	if cfg.Archive.Enabled {
		archive, closeArchive, err := deps.ArchiveFactory(ctx, cfg.Secrets.DatabaseURL)
		if err != nil {
			return oops.Code("DB_CONNECT_FAILED").With("operation", "open archive").Wrap(err)
		}
		defer closeArchive()
		writer = store.NewWriter(archive,
			store.WithQueueSize(cfg.Archive.QueueSize),
			store.WithWriterLogger(logger),
		)
		hubOpts = append(hubOpts, core.WithArchiver(writer))
		alertOpts = append(alertOpts, core.WithAlertArchiver(writer))
		logger.Info("archive enabled", "queue_size", cfg.Archive.QueueSize)
	}

	notifier, err := deps.NotifierFactory(push.Options{
		Provider:   cfg.Alerts.Provider,
		WebhookURL: cfg.Alerts.WebhookURL,
		Token:      cfg.Secrets.PushToken,
		Timeout:    cfg.Alerts.Timeout,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	hub := core.NewHub(hubOpts...)
	alerts := core.NewAlertDispatcher(hub, notifier, alertOpts...)
	dispatchOpts := []gateway.DispatcherOption{
		gateway.WithHistoryLimit(cfg.Rooms.DefaultHistoryLimit),
		gateway.WithDispatchLogger(logger),
	}
	if cfg.Connection.RatePerSecond > 0 {
		limiter := gateway.NewRateLimiter(gateway.RateLimiterConfig{
			Burst: cfg.Connection.RateBurst,
			Rate:  cfg.Connection.RatePerSecond,
		})
		defer limiter.Close()
		dispatchOpts = append(dispatchOpts, gateway.WithRateLimiter(limiter))
	}
	dispatcher := gateway.NewDispatcher(hub, alerts, dispatchOpts...)

	var ready atomic.Bool
	var info ServeInfo
	var metrics *observability.Metrics
	var obsServer ObservabilityServer
	if cfg.Server.MetricsAddr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Server.MetricsAddr, ready.Load,
			core.RegisterMetrics, gateway.RegisterMetrics, store.RegisterMetrics)
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return oops.Wrapf(err, "start observability server")
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		metrics = obsServer.Metrics()
		info.MetricsAddr = obsServer.Addr()
		logger.Info("observability server started", "addr", info.MetricsAddr)
	}

	gwCfg := gateway.DefaultConfig()
	gwCfg.Addr = cfg.Server.HTTPAddr
	gwCfg.SendBuffer = cfg.Connection.SendBuffer
	gwCfg.PingInterval = cfg.Connection.PingInterval
	gwCfg.PongTimeout = cfg.Connection.PongTimeout
	gwCfg.HandshakeTimeout = cfg.Connection.HandshakeTimeout
	gwCfg.MaxFrameBytes = cfg.Connection.MaxFrameBytes
	gw := gateway.NewServer(hub, alerts, dispatcher,
		gateway.WithConfig(gwCfg),
		gateway.WithMetrics(metrics),
		gateway.WithLogger(logger),
	)
	gwErrChan, err := gw.Start()
	if err != nil {
		stopObservability(obsServer)
		return oops.Wrapf(err, "start gateway")
	}
	go monitorServerErrors(ctx, cancel, gwErrChan, "gateway")
	info.HTTPAddr = gw.Addr()

	var telnetWG sync.WaitGroup
	if cfg.Server.TelnetAddr != "" {
		tsrv := telnet.NewServer(cfg.Server.TelnetAddr, hub, dispatcher,
			telnet.WithSendBuffer(cfg.Connection.SendBuffer),
			telnet.WithMetrics(metrics),
		)
		telnetErr := make(chan error, 1)
		telnetWG.Add(1)
		go func() {
			defer telnetWG.Done()
			defer close(telnetErr)
			if err := tsrv.Run(ctx); err != nil {
				telnetErr <- err
			}
		}()
		go monitorServerErrors(ctx, cancel, telnetErr, "telnet")
		info.TelnetAddr = waitForAddr(ctx, tsrv)
	}

	ready.Store(true)
	cmd.Println("CityPulse started")
	logger.Info("citypulse ready",
		"http_addr", info.HTTPAddr,
		"telnet_addr", info.TelnetAddr,
		"metrics_addr", info.MetricsAddr,
	)
	if deps.Ready != nil {
		deps.Ready(info)
	}

	<-ctx.Done()
	logger.Info("shutting down...")
	ready.Store(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Warn("error stopping gateway", "error", err)
	}
	telnetWG.Wait()
	alerts.Wait()
	if writer != nil {
		if err := writer.Close(shutdownCtx); err != nil {
			logger.Warn("error flushing archive", "error", err)
		}
	}
	stopObservability(obsServer)

	logger.Info("shutdown complete")
	return nil
}

// waitForAddr returns the telnet listener address once it is bound, or ""
// if ctx ends first.
func waitForAddr(ctx context.Context, tsrv *telnet.Server) string {
	for {
		if addr := tsrv.Addr(); addr != "" {
			return addr
		}
		select {
		case <-ctx.Done():
			return ""
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func stopObservability(obsServer ObservabilityServer) {
	if obsServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := obsServer.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("error stopping observability server", "error", err)
	}
}

// monitorServerErrors monitors a server's error channel and cancels the context on error.
// It exits when either an error is received, the channel is closed, or the context is cancelled.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
