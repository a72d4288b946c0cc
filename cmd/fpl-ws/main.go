package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/poly4/fpl-analsyer-sub000/internal/config"
	"github.com/poly4/fpl-analsyer-sub000/internal/fpl"
	"github.com/poly4/fpl-analsyer-sub000/internal/guard"
	"github.com/poly4/fpl-analsyer-sub000/internal/hub"
	"github.com/poly4/fpl-analsyer-sub000/internal/ingest"
	"github.com/poly4/fpl-analsyer-sub000/internal/logging"
	"github.com/poly4/fpl-analsyer-sub000/internal/ratelimit"
	"github.com/poly4/fpl-analsyer-sub000/internal/transport"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	// automaxprocs has already capped GOMAXPROCS to the container quota.
	logger.Info().
		Int("gomaxprocs", runtime.GOMAXPROCS(0)).
		Str("environment", cfg.Environment).
		Msg("Starting fpl-ws")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g := guard.New(guard.Config{
		CPURejectThreshold:  cfg.CPURejectThreshold,
		CPUPauseThreshold:   cfg.CPUPauseThreshold,
		MemoryLimit:         cfg.MemoryLimit,
		MaxGoroutines:       cfg.MaxGoroutines,
		MaxIngestPerSec:     cfg.MaxIngestRate,
		MaxBroadcastsPerSec: cfg.MaxBroadcastRate,
	}, logger)
	g.Start(ctx)

	manager := hub.NewManager(hub.Config{
		MaxConnections:    cfg.MaxConnections,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PingInterval:      cfg.PingInterval,
		PingTimeout:       cfg.PingTimeout,
		ReconnectWindow:   cfg.ReconnectWindow,
		MessageBudget:     cfg.MessageBudget,
		MessageWindow:     cfg.MessageWindow,
		ReplayQueueSize:   cfg.ReplayQueueSize,
		FanoutWorkers:     cfg.FanoutWorkers,
		FanoutQueueSize:   cfg.FanoutQueueSize,
	}, logger)
	manager.Start(ctx)

	upstream := fpl.NewClient(fpl.Config{
		BaseURL: cfg.UpstreamBaseURL,
		Timeout: cfg.UpstreamTimeout,
	}, ratelimit.Config{
		Burst:           float64(cfg.UpstreamBurst),
		RefillPerSecond: cfg.UpstreamRefillRate,
		MaxRetries:      cfg.UpstreamMaxRetries,
		InitialBackoff:  cfg.UpstreamBackoff,
		MaxBackoff:      cfg.UpstreamMaxBackoff,
	}, logger)
	upstream.Start(ctx)

	if cfg.PollInterval > 0 {
		poller := fpl.NewPoller(fpl.PollerConfig{
			Interval:        cfg.PollInterval,
			RefreshInterval: cfg.PollRefreshInterval,
		}, upstream, manager, logger)
		go poller.Run(ctx)
	}

	consumer := ingest.NewConsumer(ingest.Config{
		URL:          cfg.NATSURL,
		StreamName:   cfg.NATSStream,
		ConsumerName: cfg.NATSConsumer,
		StreamMaxAge: cfg.NATSStreamMaxAge,
		AckWait:      cfg.NATSAckWait,
	}, manager, g, logger)
	if err := consumer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start JetStream consumer")
	}

	server := transport.NewServer(transport.Config{
		Addr:         cfg.Addr,
		DrainTimeout: cfg.DrainTimeout,
	}, manager, g, logger)
	server.SetUpstreamStats(func() any { return upstream.Metrics() })
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down")
	consumer.Stop()
	upstream.Stop()
	if err := server.Shutdown(context.Background()); err != nil {
		logger.Error().Err(err).Msg("Shutdown error")
	}
	manager.Stop()
	logger.Info().Msg("Shutdown complete")
}
