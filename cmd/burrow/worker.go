package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/burrowops/burrow/pkg/chirp"
	"github.com/burrowops/burrow/pkg/config"
	"github.com/burrowops/burrow/pkg/engine/db"
	"github.com/burrowops/burrow/pkg/engine/worker"
	"github.com/burrowops/burrow/pkg/kv"
	"github.com/burrowops/burrow/pkg/log"
	"github.com/burrowops/burrow/pkg/metrics"
)

// registry is the process-wide operator registry. Deployment builds link
// their operator packages into this binary and register them here from
// init functions before the worker command runs.
var registry = worker.NewRegistry()

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the workflow engine worker",
	Long: `Runs the workflow worker loops: pulling due workflows for every
registered operator, heartbeating the worker instance, reclaiming leases
from lost peers, and publishing engine gauges.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		store, err := kv.Open(cfg.DataDir, kv.Options{RetryLimit: cfg.TxnRetryLimit})
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()

		nc, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer nc.Close()

		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse redis URL: %w", err)
		}
		redisClient := redis.NewClient(redisOpts)
		defer redisClient.Close()

		database := db.New(store, db.NewNatsWakeBus(nc), db.Options{
			PollInterval: cfg.WorkerPollInterval,
		})
		shared := chirp.NewSharedClient(chirp.NewNatsBus(nc), redisClient, cfg.Region)

		metrics.Register()
		metricsServer := metrics.StartServer(cfg.MetricsAddr)

		w := worker.NewWorker(&worker.Config{
			Database:  database,
			Registry:  registry,
			Publisher: &chirpPublisher{shared: shared},
			Gauges:    metrics.EmitGauge,
		})

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
		logger := log.Component("cmd")
		logger.Info().
			Str("worker_instance_id", w.InstanceID().String()).
			Str("region", cfg.Region).
			Msg("worker running")

		waitForShutdown()

		logger.Info().Msg("shutting down worker")
		cancel()
		w.Stop()
		_ = metricsServer.Close()
		return nil
	},
}

// chirpPublisher adapts the chirp client to the worker's message publisher
// contract. Each publish runs under a fresh root client so messages carry
// their own trace chain.
type chirpPublisher struct {
	shared *chirp.SharedClient
}

func (p *chirpPublisher) PublishMessage(ctx context.Context, name string, parameters []string, body json.RawMessage) error {
	spec := &chirp.MessageSpec{Name: name}
	for range parameters {
		spec.Parameters = append(spec.Parameters, chirp.Parameter{Wildcard: true})
	}
	return p.shared.Wrap("engine-worker").MessageWait(ctx, spec, parameters, body)
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
