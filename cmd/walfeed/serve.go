package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vibestack/walfeed/internal/controller"
	"github.com/vibestack/walfeed/internal/db"
	"github.com/vibestack/walfeed/internal/history"
	"github.com/vibestack/walfeed/internal/metrics"
	"github.com/vibestack/walfeed/internal/notify"
	"github.com/vibestack/walfeed/internal/poller"
	"github.com/vibestack/walfeed/internal/registry"
	"github.com/vibestack/walfeed/internal/server"
	"github.com/vibestack/walfeed/internal/slot"
	"github.com/vibestack/walfeed/internal/state"
	"github.com/vibestack/walfeed/internal/wal"
)

var serveNoInit bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the change feed service",
	Long: `Serve runs the full pipeline: it opens the database, initializes the
replication controller for the configured slot, and serves the admin API
and the client sync endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		database, err := db.Open(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		defer database.Close()

		collector := metrics.NewCollector(logger)
		defer collector.Close()

		store := state.NewPGStore(database.Pool)
		reg := registry.New(store, cfg.Clients.Timeout.Std(), cfg.Clients.FullCleanupInterval.Std(), logger)
		adapter := slot.NewAdapter(database.Pool, cfg.Replication.SlotName, logger)
		writer := history.NewWriter(database.Pool, logger)
		transformer := wal.NewTransformer(wal.NewFilter(cfg.Replication.TrackedTables), collector, logger)

		hub := server.NewHub(reg, collector, logger)
		dispatcher := notify.NewDispatcher(reg, hub, collector, logger)

		engine := poller.New(poller.Config{
			WALBatchSize:        cfg.Replication.WALBatchSize,
			WALConsumeSize:      cfg.Replication.WALConsumeSize,
			WALBatchThreshold:   cfg.Replication.WALBatchThreshold,
			StoreBatchSize:      cfg.Replication.StoreBatchSize,
			PollingInterval:     cfg.Replication.PollingInterval.Std(),
			FastPollingInterval: cfg.Replication.FastPollingInterval.Std(),
			MaxConsecutivePolls: cfg.Replication.MaxConsecutivePolls,
			SkipWALConsumption:  cfg.Replication.SkipWALConsumption,
		}, adapter, transformer, writer, store, dispatcher, collector, logger)

		ctrl := controller.New(controller.Config{
			ClientTimeout:            cfg.Clients.Timeout.Std(),
			ClientCheckInterval:      cfg.Clients.CheckInterval.Std(),
			HibernationCheckInterval: cfg.Clients.HibernationCheckInterval.Std(),
		}, adapter, engine, reg, writer, store, collector, logger)

		manager := controller.NewManager(logger)
		manager.Register(cfg.Replication.SlotName, ctrl)

		if !serveNoInit {
			if _, err := ctrl.Init(ctx); err != nil {
				logger.Warn().Err(err).Msg("controller init failed, admin init endpoint can retry")
			}
		}

		srv := server.New(ctrl, hub, collector, logger)
		serveErr := srv.Start(ctx, cfg.Server.Listen, cfg.Server.Port)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		manager.ShutdownAll(shutdownCtx)

		return serveErr
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoInit, "no-init", false, "Do not initialize replication on boot; wait for the init endpoint")
	rootCmd.AddCommand(serveCmd)
}
