package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/peace-maker/anthill/internal/api"
	"github.com/peace-maker/anthill/internal/config"
	"github.com/peace-maker/anthill/internal/engine"
	"github.com/peace-maker/anthill/internal/eventbus"
	"github.com/peace-maker/anthill/internal/lockfile"
	"github.com/peace-maker/anthill/internal/storage/factory"
	"github.com/peace-maker/anthill/internal/submission"
	"github.com/peace-maker/anthill/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the submission engine and the capture API",
	Long: `Runs the engine until interrupted: captures arrive over HTTP, flags are
submitted in batches every tick and expired flags are retired in the
background. Only one engine may serve a data directory at a time.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Bool("ephemeral", false, "Keep all state in memory (nothing survives a restart)")
	serveCmd.Flags().String("listen", "", "Override api.listen; empty config value disables the API")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if ephemeral, _ := cmd.Flags().GetBool("ephemeral"); ephemeral {
		cfg.Storage.Backend = config.BackendMemory
	}
	if cmd.Flags().Changed("listen") {
		cfg.API.Listen, _ = cmd.Flags().GetString("listen")
	}
	log := newLogger(cfg.Log, os.Stderr)
	ctx := cmd.Context()

	lock, err := lockfile.Acquire(cfg.DataDir, lockfile.LockInfo{
		PID:       os.Getpid(),
		Database:  describeBackend(cfg),
		Version:   Version,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	if err := telemetry.Init(ctx, "anthill", Version); err != nil {
		log.Warn("telemetry disabled", "error", err)
	}
	defer telemetry.Shutdown(context.WithoutCancel(ctx))

	store, err := factory.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	client, err := submission.NewHTTPClient(cfg.Submission, log.With("component", "submission"))
	if err != nil {
		return err
	}

	recorder := eventbus.NewRecorder(eventbus.DefaultRecorderSize)
	bus := eventbus.New(log)
	bus.Register(recorder)

	eng, err := engine.New(cfg.Engine, client, engine.Options{
		Storage: telemetry.WrapStorage(store),
		Bus:     bus,
		Logger:  log.With("component", "engine"),
	})
	if err != nil {
		return err
	}
	if err := eng.Load(ctx); err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })

	if cfg.API.Listen != "" {
		handler, err := api.NewHandler(api.Config{
			Engine:         eng,
			Events:         recorder,
			AllowedOrigins: cfg.API.AllowedOrigins,
			Logger:         log.With("component", "api"),
			RequireTeam:    cfg.Engine.OwnTeamID >= 0 || cfg.Engine.NOPTeamID >= 0,
		})
		if err != nil {
			return err
		}
		srv := &http.Server{
			Addr:              cfg.API.Listen,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		log.Info("exposing API", "addr", cfg.API.Listen)
		g.Go(func() error { return api.Serve(gctx, srv, cfg.Engine.ShutdownGrace) })
	}

	return g.Wait()
}

func describeBackend(cfg *config.Config) string {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		return cfg.SQLitePath()
	case config.BackendMySQL:
		return fmt.Sprintf("mysql://%s:%d/%s", cfg.Storage.MySQL.Host, cfg.Storage.MySQL.Port, cfg.Storage.MySQL.Database)
	}
	return cfg.Storage.Backend
}
