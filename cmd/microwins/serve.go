package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"microwins/internal/infra/api"
	"microwins/internal/infra/db/postgres"
	"microwins/internal/infra/db/sqlite"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var withWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			srv, err := api.NewServer(a.goalUseCase(), a.rateLimiter(), api.Options{
				RequestTimeout:  cfg.HTTP.RequestTimeout,
				CreateRateLimit: cfg.API.CreateRateLimit,
				JWTSecret:       cfg.Auth.JWTSecret,
				Health:          a.health,
			}, a.log)
			if err != nil {
				return err
			}
			httpSrv := &http.Server{
				Addr:              cfg.HTTP.Addr,
				Handler:           srv.Routes(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.log.Info().Str("addr", httpSrv.Addr).Msg("http listening")
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
				defer cancel()
				return httpSrv.Shutdown(sctx)
			})
			if withWorkers {
				if err := a.startWorkers(gctx, g); err != nil {
					return err
				}
			}
			err = ignoreCanceled(g.Wait())
			a.log.Info().Msg("shutdown complete")
			return err
		},
	}
	cmd.Flags().BoolVar(&withWorkers, "with-workers", false, "also run the decomposition workers in this process")
	return cmd
}

func newWorkerCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run decomposition workers and the lease sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			g, gctx := errgroup.WithContext(ctx)
			if err := a.startWorkers(gctx, g); err != nil {
				return err
			}
			return ignoreCanceled(g.Wait())
		},
	}
}

func newMigrateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			switch cfg.Database.Driver {
			case "sqlite":
				db, err := sqlite.Open(ctx, cfg.Database.URL)
				if err != nil {
					return err
				}
				defer db.Close()
				return sqlite.Migrate(ctx, db)
			default:
				pool, err := postgres.Connect(ctx, cfg.Database)
				if err != nil {
					return err
				}
				defer pool.Close()
				return postgres.Migrate(ctx, pool)
			}
		},
	}
}
