package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/api"
	"github.com/sells-group/parcel-cli/internal/parcel"
)

var (
	servePort     int
	serveSchedule string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve import status and risk results over HTTP",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		b, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer b.Close() //nolint:errcheck

		server := api.NewServer(api.Deps{
			Counties:    parcel.MustCounties(),
			Tracker:     b.Tracker,
			Assessments: b.Assessments,
			Parcels:     b.Parcels,
			Hazards:     b.Hazards,
			Ping:        b.Ping,
		})

		schedule := serveSchedule
		if schedule == "" {
			schedule = cfg.Server.RescoreSchedule
		}
		if schedule != "" {
			runner, err := newRunner(b)
			if err != nil {
				return err
			}
			rescorer := api.NewRescorer(b.Parcels, b.Tracker, runner)
			rescorer.StaleAfter = cfg.Ingest.StaleAfter
			if err := rescorer.Start(ctx, schedule); err != nil {
				return err
			}
			defer rescorer.Stop()
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           server.Router(cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port), zap.String("rescore_schedule", schedule))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().StringVar(&serveSchedule, "rescore-schedule", "", "cron schedule for rescoring (default from config)")
	rootCmd.AddCommand(serveCmd)
}
