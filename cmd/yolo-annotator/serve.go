package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/menta2k/yolo-annotator/internal/api"
	"github.com/menta2k/yolo-annotator/internal/schema"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the annotation HTTP API",
		Long: `Starts the HTTP API for saving annotations, running augmentation jobs
and downloading datasets.

On interrupt the server stops accepting requests and queued augmentation
jobs are drained before the process exits.`,
		Example: `  # Listen on the configured address
  yolo-annotator serve

  # Listen on a custom address
  yolo-annotator serve --addr :9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = cfg.Server.Addr
			}

			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			validator, err := schema.New()
			if err != nil {
				return err
			}

			server := &http.Server{
				Addr:              addr,
				Handler:           api.NewHandler(api.Deps{Engine: engine, Validator: validator, Logger: slog.Default()}),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				slog.Info("yolo-annotator API available", "addr", addr, "annotations_dir", cfg.Storage.AnnotationsDir)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				slog.Info("shutting down server")

				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					slog.Error("server shutdown failed", "error", err)
				}
				if err := engine.Shutdown(shutdownCtx); err != nil {
					slog.Error("augmentation jobs did not drain", "error", err)
					return err
				}
				slog.Info("server stopped")
				return nil
			})

			return g.Wait()
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "listen address (defaults to server.addr)")

	return cmd
}
