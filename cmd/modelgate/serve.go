package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zen-systems/modelgate/pkg/adapter"
	"github.com/zen-systems/modelgate/pkg/config"
	"github.com/zen-systems/modelgate/pkg/server"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var addr string
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dispatch and pending-queue HTTP API",
		Long: `Starts the HTTP API:

	  POST /v1/dispatch
	  GET  /v1/pending[?status=]
	  GET  /v1/pending/{id}
	  POST /v1/pending/{id}/fulfill
	  GET  /metrics
	  GET  /healthz

	With --watch the routing config is reloaded when its files change; a
	reload that fails validation keeps the previous snapshot.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			d, err := a.dispatcher()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.settings.ListenAddr
			}

			if watch {
				go func() {
					err := a.store.Watch(ctx, func(snap *config.Snapshot) {
						a.adapters.Replace(adapter.Build(ctx, snap, a.logger))
						a.logger.Info("Routing config reloaded", zap.String("digest", snap.Digest()))
					})
					if err != nil && !errors.Is(err, context.Canceled) {
						a.logger.Error("Config watch stopped", zap.Error(err))
					}
				}()
			}

			srv := &http.Server{
				Addr: addr,
				Handler: server.New(server.Config{
					Dispatcher: d,
					Queue:      a.queue,
					Source:     a.store,
					Gatherer:   a.registry,
					Flags:      a.flags(),
					Logger:     a.logger,
				}).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("Listening", zap.String("addr", addr), zap.Bool("lockdown", a.settings.Lockdown))
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("serve: %w", err)
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			a.logger.Info("Shutting down")
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from settings)")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload the routing config on change")
	return cmd
}
