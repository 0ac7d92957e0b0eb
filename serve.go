package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/caltube/caltube/internal/config"
	"github.com/caltube/caltube/internal/gcal"
	"github.com/caltube/caltube/internal/httpapi"
	syncengine "github.com/caltube/caltube/internal/sync"
	"github.com/caltube/caltube/internal/token"
	"github.com/caltube/caltube/internal/webhook"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second

	// httpClientTimeout bounds outbound provider calls. Prevents a hung
	// connection from pinning a sync worker indefinitely.
	httpClientTimeout = 30 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the synchronization server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := buildLogger()
	ctx := shutdownContext(parent, logger)

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("closing database", "error", err)
		}
	}()

	httpClient := &http.Client{Timeout: httpClientTimeout}
	tokens := token.NewManager(cfg.OAuthConfig(), st, gcal.DefaultBaseURL, httpClient, logger)
	webhooks := webhook.NewManager(tokens, st, cfg.BaseURL, logger)
	engine := syncengine.NewEngine(tokens, st, logger)

	handler := httpapi.NewHandler(cfg, st, engine, tokens, webhooks, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			"addr", cfg.ListenAddr,
			"base_url", cfg.BaseURL,
			"version", version,
		)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}

	logger.Info("server stopped")

	return nil
}
