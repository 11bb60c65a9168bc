package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/keyton-weissinger/patchworkmcp/internal/api"
	"github.com/keyton-weissinger/patchworkmcp/internal/config"
	"github.com/keyton-weissinger/patchworkmcp/internal/core"
	"github.com/keyton-weissinger/patchworkmcp/internal/settings"
	"github.com/keyton-weissinger/patchworkmcp/internal/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the feedback HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
}

func runServe(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Debug() {
		log.Println("Service starting in DEBUG mode")
	}

	dbStore, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer dbStore.Close()

	settingsStore, err := settings.Open(cfg.DatabasePath, cfg.EnvPath, settings.DefaultsFromConfig(cfg))
	if err != nil {
		return fmt.Errorf("initialize settings: %w", err)
	}
	defer settingsStore.Close()

	opts := core.DefaultDraftOptions(cfg.Policy)
	opts.Debug = cfg.Debug()
	drafts := core.NewDraftService(dbStore, settingsStore, opts)
	feedbackService := core.NewFeedbackService(dbStore, drafts)

	apiHandler := api.NewAPIHandler(feedbackService, settingsStore)
	router := api.NewRouter(apiHandler, cfg.APIKey)
	if cfg.APIKey == "" {
		log.Println("FEEDBACK_API_KEY is not set; mutating routes are open")
	}

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // draft streams clear their own deadline
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting server on %s. Press Ctrl+C to quit.", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("listen on %s: %w", serverAddr, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Printf("Received %s, shutting down server...", sig)
	case err := <-errCh:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Attempts keep running after their stream closes; let them record results.
	done := make(chan struct{})
	go func() {
		drafts.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Println("Draft attempts still running at shutdown deadline")
	}

	log.Println("Server exiting gracefully")
	return nil
}
