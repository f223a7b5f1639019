package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/synapsehq/synapse/pkg/server"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	srv, err := server.New(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bring enabled models up and keep probing them.
	startEnabled(ctx, srv)
	go srv.Fleet.Run(ctx)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Config.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", srv.Config.Port).Str("profile", srv.Config.Profile).Msg("control plane listening")
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != http.ErrServerClosed {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	cancel()
	srv.Fleet.Shutdown(shutdownCtx)
	srv.Bus.Close()
	if err := srv.ShutdownFunc(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("telemetry shutdown")
	}
	log.Info().Msg("control plane stopped")
	return nil
}

// startEnabled launches every enabled model. Individual failures are logged
// and left for the admin surface; the server still comes up.
func startEnabled(ctx context.Context, srv *server.Server) {
	for _, snap := range srv.Fleet.Snapshot() {
		if !snap.Descriptor.Enabled {
			continue
		}
		id := snap.Descriptor.ID
		if err := srv.Fleet.Start(ctx, id); err != nil {
			log.Warn().Err(err).Str("model", id).Msg("model failed to start")
			continue
		}
		log.Info().Str("model", id).Str("tier", string(snap.Descriptor.Tier)).Msg("model started")
	}
}
