package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/duocapture/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the DuoCapture web server to switch cameras, record and run sequences
from a phone or any device on the same network. State changes are pushed to
websocket clients on /ws.

The server will display the local network URL for easy access from mobile devices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetString("port")
		}

		svc, err := startService(cmd.Context())
		if err != nil {
			return err
		}
		defer closeService(svc)

		srv := server.New(svc, port)
		slog.Info("DuoCapture web server starting", "port", port, "backend", cfg.Camera.Backend)

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		sigChan, stopSignals := interrupted()
		defer stopSignals()

		select {
		case err := <-errCh:
			srv.Close()
			if err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		case <-sigChan:
			slog.Info("Shutting down web server...")
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "8080", "port for the web server (overrides config)")
}
