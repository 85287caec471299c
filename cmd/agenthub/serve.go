package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nstogner/agenthub/pkg/registry"
	"github.com/nstogner/agenthub/pkg/relay"
	"github.com/nstogner/agenthub/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Resume known sandboxes and run the relay",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	slog.Info("Loaded state",
		"dataDir", cfg.DataDir,
		"sandboxes", len(a.sandboxes.List()),
		"messages", a.messages.Len(),
	)

	reg := registry.New()
	handler := relay.NewHandler(reg, a.messages, a.sandboxes, relay.Options{
		ChunkSize:   cfg.Relay.ChunkSize,
		HistorySize: cfg.Relay.HistorySize,
	})
	srv := server.New(handler, reg, a.sandboxes, a.messages, server.Options{
		WebSocketPath: cfg.Server.WebSocketPath,
		MaxFrameBytes: cfg.Server.MaxFrameBytes,
		OutboundQueue: cfg.Relay.OutboundQueue,
	})

	go func() {
		report := a.sandboxes.StartAll(ctx)
		if err := report.Err(); err != nil {
			slog.Error("Some sandboxes failed to resume",
				"started", len(report.Started),
				"failed", len(report.Failed),
				"error", err,
			)
			return
		}
		slog.Info("Resumed sandboxes", "started", len(report.Started))
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Server.Address)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
