package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iishyfishyy/chatterm/internal/server"
)

func runServe(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings(logJSON)
	if err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	srv := server.New(settings, server.NewEngineFactory(logger), logger)
	return srv.ListenAndServe(ctx, host, port)
}
