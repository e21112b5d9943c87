package commands

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pkgpatch/pkgpatch/internal/config"
	"github.com/pkgpatch/pkgpatch/internal/server"
	"github.com/pkgpatch/pkgpatch/pkg/errors"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP processing service",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	c, err := buildCore(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.close()

	srv := server.New(c.registry, c.index, c.artifacts, c.runner, cfg.UploadDir(), cfg.MaxFileSize)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	go func() {
		<-ctx.Done()
		slog.Info("server_shutdown_started")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("server_shutdown_failed", "error", err)
		}
	}()

	slog.Info("server_listening", "addr", cfg.ListenAddr, "work_dir", cfg.WorkDir)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "HTTP server failed")
	}

	slog.Info("server_stopped")
	return nil
}
