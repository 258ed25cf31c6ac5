package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/minutemate/platform/internal/audio"
	"github.com/minutemate/platform/internal/inbox"
	"github.com/minutemate/platform/internal/orchestrator"
	"github.com/minutemate/platform/internal/server"
)

const shutdownTimeout = 2 * time.Minute

func newServeCmd(opts *options) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.HTTPAddr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pipe, release, err := newPipeline(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer release()

			mgr := orchestrator.New(orchestrator.Options{
				Capturer: audio.NewCapturer(audio.PortAudio(cfg.Audio.Device)),
				Pipeline: pipe,
				Archiver: newArchiver(cfg.Archive),
				Audio: audio.Config{
					SampleRate:     cfg.Audio.SampleRate,
					FrameDuration:  cfg.Audio.FrameDuration(),
					ThresholdDB:    cfg.Audio.SilenceThresholdDB,
					SilenceTimeout: cfg.Audio.SilenceTimeout(),
				},
			})

			inboxDone := make(chan struct{})
			if cfg.Inbox.Dir != "" {
				w, err := inbox.New(cfg.Inbox.Dir, mgr, cfg.Inbox.SettleDelay())
				if err != nil {
					return err
				}
				go func() {
					defer close(inboxDone)
					if err := w.Run(ctx); err != nil {
						slog.Error("inbox watcher stopped", "error", err)
					}
				}()
			} else {
				close(inboxDone)
			}

			httpServer := &http.Server{
				Addr:              cfg.Server.HTTPAddr,
				Handler:           server.New(mgr, cfg.Server).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			serveErr := make(chan error, 1)
			go func() {
				slog.Info("platform server starting", "config", cfg.String())
				if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case <-ctx.Done():
			case err := <-serveErr:
				if err != nil {
					slog.Error("http server error", "error", err)
				}
			}

			slog.Info("shutting down...")
			stop()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("http shutdown error", "error", err)
			}
			<-inboxDone
			if err := mgr.Close(shutdownCtx); err != nil {
				slog.Error("meetings still processing at shutdown", "error", err)
			}
			slog.Info("shutdown complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	return cmd
}
