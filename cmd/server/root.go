package main

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/minutemate/platform/internal/archive"
	"github.com/minutemate/platform/internal/config"
	apperr "github.com/minutemate/platform/internal/errors"
	"github.com/minutemate/platform/internal/grpcclient"
	"github.com/minutemate/platform/internal/pipeline"
	"github.com/minutemate/platform/internal/pipeline/gemini"
)

const readyTimeout = 30 * time.Second

type options struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	serve := newServeCmd(opts)

	root := &cobra.Command{
		Use:           "minutemate",
		Short:         "Record or upload meetings and turn them into minutes",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("MINUTEMATE_CONFIG"), "path to a YAML config file")
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(serve)
	root.AddCommand(newProcessCmd(opts))
	return root
}

func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(newLogger(cfg.Logging))
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, hopts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, hopts))
}

// newPipeline builds the configured backend. The returned func releases it.
func newPipeline(ctx context.Context, cfg *config.Config, requireReady bool) (pipeline.Pipeline, func(), error) {
	switch cfg.Pipeline.Backend {
	case config.BackendGemini:
		backend, err := gemini.New(cfg.Pipeline.GeminiAPIKeys, cfg.Pipeline.GeminiModel,
			gemini.WithLanguage(cfg.Pipeline.Language))
		if err != nil {
			return nil, nil, err
		}
		return backend, func() {}, nil

	case config.BackendGRPC:
		client, err := grpcclient.New(grpcclient.Config{
			Addr:     cfg.Pipeline.InferenceAddr,
			Language: cfg.Pipeline.Language,
		})
		if err != nil {
			return nil, nil, err
		}
		release := func() { _ = client.Close() }

		rctx, cancel := context.WithTimeout(ctx, readyTimeout)
		defer cancel()
		if err := client.WaitReady(rctx); err != nil {
			if requireReady {
				release()
				return nil, nil, err
			}
			slog.Warn("inference service not ready; meetings will fail until it is", "addr", cfg.Pipeline.InferenceAddr, "error", err)
		}
		return client, release, nil

	default:
		return nil, nil, apperr.Newf(apperr.ConfigInvalid, "unknown pipeline backend %q", cfg.Pipeline.Backend)
	}
}

func newArchiver(cfg config.ArchiveConfig) archive.Archiver {
	text := archive.TextWriter{Dir: cfg.Dir}
	if !cfg.Docx {
		return text
	}
	return archive.Multi(text, archive.DocxWriter{Dir: cfg.Dir})
}
