package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/minutemate/platform/internal/archive"
	apperr "github.com/minutemate/platform/internal/errors"
	"github.com/minutemate/platform/internal/pipeline"
	"github.com/minutemate/platform/internal/trace"
)

func newProcessCmd(opts *options) *cobra.Command {
	var save bool

	cmd := &cobra.Command{
		Use:   "process <audio-file>",
		Short: "Turn a single audio file into minutes and print them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			path := args[0]
			format := pipeline.FormatFromFilename(path)
			if format == "" {
				return apperr.Newf(apperr.InvalidArgument, "unsupported audio file %q", path)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return apperr.Wrapf(err, apperr.InvalidArgument, "read %s", path)
			}

			ctx := cmd.Context()
			pipe, release, err := newPipeline(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer release()

			id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			ctx = trace.WithMeeting(ctx, id)
			res, err := pipe.Process(ctx, pipeline.Input{Audio: data, Format: format})
			if err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), archive.Render(id, res))
			if save {
				return newArchiver(cfg.Archive).Archive(ctx, id, res)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "also write the minutes to the archive directory")
	return cmd
}
