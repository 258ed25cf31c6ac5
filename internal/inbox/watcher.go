// Package inbox turns audio files dropped into a directory into uploads.
package inbox

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	apperr "github.com/minutemate/platform/internal/errors"
	"github.com/minutemate/platform/internal/orchestrator"
	"github.com/minutemate/platform/internal/pipeline"
	"github.com/minutemate/platform/internal/trace"
)

const (
	// AcceptedDir receives files once their meeting has been created.
	AcceptedDir = "accepted"

	DefaultSettleDelay   = 500 * time.Millisecond
	DefaultMaxConcurrent = 2
)

// Submitter accepts uploaded audio.
type Submitter interface {
	UploadAudio(ctx context.Context, up orchestrator.Upload) (string, error)
}

// Watcher monitors a directory for new audio files.
type Watcher struct {
	dir       string
	submit    Submitter
	settle    time.Duration
	fs        *fsnotify.Watcher
	semaphore chan struct{}
	wg        sync.WaitGroup
}

// New watches dir, creating it if needed.
func New(dir string, submit Submitter, settle time.Duration) (*Watcher, error) {
	if err := os.MkdirAll(filepath.Join(dir, AcceptedDir), 0o755); err != nil {
		return nil, apperr.Wrapf(err, apperr.ConfigInvalid, "create inbox %s", dir)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Internal, "create watcher")
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, apperr.Wrapf(err, apperr.ConfigInvalid, "watch inbox %s", dir)
	}
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	return &Watcher{
		dir:       dir,
		submit:    submit,
		settle:    settle,
		fs:        fsw,
		semaphore: make(chan struct{}, DefaultMaxConcurrent),
	}, nil
}

// Run submits files already in the inbox, then watches for new ones until
// ctx is done. In-flight submissions finish before it returns.
func (w *Watcher) Run(ctx context.Context) error {
	log := trace.Logger(ctx).With("inbox", w.dir)
	log.Info("inbox watcher started")
	defer w.fs.Close()

	if entries, err := os.ReadDir(w.dir); err == nil {
		for _, e := range entries {
			if !e.IsDir() && isAudio(e.Name()) {
				w.dispatch(ctx, filepath.Join(w.dir, e.Name()), 0)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			log.Info("inbox watcher stopped")
			return nil

		case event, ok := <-w.fs.Events:
			if !ok {
				w.wg.Wait()
				return apperr.New(apperr.Internal, "watcher events channel closed")
			}
			if !event.Has(fsnotify.Create) {
				continue
			}
			if !isAudio(event.Name) {
				log.Debug("ignoring file", "path", event.Name)
				continue
			}
			w.dispatch(ctx, event.Name, w.settle)

		case err, ok := <-w.fs.Errors:
			if !ok {
				w.wg.Wait()
				return apperr.New(apperr.Internal, "watcher errors channel closed")
			}
			log.Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) dispatch(ctx context.Context, path string, settle time.Duration) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		// Give the writer time to finish.
		if settle > 0 {
			select {
			case <-time.After(settle):
			case <-ctx.Done():
				return
			}
		}

		select {
		case w.semaphore <- struct{}{}:
			defer func() { <-w.semaphore }()
		case <-ctx.Done():
			return
		}

		if err := w.handle(ctx, path); err != nil {
			trace.Logger(ctx).Error("inbox file rejected", "path", path, "error", err)
		}
	}()
}

func (w *Watcher) handle(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperr.Wrapf(err, apperr.InvalidArgument, "read %s", path)
	}

	name := filepath.Base(path)
	id, err := w.submit.UploadAudio(ctx, orchestrator.Upload{Data: data, Filename: name})
	if err != nil {
		return err
	}

	dst := filepath.Join(w.dir, AcceptedDir, id+"_"+name)
	if err := os.Rename(path, dst); err != nil {
		return apperr.Wrapf(err, apperr.Internal, "move %s", path)
	}
	trace.Logger(trace.WithMeeting(ctx, id)).Info("inbox file submitted", "path", dst)
	return nil
}

func isAudio(path string) bool {
	return pipeline.FormatFromFilename(path) != ""
}
