package guidelines

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce is used when the watcher is created with a zero debounce
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads guideline files when they change on disk. Changes are
// collected until the directory has been quiet for the debounce interval.
type Watcher struct {
	loader   *Loader
	debounce time.Duration
	logger   *logrus.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
}

// NewWatcher creates a watcher for the loader's directory
func NewWatcher(loader *Loader, debounce time.Duration, logger *logrus.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		loader:   loader,
		debounce: debounce,
		logger:   logger,
		pending:  make(map[string]struct{}),
	}
}

// Run watches until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.loader.Dir()); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.loader.Dir(), err)
	}

	w.logger.WithFields(logrus.Fields{
		"directory":   w.loader.Dir(),
		"debounce_ms": w.debounce.Milliseconds(),
	}).Info("Guideline watcher started")

	defer w.stopTimer()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Guideline watcher stopped")
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if !IsGuidelineFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(ctx, event.Name)

		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.WithError(err).Error("Guideline watcher error")
		}
	}
}

func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[path] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.flush(ctx) })
}

func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	paths := w.pending
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	for path := range paths {
		if ctx.Err() != nil {
			return
		}
		// Renames report the old name too
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if _, err := w.loader.LoadFile(ctx, path); err != nil {
			w.logger.WithError(err).WithField("file", path).Warn("Guideline reload failed")
		}
	}
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}
