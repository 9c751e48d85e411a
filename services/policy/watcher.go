package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reloads a policy file when it changes on disk and hands valid
// documents to onChange. Invalid edits are logged and the previous policy
// stays in effect.
type Watcher struct {
	path     string
	onChange func(*Document)
	debounce time.Duration
	logger   *zap.Logger

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	mu      sync.Mutex
	timer   *time.Timer
}

// NewWatcher creates a Watcher for path. Call Start to begin watching.
func NewWatcher(path string, onChange func(*Document), logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		onChange: onChange,
		debounce: defaultDebounce,
		logger:   logger,
	}
}

// Start watches the file's directory, so editors that replace the file via
// rename are still observed. It stops when ctx is done or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("watch policy dir: %w", err)
	}
	w.watcher = fw

	w.wg.Add(1)
	go w.loop(ctx)

	w.logger.Info("watching policy file", zap.String("path", w.path))
	return nil
}

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}

// schedule coalesces bursts of events into one reload.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.Reload)
}

// Reload loads the file now and applies it if valid.
func (w *Watcher) Reload() {
	if _, err := os.Stat(w.path); err != nil {
		w.logger.Warn("policy file unavailable, keeping current policy",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}

	doc, err := Load(w.path)
	if err != nil {
		w.logger.Warn("policy reload rejected, keeping current policy",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}

	w.logger.Info("policy reloaded",
		zap.String("path", w.path),
		zap.String("routing_strategy", doc.Routing.Strategy),
		zap.Bool("specialist_enabled", doc.Specialist.Enabled),
	)
	if w.onChange != nil {
		w.onChange(doc)
	}
}
