package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceInterval = 500 * time.Millisecond

// Reloader re-reads the config file when it or any other watched file
// changes, and hands the result to onChange. Bursts of file events are
// debounced into one reload.
type Reloader struct {
	path     string
	files    map[string]bool // absolute paths that trigger a reload
	onChange func(*Config)
	log      *zap.Logger
	debounce time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	closed   bool
	inflight sync.WaitGroup
}

// NewReloader watches path plus any extra files, such as the roles file.
func NewReloader(path string, onChange func(*Config), log *zap.Logger, extra ...string) (*Reloader, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Reloader{
		files:    make(map[string]bool),
		onChange: onChange,
		log:      log,
		debounce: debounceInterval,
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	r.path = abs
	r.files[abs] = true
	for _, f := range extra {
		if f == "" {
			continue
		}
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", f, err)
		}
		r.files[abs] = true
	}
	return r, nil
}

// Run watches until ctx is done.
func (r *Reloader) Run(ctx context.Context) error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsW.Close()

	// Watch directories: editors often replace files by rename.
	dirs := make(map[string]bool)
	for f := range r.files {
		dirs[filepath.Dir(f)] = true
	}
	for dir := range dirs {
		if err := fsW.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	defer r.stop()
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsW.Events:
			if !ok {
				return nil
			}
			if !r.files[filepath.Clean(ev.Name)] {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			r.schedule()

		case err, ok := <-fsW.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("config watcher error", zap.Error(err))
		}
	}
}

// schedule resets the debounce timer.
func (r *Reloader) schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.debounce, r.fire)
}

func (r *Reloader) fire() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.inflight.Add(1)
	r.mu.Unlock()
	defer r.inflight.Done()
	r.reload()
}

// stop cancels any pending reload and waits for a running one, so
// onChange is never called after Run returns.
func (r *Reloader) stop() {
	r.mu.Lock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mu.Unlock()
	r.inflight.Wait()
}

func (r *Reloader) reload() {
	cfg, err := LoadFromFile(r.path)
	if err != nil {
		r.log.Warn("config reload failed, keeping current settings", zap.String("path", r.path), zap.Error(err))
		return
	}
	r.log.Info("config reloaded", zap.String("path", r.path))
	r.onChange(cfg)
}
