package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader watches a rules file and reloads the engine when it changes.
type Reloader struct {
	watcher  *fsnotify.Watcher
	engine   *LocalEngine
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	reloaded int
}

// NewReloader creates a watcher for the rules file at path.
func NewReloader(engine *LocalEngine, path string, logger *slog.Logger) (*Reloader, error) {
	if path == "" {
		return nil, fmt.Errorf("no rules file to watch")
	}
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", path, err)
	}
	return &Reloader{
		watcher:  watcher,
		engine:   engine,
		path:     path,
		debounce: 500 * time.Millisecond,
		logger:   logger,
	}, nil
}

// Reloads returns how many reloads have succeeded.
func (r *Reloader) Reloads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reloaded
}

// Run watches for changes until ctx is cancelled. A rules file that fails
// to load leaves the previous rules in force.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(r.debounce, r.reload)
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("rules watcher error", "error", err)
		}
	}
}

func (r *Reloader) reload() {
	rules, hash, err := LoadRulesWithHash(r.path)
	if err == nil {
		err = r.engine.Load(rules, hash)
	}
	if err != nil {
		r.logger.Error("rules reload failed", "path", r.path, "error", err)
		return
	}
	r.mu.Lock()
	r.reloaded++
	r.mu.Unlock()
	r.logger.Info("rules reloaded", "path", r.path, "hash", hash, "rules", rules.Count())
}
