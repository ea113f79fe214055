package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"

	"github.com/swaptacular/creditors-agent/agent/internal/nilcheck"
	"github.com/swaptacular/creditors-agent/agent/log"
)

var (
	ErrPathRequired        = errors.New("config: watched file path is required")
	ErrLevelSetterRequired = errors.New("config: level setter is required")
)

const defaultDebounce = 100 * time.Millisecond

// LevelSetter changes the level of a running logger. *zap.Logger of the
// agent's zap package implements it.
type LevelSetter interface {
	SetLevel(level log.Level)
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

func WithWatcherLogger(logger log.Logger) WatcherOption {
	return func(w *Watcher) {
		if !nilcheck.Interface(logger) {
			w.logger = logger
		}
	}
}

// WithFlags makes reloads apply the changed flags of fs, as Load does.
func WithFlags(fs *pflag.FlagSet) WatcherOption {
	return func(w *Watcher) {
		w.flags = fs
	}
}

// WithDebounce sets how long the watcher waits for writes to settle.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// Watcher reloads the config file when it changes and applies a new log
// level to the running logger. Other settings take effect on restart.
type Watcher struct {
	path     string
	level    LevelSetter
	flags    *pflag.FlagSet
	logger   log.Logger
	debounce time.Duration

	mu      sync.Mutex
	current string
}

// NewWatcher returns a watcher of the file at path. initialLevel is the
// level the logger was built with.
func NewWatcher(path string, level LevelSetter, initialLevel string, opts ...WatcherOption) (*Watcher, error) {
	if path == "" {
		return nil, ErrPathRequired
	}

	if nilcheck.Interface(level) {
		return nil, ErrLevelSetterRequired
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		level:    level,
		logger:   log.NewNop(),
		debounce: defaultDebounce,
		current:  initialLevel,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}

	return w, nil
}

// Run watches the file until ctx is done. The directory is watched rather
// than the file so that editors replacing the file are noticed.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	w.logger.Log(ctx, log.LevelInfo, "config watcher started", log.String("path", w.path))
	defer w.logger.Log(context.WithoutCancel(ctx), log.LevelInfo, "config watcher stopped", log.String("path", w.path))

	var (
		timer  *time.Timer
		fire   <-chan time.Time
		events = watcher.Events
		errs   = watcher.Errors
	)

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-events:
			if !ok {
				return nil
			}

			if filepath.Clean(event.Name) != w.path || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}

			fire = timer.C

		case <-fire:
			fire = nil

			if err := w.Reload(ctx); err != nil {
				w.logger.Log(ctx, log.LevelError, "config reload failed; keeping the running settings",
					log.String("path", w.path), log.Err(err))
			}

		case err, ok := <-errs:
			if !ok {
				return nil
			}

			w.logger.Log(ctx, log.LevelWarn, "config watcher error", log.Err(err))
		}
	}
}

// Reload reads the file again and applies its log level when it changed.
// An invalid file leaves the running settings untouched.
func (w *Watcher) Reload(ctx context.Context) error {
	cfg, err := Load(w.path, w.flags)
	if err != nil {
		return err
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	w.mu.Lock()
	changed := cfg.LogLevel != w.current
	previous := w.current
	w.current = cfg.LogLevel
	w.mu.Unlock()

	if !changed {
		return nil
	}

	w.level.SetLevel(level)
	w.logger.Log(ctx, log.LevelInfo, "log level changed",
		log.String("from", previous), log.String("to", cfg.LogLevel))

	return nil
}
