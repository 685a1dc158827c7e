// Package settingsfile loads auth.Settings from a YAML file and reloads them
// when the file changes.
package settingsfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/adfs-auth-go/auth"
	"gopkg.in/yaml.v3"
)

// DefaultDebounce coalesces the burst of events editors and config
// management tools emit for a single save.
const DefaultDebounce = 250 * time.Millisecond

// Load reads and normalizes settings from a YAML file. Unknown keys are
// rejected so a misspelled option does not silently fall back to a default.
func Load(path string) (auth.Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return auth.Settings{}, fmt.Errorf("%w: read settings: %v", auth.ErrConfiguration, err)
	}
	return Parse(data)
}

// Parse decodes settings from YAML and normalizes them.
func Parse(data []byte) (auth.Settings, error) {
	var s auth.Settings
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return auth.Settings{}, fmt.Errorf("%w: parse settings: %v", auth.ErrConfiguration, err)
	}
	s.Normalize()
	return s, nil
}

// Reloader receives settings read after a change. *auth.Authenticator
// satisfies it.
type Reloader interface {
	Reload(ctx context.Context, s auth.Settings) error
}

// Option configures Watch.
type Option func(*watchConfig)

type watchConfig struct {
	log      *slog.Logger
	debounce time.Duration
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *watchConfig) {
		if l != nil {
			c.log = l
		}
	}
}

// WithDebounce overrides DefaultDebounce. Zero reloads on every event.
func WithDebounce(d time.Duration) Option {
	return func(c *watchConfig) {
		if d >= 0 {
			c.debounce = d
		}
	}
}

// Watch reloads r whenever the file at path is written, created or replaced,
// until ctx is done. It watches the parent directory so atomic
// rename-into-place saves are seen. A file that fails to parse, or settings
// r rejects, are logged and the previous configuration stays active.
//
// Watch blocks; run it in its own goroutine. It returns an error only if
// the watcher cannot be started.
func Watch(ctx context.Context, path string, r Reloader, opts ...Option) error {
	cfg := watchConfig{
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		debounce: DefaultDebounce,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("settings path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	reload := func() {
		s, err := Load(abs)
		if err != nil {
			cfg.log.ErrorContext(ctx, "settings.reload.fail", slog.String("path", abs), slog.String("err", err.Error()))
			return
		}
		if err := r.Reload(ctx, s); err != nil {
			cfg.log.ErrorContext(ctx, "settings.reload.fail", slog.String("path", abs), slog.String("err", err.Error()))
			return
		}
		cfg.log.InfoContext(ctx, "settings.reload.ok", slog.String("path", abs))
	}
	db := &debouncer{interval: cfg.debounce, fire: reload}
	defer db.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				db.trigger()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			cfg.log.WarnContext(ctx, "settings.watch.error", slog.String("err", err.Error()))
		}
	}
}

type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	pending  bool
	stopped  bool
	interval time.Duration
	fire     func()
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.interval <= 0 {
		d.fire()
		return
	}
	if d.pending {
		return
	}
	d.pending = true
	if d.timer == nil {
		d.timer = time.AfterFunc(d.interval, d.flush)
	} else {
		d.timer.Reset(d.interval)
	}
}

func (d *debouncer) flush() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.mu.Unlock()
	d.fire()
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
