package config

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Loader loads a Config from a YAML file and keeps it fresh by watching
// the file for changes, grounded on ConfigLoader.LoadConfig
// pattern and extended to swap in a fresh immutable snapshot on each reload
// and broadcast it: consumers hold a *Config snapshot read by value
// at the start of each step, never a pointer chased across a suspension
// point.
type Loader struct {
	path string
	logger *zap.Logger
	current atomic.Pointer[Config]

	onChange []func(*Config)
}

// NewLoader builds a Loader. Call Load once to populate the initial
// snapshot before calling Current.
func NewLoader(path string, logger *zap.Logger) *Loader {
	return &Loader{path: path, logger: logger}
}

// Load reads and validates the config file, replacing the current
// snapshot on success. On a read or validation failure it retains the
// last-known-good snapshot ConfigInvalid policy and returns
// the error for the caller to log.
func (l *Loader) Load() error {
	cfg, err := readConfigFile(l.path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config_invalid: %w", err)
	}
	l.current.Store(cfg)
	return nil
}

func readConfigFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	return cfg, nil
}

// Current returns the live snapshot. Safe to call concurrently with Watch.
func (l *Loader) Current() *Config {
	cfg := l.current.Load()
	if cfg == nil {
		return Default()
	}
	return cfg
}

// OnChange registers a callback invoked with the new snapshot after a
// successful reload. Callbacks run synchronously on the watch goroutine;
// they must not block — config publication is a broadcast, not a handshake.
func (l *Loader) OnChange(fn func(*Config)) {
	l.onChange = append(l.onChange, fn)
}

// Watch blocks, reloading the config on every write/create event for the
// watched file until stop fires. Intended to be supervised like any
// other long-running task: a transient fsnotify error is logged and the
// watch continues.
func (l *Loader) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.path); err != nil {
		l.logger.Warn("config file not watchable, hot-reload disabled", zap.String("path", l.path), zap.Error(err))
		<-stop
		return nil
	}

	for {
		select {
		case <-stop:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := l.Load(); err != nil {
				l.logger.Error("config reload failed, retaining last-known-good", zap.Error(err))
				continue
			}
			l.logger.Info("config reloaded", zap.String("path", l.path))
			snapshot := l.Current()
			for _, fn := range l.onChange {
				fn(snapshot)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}
