package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ReloadableConfig wraps a Config with hot reload support. The core itself
// never reloads its own configuration mid-session (spec §9 folds
// "close-circuits" into Config and passes it by reference into the
// Dispatcher). This type re-reads the TOML file when a polling watcher sees
// its modification time change, or on an explicit Reload call, and swaps
// the Config it holds. Neither cmd/vanguard, internal/driver nor
// internal/dispatch constructs one, so a running session keeps the
// configuration it started with.
type ReloadableConfig struct {
	mu          sync.RWMutex
	config      *Config
	configPath  string
	lastModTime time.Time
	callbacks   []ReloadCallback
	log         zerolog.Logger
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// ReloadCallback is invoked with the old and new configuration after a
// successful reload; returning an error rolls the reload back.
type ReloadCallback func(oldConfig, newConfig *Config) error

// NewReloadableConfig wraps config for hot reload from configPath (may be empty to disable).
func NewReloadableConfig(cfg *Config, configPath string, log zerolog.Logger) *ReloadableConfig {
	var modTime time.Time
	if configPath != "" {
		if info, err := os.Stat(configPath); err == nil {
			modTime = info.ModTime()
		}
	}

	return &ReloadableConfig{
		config:      cfg,
		configPath:  configPath,
		lastModTime: modTime,
		log:         log,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Get returns a shallow copy of the current configuration.
func (rc *ReloadableConfig) Get() *Config {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	cfg := *rc.config
	return &cfg
}

// OnReload registers a callback fired after a successful reload.
func (rc *ReloadableConfig) OnReload(cb ReloadCallback) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.callbacks = append(rc.callbacks, cb)
}

// StartWatcher polls configPath for modifications and reloads on change,
// until ctx is cancelled or Stop is called.
func (rc *ReloadableConfig) StartWatcher(ctx context.Context, interval time.Duration) {
	if rc.configPath == "" {
		rc.log.Warn().Msg("configuration hot reload disabled: no config file specified")
		close(rc.doneCh)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(rc.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-rc.stopCh:
			return
		case <-ticker.C:
			if err := rc.checkAndReload(); err != nil {
				rc.log.Error().Err(err).Str("path", rc.configPath).Msg("failed to reload configuration")
			}
		}
	}
}

// Stop halts the watcher started by StartWatcher.
func (rc *ReloadableConfig) Stop() {
	close(rc.stopCh)
	<-rc.doneCh
}

func (rc *ReloadableConfig) checkAndReload() error {
	info, err := os.Stat(rc.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			rc.log.Warn().Str("path", rc.configPath).Msg("configuration file disappeared")
			return nil
		}
		return fmt.Errorf("stat config file: %w", err)
	}

	if !info.ModTime().After(rc.lastModTime) {
		return nil
	}

	if err := rc.Reload(); err != nil {
		return err
	}
	rc.lastModTime = info.ModTime()
	return nil
}

// Reload re-reads configPath and applies it immediately.
func (rc *ReloadableConfig) Reload() error {
	if rc.configPath == "" {
		return fmt.Errorf("no configuration file specified")
	}

	newConfig, err := LoadFromFile(rc.configPath)
	if err != nil {
		return fmt.Errorf("load config file: %w", err)
	}
	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	rc.mu.Lock()
	oldConfig := rc.config
	rc.mu.Unlock()

	for _, cb := range rc.callbacks {
		if err := cb(oldConfig, newConfig); err != nil {
			return fmt.Errorf("reload callback rejected new config: %w", err)
		}
	}

	rc.mu.Lock()
	rc.config = newConfig
	rc.mu.Unlock()

	rc.log.Info().Str("path", rc.configPath).Msg("configuration reloaded")
	return nil
}
