package config

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the configuration whenever the global or project file
// changes and passes every new valid, changed result to fn. Parse and
// validation failures are logged and the previous configuration stays in
// effect. Blocks until ctx is cancelled.
func Watch(ctx context.Context, globalPath, projectPath string, logger zerolog.Logger, fn func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch directories so editors that replace the file are still seen.
	files := make(map[string]bool)
	for _, p := range []string{globalPath, projectPath} {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		files[abs] = true
		if err := w.Add(filepath.Dir(abs)); err != nil {
			logger.Warn().Err(err).Str("path", p).Msg("config directory not watched")
		}
	}

	var last uint64
	if cfg, err := Load(globalPath, projectPath); err == nil {
		last = hashConfig(cfg)
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil || !files[abs] {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				logger.Debug().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("config change detected")
				timer.Reset(reloadDebounce)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("config watcher error")

		case <-timer.C:
			cfg, err := Load(globalPath, projectPath)
			if err != nil {
				logger.Warn().Err(err).Msg("config reload rejected")
				continue
			}
			h := hashConfig(cfg)
			if h == last {
				logger.Debug().Msg("config unchanged")
				continue
			}
			last = h
			logger.Info().Msg("config reloaded")
			fn(cfg)
		}
	}
}

func hashConfig(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}
