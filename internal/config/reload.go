// SPDX-License-Identifier: MIT
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/log"
)

// Holder owns the active configuration and swaps it atomically on reload.
// Only tunables may change at runtime: a reload that alters identity fields
// (stream id, URLs, languages) is rejected so the running pipeline never
// observes a different stream than it was built for.
type Holder struct {
	mu         sync.RWMutex
	current    Config
	loader     *Loader
	configPath string
	watcher    *fsnotify.Watcher
	logger     zerolog.Logger

	listenerMu sync.Mutex
	listeners  []chan Tunables
}

// NewHolder wraps the initially loaded config.
func NewHolder(initial Config, loader *Loader, configPath string) *Holder {
	return &Holder{
		current:    initial,
		loader:     loader,
		configPath: configPath,
		logger:     log.WithComponent("config"),
	}
}

// Current returns the active configuration.
func (h *Holder) Current() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// RegisterTunablesListener adds a channel that receives the new tunables on
// every successful reload. Delivery is non-blocking; a full channel misses
// the update (the next reload delivers a fresh snapshot).
func (h *Holder) RegisterTunablesListener(ch chan Tunables) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

// Reload re-runs the loader and swaps the active config if identity fields
// are unchanged.
func (h *Holder) Reload(ctx context.Context) error {
	h.logger.Info().Str(log.FieldEvent, "config.reload_start").Str(log.FieldPath, h.configPath).Msg("reloading configuration")

	next, err := h.loader.Load()
	if err != nil {
		h.logger.Warn().Err(err).Str(log.FieldEvent, "config.reload_failed").Msg("reload rejected: load error")
		return err
	}

	h.mu.Lock()
	if !sameIdentity(h.current, next) {
		h.mu.Unlock()
		err := fmt.Errorf("reload would change stream identity; restart the worker instead")
		h.logger.Warn().Err(err).Str(log.FieldEvent, "config.reload_rejected").Msg("reload rejected")
		return err
	}
	h.current = next
	h.mu.Unlock()

	log.SetLevel(next.LogLevel)
	h.notify(next.Tunables())
	h.logger.Info().Str(log.FieldEvent, "config.reload_ok").Msg("configuration reloaded")
	return nil
}

func sameIdentity(a, b Config) bool {
	return a.StreamID == b.StreamID &&
		a.InputURL == b.InputURL &&
		a.OutputURL == b.OutputURL &&
		a.STSURL == b.STSURL &&
		a.SourceLanguage == b.SourceLanguage &&
		a.TargetLanguage == b.TargetLanguage &&
		a.VoiceProfile == b.VoiceProfile &&
		a.SegmentDuration == b.SegmentDuration
}

func (h *Holder) notify(t Tunables) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	for _, ch := range h.listeners {
		select {
		case ch <- t:
		default:
		}
	}
}

// StartWatcher watches the config file and reloads on writes. Best-effort:
// callers treat a start failure as a warning, not a startup error.
func (h *Holder) StartWatcher(ctx context.Context) error {
	if h.configPath == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace files, which drops a watch on
	// the file itself.
	if err := watcher.Add(filepath.Dir(h.configPath)); err != nil {
		_ = watcher.Close()
		return err
	}
	h.watcher = watcher

	go func() {
		defer watcher.Close() //nolint:errcheck
		target := filepath.Clean(h.configPath)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				h.logger.Debug().Str(log.FieldEvent, "config.watch_event").Str("op", ev.Op.String()).Msg("config file changed")
				if err := h.Reload(ctx); err != nil {
					h.logger.Warn().Err(err).Str(log.FieldEvent, "config.reload_failed").Msg("watched reload failed")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				h.logger.Warn().Err(err).Str(log.FieldEvent, "config.watch_error").Msg("config watcher error")
			}
		}
	}()
	return nil
}
