package plugin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/lintforge/lintforge/pkg/telemetry"
)

// DefaultReloadDelay is how long the watcher waits for a burst of file
// events to settle before reloading.
const DefaultReloadDelay = 300 * time.Millisecond

// Watcher reloads rules when files in their rule directories change.
type Watcher struct {
	host   *Host
	dir    string
	events *telemetry.EventPublisher
	logger zerolog.Logger

	// Delay is the reload debounce interval.
	Delay time.Duration

	// reloadMu serializes reloads and guards known.
	reloadMu sync.Mutex
	known    map[string]string // manifest path -> rule name

	mu      sync.Mutex
	pending map[string]bool
	timer   *time.Timer

	fsw *fsnotify.Watcher
}

// NewWatcher creates a watcher for the rules directory dir. Lifecycle events
// go to events, which may be nil.
func NewWatcher(host *Host, dir string, events *telemetry.EventPublisher, logger zerolog.Logger) *Watcher {
	return &Watcher{
		host:    host,
		dir:     filepath.Clean(dir),
		events:  events,
		logger:  logger.With().Str("component", "rule-watcher").Logger(),
		Delay:   DefaultReloadDelay,
		known:   make(map[string]string),
		pending: make(map[string]bool),
	}
}

// Watch starts watching the rules directory in the background until ctx is
// done. Rules already loaded from the directory are tracked for reload.
func (w *Watcher) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	w.fsw = fsw

	err = filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = fsw.Close()
		return fmt.Errorf("failed to watch rules directory: %w", err)
	}

	w.track()

	go w.processEvents(ctx)

	w.logger.Info().Str("dir", w.dir).Msg("Started watching rules directory")
	return nil
}

// track records the manifest paths of rules the host already loaded.
func (w *Watcher) track() {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	for _, name := range w.host.LoadedRules() {
		m, err := w.host.Manifest(name)
		if err != nil || m.Path == "" {
			continue
		}
		w.known[filepath.Clean(m.Path)] = name
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	if w.fsw != nil {
		return w.fsw.Close()
	}
	return nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = w.Close()
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.fsw.Add(event.Name); err != nil {
						w.logger.Warn().Err(err).Str("dir", event.Name).Msg("Failed to watch rule directory")
					}
				}
			}

			manifest, ok := w.manifestFor(event.Name)
			if !ok {
				continue
			}
			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Rule file changed")
			w.schedule(ctx, manifest)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// manifestFor maps a changed path to the manifest of the rule it belongs to.
func (w *Watcher) manifestFor(path string) (string, bool) {
	rel, err := filepath.Rel(w.dir, filepath.Clean(path))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}

	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) == 1 {
		if parts[0] == ManifestFileName {
			return filepath.Join(w.dir, ManifestFileName), true
		}
		if strings.HasPrefix(parts[0], ".") {
			return "", false
		}
	}
	return filepath.Join(w.dir, parts[0], ManifestFileName), true
}

func (w *Watcher) schedule(ctx context.Context, manifest string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[manifest] = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.Delay, func() {
		w.flush(ctx)
	})
}

func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	manifests := make([]string, 0, len(w.pending))
	for path := range w.pending {
		manifests = append(manifests, path)
	}
	w.pending = make(map[string]bool)
	w.mu.Unlock()

	sort.Strings(manifests)
	for _, path := range manifests {
		if err := w.Reload(ctx, path); err != nil {
			w.logger.Error().Err(err).Str("manifest", path).Msg("Failed to reload rule")
		}
	}
}

// Reload replaces the rule defined by manifestPath. The new version is
// loaded before the previous one is released, so a failed reload leaves the
// previous version serving calls. A rule whose manifest was removed is
// unloaded.
func (w *Watcher) Reload(ctx context.Context, manifestPath string) error {
	manifestPath = filepath.Clean(manifestPath)

	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	previous, had := w.known[manifestPath]

	if _, err := os.Stat(manifestPath); errors.Is(err, fs.ErrNotExist) {
		if had {
			if _, err := w.host.UnloadRule(ctx, previous); err != nil {
				w.logger.Warn().Err(err).Str("rule", previous).Msg("Failed to close removed rule")
			}
			delete(w.known, manifestPath)
			w.publish(telemetry.EventTypeRuleUnloaded, previous, manifestPath, "rule removed", telemetry.EventLevelInfo)
		}
		return nil
	}

	m, err := w.host.loadFile(ctx, previous, manifestPath)
	if err != nil {
		if had {
			w.logger.Warn().Err(err).Str("rule", previous).Msg("Keeping previous rule version")
		}
		w.publish(telemetry.EventTypeRuleFailed, previous, manifestPath, err.Error(), telemetry.EventLevelError)
		return err
	}
	w.known[manifestPath] = m.Name

	if had {
		w.publish(telemetry.EventTypeRuleReloaded, m.Name, manifestPath, "rule reloaded", telemetry.EventLevelInfo)
	} else {
		w.publish(telemetry.EventTypeRuleLoaded, m.Name, manifestPath, "rule loaded", telemetry.EventLevelInfo)
	}
	return nil
}

func (w *Watcher) publish(eventType, rule, path, message, level string) {
	w.events.Publish(telemetry.Event{
		Type:    eventType,
		Rule:    rule,
		Path:    path,
		Message: message,
		Level:   level,
	})
}
