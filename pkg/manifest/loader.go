package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
)

// Loader loads operator-supplied .rego policy files from disk into a
// PolicyEngine and optionally hot-reloads them on change.
type Loader struct {
	engine  *PolicyEngine
	logger  zerolog.Logger
	watcher *fsnotify.Watcher
}

// NewLoader creates a new policy loader for the given engine.
func NewLoader(engine *PolicyEngine, logger zerolog.Logger) *Loader {
	return &Loader{
		engine: engine,
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// LoadDirectory loads every .rego file in the directory (non-recursive)
// as a policy with ERROR default severity. Files that fail to parse are
// logged and skipped so one broken file does not block the rest.
func (l *Loader) LoadDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read policy directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := l.loadFile(path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to load policy file")
			continue
		}
		loaded++
	}

	l.logger.Info().Int("count", loaded).Str("dir", dir).Msg("Policies loaded from directory")
	return nil
}

// Watch reloads policy files as they change until the context is
// cancelled. Create and write events re-register the file; remove events
// unregister the policy.
func (l *Loader) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch policy directory: %w", err)
	}
	l.watcher = watcher

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(event.Name, ".rego") {
					continue
				}
				l.handleEvent(event)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Error().Err(err).Msg("Policy watcher error")
			}
		}
	}()

	return nil
}

func (l *Loader) handleEvent(event fsnotify.Event) {
	name := policyNameForPath(event.Name)

	switch {
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		l.engine.RemovePolicy(name)
		l.logger.Info().Str("policy", name).Msg("Policy removed")
	case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
		if err := l.loadFile(event.Name); err != nil {
			l.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to reload policy file")
			return
		}
		l.logger.Info().Str("policy", name).Msg("Policy reloaded")
	}
}

// loadFile registers a single .rego file as a policy.
func (l *Loader) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	policy := &Policy{
		Name:        policyNameForPath(path),
		Description: fmt.Sprintf("Loaded from %s", path),
		Rego:        string(data),
		Severity:    fleet.SeverityError,
		Enabled:     true,
		Tags:        []string{"external"},
	}

	return l.engine.AddPolicy(policy)
}

func policyNameForPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".rego")
}
