package agents

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// Loader syncs declarative YAML agent definitions from a directory into the
// store, with hot reload on file changes.
type Loader struct {
	store Store
	dir   string
}

func NewLoader(store Store, dir string) *Loader {
	return &Loader{store: store, dir: dir}
}

// LoadAll parses and upserts every *.yaml / *.yml file in the directory.
func (l *Loader) LoadAll(ctx context.Context) error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("read agents dir %s: %w", l.dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		if err := l.loadFile(ctx, path); err != nil {
			log.Error().Err(err).Str("file", path).Msg("Skipping invalid agent definition")
		}
	}
	return nil
}

func (l *Loader) loadFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var agent models.Agent
	if err := yaml.Unmarshal(raw, &agent); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if agent.ID == "" {
		agent.ID = strings.TrimSuffix(strings.TrimSuffix(filepath.Base(path), ".yaml"), ".yml")
	}
	if err := l.store.Upsert(ctx, &agent); err != nil {
		return fmt.Errorf("upsert %s: %w", agent.ID, err)
	}
	log.Info().Str("agent_id", agent.ID).Str("file", path).Msg("Loaded agent definition")
	return nil
}

// Watch reloads definitions when files change, debouncing bursts of events
// (editors typically emit several per save). Blocks until ctx is cancelled.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}
	log.Info().Str("dir", l.dir).Msg("Watching agent definitions")

	var pending *time.Timer
	var pendingC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isYAML(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(500 * time.Millisecond)
				pendingC = pending.C
			} else {
				pending.Reset(500 * time.Millisecond)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Agent definition watch error")
		case <-pendingC:
			pending = nil
			pendingC = nil
			if err := l.LoadAll(ctx); err != nil {
				log.Error().Err(err).Msg("Agent definition reload failed")
			}
		}
	}
}

func isYAML(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}
