package control

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/pipeline"
)

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 200 * time.Millisecond

// DefinitionData is the payload of definition.reloaded events.
type DefinitionData struct {
	Project     string `json:"project"`
	Pipeline    string `json:"pipeline,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Watch reloads project definitions when their files change, until ctx is
// done. Directories are watched rather than files so that editors which
// replace the file on save keep being followed.
func (c *Controller) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	byPath := make(map[string][]string)
	c.mu.RLock()
	for name, p := range c.projects {
		path := filepath.Clean(p.cfg.Definition)
		byPath[path] = append(byPath[path], name)
	}
	c.mu.RUnlock()

	dirs := make(map[string]bool)
	for path := range byPath {
		dir := filepath.Dir(path)
		if dirs[dir] {
			continue
		}
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		dirs[dir] = true
	}
	c.logger.Info("watching definitions", "files", len(byPath), "dirs", len(dirs))

	pending := make(map[string]bool)
	timer := time.NewTimer(reloadDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			path := filepath.Clean(ev.Name)
			if _, ok := byPath[path]; !ok {
				continue
			}
			pending[path] = true
			timer.Reset(reloadDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("definition watcher error", "error", err)
		case <-timer.C:
			for path := range pending {
				for _, name := range byPath[path] {
					c.Reload(name)
				}
			}
			clear(pending)
		}
	}
}

// Reload recompiles a project's definition. An invalid or unreadable file
// keeps the previous compiled definition in use. It reports whether a new
// definition was swapped in.
func (c *Controller) Reload(name string) bool {
	cur, err := c.project(name)
	if err != nil {
		return false
	}
	logger := c.logger.With("project", name, "definition", cur.cfg.Definition)

	digest, err := config.FileDigest(cur.cfg.Definition)
	if err != nil {
		c.reloadFailed(name, err)
		logger.Error("definition reload failed, keeping previous", "error", err)
		return false
	}
	if digest == cur.digest {
		return false
	}

	p, err := pipeline.LoadFile(cur.cfg.Definition)
	if err != nil {
		c.reloadFailed(name, err)
		logger.Error("definition reload failed, keeping previous", "error", err)
		return false
	}

	c.mu.Lock()
	if proj, ok := c.projects[name]; ok {
		proj.pipeline = p
		proj.digest = digest
		proj.loadErr = nil
	}
	c.mu.Unlock()

	logger.Info("definition reloaded", "pipeline", p.Name, "jobs", len(p.Jobs), "fingerprint", p.Fingerprint)
	c.events.Publish(events.DefinitionReloaded, DefinitionData{Project: name, Pipeline: p.Name, Fingerprint: p.Fingerprint})
	return true
}

func (c *Controller) reloadFailed(name string, err error) {
	c.mu.Lock()
	if proj, ok := c.projects[name]; ok {
		proj.loadErr = err
	}
	c.mu.Unlock()
	c.events.Publish(events.DefinitionReloaded, DefinitionData{Project: name, Error: err.Error()})
}
