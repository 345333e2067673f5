package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"log/slog"

	"github.com/lucy-agent/lucy/internal/workspace"
)

// SkillCache keeps each workspace's parsed skills in memory and invalidates
// on filesystem change, so prompt assembly never re-reads unchanged skills.
type SkillCache struct {
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	entries map[string]*cacheEntry
	done    chan struct{}
}

type cacheEntry struct {
	dir    string
	skills []workspace.Skill
	dirty  bool
}

func NewSkillCache() (*SkillCache, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	c := &SkillCache{
		watcher: w,
		entries: make(map[string]*cacheEntry),
		done:    make(chan struct{}),
	}
	go c.watch()
	return c, nil
}

func (c *SkillCache) watch() {
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.invalidate(ev.Name)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("skill cache: watcher error", "error", err)
		case <-c.done:
			return
		}
	}
}

func (c *SkillCache) invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if strings.HasPrefix(path, e.dir) {
			e.dirty = true
		}
	}
}

// Skills returns the cached skill list for a workspace, reloading from disk
// when the cache is cold or was invalidated.
func (c *SkillCache) Skills(ws *workspace.Workspace) []workspace.Skill {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[ws.ID()]
	if ok && !e.dirty {
		return e.skills
	}

	skills, err := ws.Skills()
	if err != nil {
		slog.Warn("skill cache: load failed", "workspace", ws.ID(), "error", err)
		if ok {
			return e.skills
		}
		return nil
	}

	dir := filepath.Join(ws.Dir(), "skills")
	if !ok {
		e = &cacheEntry{dir: dir}
		c.entries[ws.ID()] = e
	}
	e.skills = skills
	e.dirty = false
	c.addWatches(dir)
	return skills
}

// addWatches covers the skills root and each skill directory; watches are
// not recursive, so new subdirectories are picked up on the reload their
// creation event triggers.
func (c *SkillCache) addWatches(dir string) {
	if err := c.watcher.Add(dir); err != nil {
		slog.Debug("skill cache: watch failed", "dir", dir, "error", err)
	}
	subs, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, sub := range subs {
		if sub.IsDir() {
			if err := c.watcher.Add(filepath.Join(dir, sub.Name())); err != nil {
				slog.Debug("skill cache: watch failed", "dir", sub.Name(), "error", err)
			}
		}
	}
}

// Close stops the watcher goroutine.
func (c *SkillCache) Close() error {
	close(c.done)
	return c.watcher.Close()
}
