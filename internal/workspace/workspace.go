// Package workspace implements the per-tenant filesystem substrate: directory
// layout, atomic writes, session facts, skills, state, and activity logs.
// Every path is scoped under the workspace root for its tenant; the package
// never reads or writes across tenants.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Manager owns the workspace root and hands out per-tenant handles.
// Workspaces are created lazily on first access.
type Manager struct {
	root string

	mu         sync.Mutex
	workspaces map[string]*Workspace
}

func NewManager(root string) *Manager {
	return &Manager{root: root, workspaces: make(map[string]*Workspace)}
}

// Get returns the workspace for a team ID, creating its directory tree on
// first access. The same handle is returned for the same ID.
func (m *Manager) Get(teamID string) (*Workspace, error) {
	id := sanitizeSegment(teamID)
	if id == "" {
		return nil, fmt.Errorf("invalid workspace id %q", teamID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ws, ok := m.workspaces[id]; ok {
		return ws, nil
	}

	dir := filepath.Join(m.root, id)
	for _, sub := range []string{"company", "team", "skills", "crons", "data", "data/snapshots", "logs", "logs/threads", "slack_logs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create workspace %s: %w", id, err)
		}
	}
	ws := &Workspace{id: id, dir: dir}
	m.workspaces[id] = ws
	return ws, nil
}

// List returns the IDs of all workspace directories under the root.
// Used by the scheduler at startup to discover persisted jobs.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Workspace is one tenant's directory tree plus its logical write lock.
type Workspace struct {
	id  string
	dir string

	// writeMu serializes session-fact, skill, and state mutations.
	writeMu sync.Mutex
}

func (w *Workspace) ID() string  { return w.id }
func (w *Workspace) Dir() string { return w.dir }

// Path resolves a relative path inside the workspace. Segments that would
// escape the workspace root are rejected: cross-tenant access is fatal by
// policy, never executed.
func (w *Workspace) Path(parts ...string) (string, error) {
	p := filepath.Join(append([]string{w.dir}, parts...)...)
	clean := filepath.Clean(p)
	if clean != w.dir && !strings.HasPrefix(clean, w.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace %s", filepath.Join(parts...), w.id)
	}
	return clean, nil
}

// WriteFile atomically writes data to a relative path: staging file in the
// same directory, then rename. Readers never observe a partial file.
func (w *Workspace) WriteFile(rel string, data []byte) error {
	path, err := w.Path(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".staging-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// ReadFile reads a relative path. Missing files return os.ErrNotExist.
func (w *Workspace) ReadFile(rel string) ([]byte, error) {
	path, err := w.Path(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Remove deletes a relative path (recursively for directories).
func (w *Workspace) Remove(rel string) error {
	path, err := w.Path(rel)
	if err != nil {
		return err
	}
	return os.RemoveAll(path)
}

// Lock acquires the workspace's logical write lock.
func (w *Workspace) Lock()   { w.writeMu.Lock() }
func (w *Workspace) Unlock() { w.writeMu.Unlock() }

// sanitizeSegment makes an external ID safe for use as a directory name.
func sanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else if r != 0 {
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

// SanitizeSlug is the exported form used for cron slugs and skill directories.
func SanitizeSlug(s string) string {
	return strings.ToLower(sanitizeSegment(strings.ReplaceAll(strings.TrimSpace(s), " ", "-")))
}
