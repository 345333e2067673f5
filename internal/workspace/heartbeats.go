package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Heartbeat statuses.
const (
	HeartbeatActive = "active"
	HeartbeatPaused = "paused"
	HeartbeatError  = "error"
)

// HeartbeatDoc is a persisted condition monitor. The config payload is
// kind-dependent and always carries an "_alert_channel" key.
type HeartbeatDoc struct {
	Slug                string          `json:"slug"`
	Kind                string          `json:"kind"` // api-health, page-content, metric-threshold, custom
	Config              json.RawMessage `json:"config"`
	IntervalSeconds     int             `json:"intervalSeconds"`
	CooldownSeconds     int             `json:"cooldownSeconds"`
	Status              string          `json:"status"`
	ConsecutiveFailures int             `json:"consecutiveFailures"`
	LastChecked         time.Time       `json:"lastChecked"`
	LastAlerted         time.Time       `json:"lastAlerted"`
	LastResult          string          `json:"lastResult,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
}

func heartbeatPath(slug string) string {
	return filepath.Join("data", "heartbeats", sanitizeSegment(slug)+".json")
}

// WriteHeartbeat persists a monitor document atomically.
func (w *Workspace) WriteHeartbeat(doc *HeartbeatDoc) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if doc.Slug == "" {
		return fmt.Errorf("heartbeat has empty slug")
	}
	if doc.Status == "" {
		doc.Status = HeartbeatActive
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return w.WriteFile(heartbeatPath(doc.Slug), data)
}

// ReadHeartbeat loads one monitor by slug.
func (w *Workspace) ReadHeartbeat(slug string) (*HeartbeatDoc, error) {
	data, err := w.ReadFile(heartbeatPath(slug))
	if err != nil {
		return nil, err
	}
	var doc HeartbeatDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse heartbeat %s: %w", slug, err)
	}
	return &doc, nil
}

// Heartbeats loads all monitor documents for the workspace.
func (w *Workspace) Heartbeats() ([]*HeartbeatDoc, error) {
	dir, err := w.Path("data", "heartbeats")
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var docs []*HeartbeatDoc
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		doc, err := w.ReadHeartbeat(e.Name()[:len(e.Name())-len(".json")])
		if err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// DeleteHeartbeat removes a monitor document.
func (w *Workspace) DeleteHeartbeat(slug string) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.Remove(heartbeatPath(slug))
}
