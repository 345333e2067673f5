package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CronDoc is the persisted job document at crons/<slug>/task.
// The filesystem is the source of truth; scheduler handles are derived.
type CronDoc struct {
	Path            string    `json:"path"`
	Cron            string    `json:"cron"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Type            string    `json:"type"` // "agent" or "script"
	DeliveryMode    string    `json:"deliveryMode"` // "channel" or "directMessage"
	DeliveryChannel string    `json:"deliveryChannel"`
	RequestingUser  string    `json:"requestingUser"`
	MaxRuns         int       `json:"maxRuns"`
	Timezone        string    `json:"timezone"`
	DependsOn       string    `json:"dependsOn"`
	ConditionScript string    `json:"conditionScript"`
	Retries         int       `json:"retries"`
	NotifyOnFailure bool      `json:"notifyOnFailure"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Slug derives the filesystem slug from the job path.
func (d *CronDoc) Slug() string {
	return SanitizeSlug(strings.TrimPrefix(d.Path, "/"))
}

// WriteCron persists a job document. Creation and modification both land here;
// the write is atomic and UpdatedAt is stamped.
func (w *Workspace) WriteCron(doc *CronDoc) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	slug := doc.Slug()
	if slug == "" {
		return fmt.Errorf("cron document has empty path")
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return w.WriteFile(filepath.Join("crons", slug, "task"), data)
}

// ReadCron loads one job document by slug.
func (w *Workspace) ReadCron(slug string) (*CronDoc, error) {
	data, err := w.ReadFile(filepath.Join("crons", sanitizeSegment(slug), "task"))
	if err != nil {
		return nil, err
	}
	var doc CronDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse cron %s: %w", slug, err)
	}
	return &doc, nil
}

// Crons loads every job document under crons/. Unparseable documents are
// skipped with the error ignored; the scheduler logs discovery counts.
func (w *Workspace) Crons() ([]*CronDoc, error) {
	dir, err := w.Path("crons")
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
	var docs []*CronDoc
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		doc, err := w.ReadCron(e.Name())
		if err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// DeleteCron removes a job directory (task + LEARNINGS).
func (w *Workspace) DeleteCron(slug string) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.Remove(filepath.Join("crons", sanitizeSegment(slug)))
}

// Learnings returns the job's accumulated LEARNINGS text, "" when absent.
func (w *Workspace) Learnings(slug string) string {
	data, err := w.ReadFile(filepath.Join("crons", sanitizeSegment(slug), "LEARNINGS"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// AppendLearning adds one dated observation to the job's LEARNINGS document.
func (w *Workspace) AppendLearning(slug, text string) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	existing := ""
	if data, err := w.ReadFile(filepath.Join("crons", sanitizeSegment(slug), "LEARNINGS")); err == nil {
		existing = string(data)
	}
	line := fmt.Sprintf("%s: %s\n", time.Now().UTC().Format("2006-01-02"), strings.TrimSpace(text))
	return w.WriteFile(filepath.Join("crons", sanitizeSegment(slug), "LEARNINGS"), []byte(existing+line))
}
