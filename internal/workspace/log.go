package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// AppendActivity appends one line to the daily activity log
// (logs/YYYY-MM-DD.md). Append-only; held under the write lock because
// O_APPEND alone does not order concurrent writers' timestamps.
func (w *Workspace) AppendActivity(line string) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	now := time.Now().UTC()
	rel := filepath.Join("logs", now.Format("2006-01-02")+".md")
	path, err := w.Path(rel)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "- %s %s\n", now.Format("15:04:05"), line)
	return err
}

// AppendThreadTrace appends one JSON record to logs/threads/<threadId>.jsonl.
func (w *Workspace) AppendThreadTrace(threadID string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	rel := filepath.Join("logs", "threads", sanitizeSegment(threadID)+".jsonl")
	path, err := w.Path(rel)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// WriteSnapshot stores a dated JSON snapshot under data/snapshots/<category>/.
func (w *Workspace) WriteSnapshot(category string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	rel := filepath.Join("data", "snapshots", sanitizeSegment(category), time.Now().UTC().Format("2006-01-02")+".json")
	return w.WriteFile(rel, data)
}
