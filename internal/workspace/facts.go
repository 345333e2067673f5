package workspace

import (
	"encoding/json"
	"os"
	"time"
)

// maxSessionFacts caps the rolling fact window per workspace.
const maxSessionFacts = 50

const sessionMemoryPath = "data/session_memory"

// SessionFact is one short remembered string with provenance.
type SessionFact struct {
	Text      string    `json:"text"`
	Category  string    `json:"category"` // "company", "team", "session"
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// AddFact appends a fact to the rolling window, evicting the oldest when the
// window is full. Exact-duplicate texts are dropped. Serialized by the
// workspace write lock; the file write is atomic.
func (w *Workspace) AddFact(fact SessionFact) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	facts, err := w.loadFacts()
	if err != nil {
		return err
	}
	for _, f := range facts {
		if f.Text == fact.Text {
			return nil
		}
	}
	if fact.Timestamp.IsZero() {
		fact.Timestamp = time.Now().UTC()
	}
	facts = append(facts, fact)
	if len(facts) > maxSessionFacts {
		facts = facts[len(facts)-maxSessionFacts:]
	}
	data, err := json.MarshalIndent(facts, "", "  ")
	if err != nil {
		return err
	}
	return w.WriteFile(sessionMemoryPath, data)
}

// Facts returns a copy of the current fact window, oldest first.
func (w *Workspace) Facts() ([]SessionFact, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.loadFacts()
}

func (w *Workspace) loadFacts() ([]SessionFact, error) {
	data, err := w.ReadFile(sessionMemoryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var facts []SessionFact
	if err := json.Unmarshal(data, &facts); err != nil {
		// Corrupt memory file: start fresh rather than wedge the workspace.
		return nil, nil
	}
	return facts, nil
}
