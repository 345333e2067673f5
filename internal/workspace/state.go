package workspace

import (
	"encoding/json"
	"os"
)

const statePath = "state.json"

// GetState reads one key from the workspace key-value document.
func (w *Workspace) GetState(key string) (string, bool) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	state := w.loadState()
	v, ok := state[key]
	return v, ok
}

// SetState writes one key in the workspace key-value document.
func (w *Workspace) SetState(key, value string) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	state := w.loadState()
	state[key] = value
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return w.WriteFile(statePath, data)
}

func (w *Workspace) loadState() map[string]string {
	state := make(map[string]string)
	data, err := w.ReadFile(statePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return state
		}
		return state
	}
	_ = json.Unmarshal(data, &state)
	return state
}
