// Package sessions keeps per-thread conversation history so consecutive
// agent runs in the same chat thread share context. History lives in memory
// with JSON file persistence; token totals and the last model used ride
// along as metadata.
package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lucy-agent/lucy/internal/providers"
)

// maxMessages bounds stored history per thread. Older turns roll off; the
// agent loop applies its own context trim on top.
const maxMessages = 60

// Session is one chat thread's stored conversation.
type Session struct {
	Key      string              `json:"key"` // workspace:channel:thread
	Messages []providers.Message `json:"messages"`
	Created  time.Time           `json:"created"`
	Updated  time.Time           `json:"updated"`

	Model            string `json:"model,omitempty"` // last model that answered
	Tier             string `json:"tier,omitempty"`
	Runs             int    `json:"runs,omitempty"`
	PromptTokens     int64  `json:"promptTokens,omitempty"`
	CompletionTokens int64  `json:"completionTokens,omitempty"`
}

// Key builds a thread session key. Channel-level chatter (no thread) keys
// on the channel alone.
func Key(workspaceID, channelID, threadID string) string {
	if threadID == "" {
		return fmt.Sprintf("%s:%s", workspaceID, channelID)
	}
	return fmt.Sprintf("%s:%s:%s", workspaceID, channelID, threadID)
}

// Manager owns all sessions for the process.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	storage  string // "" disables persistence
}

func NewManager(storage string) *Manager {
	m := &Manager{sessions: make(map[string]*Session), storage: storage}
	if storage != "" {
		_ = os.MkdirAll(storage, 0o755)
		m.loadAll()
	}
	return m
}

// History returns a copy of the thread's stored messages.
func (m *Manager) History(key string) []providers.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil
	}
	out := make([]providers.Message, len(s.Messages))
	copy(out, s.Messages)
	return out
}

// Append adds messages to a thread, creating the session on first use and
// rolling old turns off past the cap.
func (m *Manager) Append(key string, msgs ...providers.Message) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		s = &Session{Key: key, Created: time.Now()}
		m.sessions[key] = s
	}
	s.Messages = append(s.Messages, msgs...)
	if len(s.Messages) > maxMessages {
		s.Messages = s.Messages[len(s.Messages)-maxMessages:]
	}
	s.Updated = time.Now()
	m.mu.Unlock()
}

// RecordRun accumulates run metadata after an agent run completes.
func (m *Manager) RecordRun(key, model, tier string, usage providers.Usage) {
	m.mu.Lock()
	if s, ok := m.sessions[key]; ok {
		s.Model = model
		s.Tier = tier
		s.Runs++
		s.PromptTokens += int64(usage.PromptTokens)
		s.CompletionTokens += int64(usage.CompletionTokens)
		s.Updated = time.Now()
	}
	m.mu.Unlock()
}

// LastRunUsedTools reports whether the previous assistant turn in the
// thread called tools. The classifier promotes follow-ups when it did.
func (m *Manager) LastRunUsedTools(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return false
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		msg := s.Messages[i]
		if msg.Role == "assistant" {
			return len(msg.ToolCalls) > 0
		}
		if msg.Role == "tool" {
			return true
		}
	}
	return false
}

// Depth counts user turns in the thread, the classifier's threadDepth.
func (m *Manager) Depth(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return 0
	}
	depth := 0
	for _, msg := range s.Messages {
		if msg.Role == "user" {
			depth++
		}
	}
	return depth
}

// Reset clears a thread's history, keeping the metadata counters.
func (m *Manager) Reset(key string) {
	m.mu.Lock()
	if s, ok := m.sessions[key]; ok {
		s.Messages = nil
		s.Updated = time.Now()
	}
	m.mu.Unlock()
}

// Save persists one session atomically. No-op without a storage dir.
func (m *Manager) Save(key string) error {
	if m.storage == "" {
		return nil
	}
	m.mu.RLock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.RUnlock()
		return nil
	}
	snapshot := *s
	snapshot.Messages = append([]providers.Message(nil), s.Messages...)
	m.mu.RUnlock()

	data, err := json.MarshalIndent(&snapshot, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(m.storage, fileName(key))

	tmp, err := os.CreateTemp(m.storage, ".session-*")
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

// SaveAll persists every session; called at shutdown.
func (m *Manager) SaveAll() {
	m.mu.RLock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	for _, k := range keys {
		_ = m.Save(k)
	}
}

func (m *Manager) loadAll() {
	entries, err := os.ReadDir(m.storage)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.storage, e.Name()))
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil || s.Key == "" {
			continue
		}
		m.sessions[s.Key] = &s
	}
}

func fileName(key string) string {
	return strings.NewReplacer(":", "_", "/", "_").Replace(key) + ".json"
}
