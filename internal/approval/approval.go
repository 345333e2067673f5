// Package approval holds the process-wide human-in-the-loop map. A
// destructive tool call parks here until a person approves or rejects it,
// or the TTL expires.
package approval

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long an approval waits before expiring when the caller
// does not configure one.
const DefaultTTL = 300 * time.Second

// Decision is the outcome of one approval wait.
type Decision int

const (
	Expired Decision = iota
	Approved
	Rejected
	Cancelled
)

func (d Decision) String() string {
	switch d {
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	case Cancelled:
		return "cancelled"
	default:
		return "expired"
	}
}

// Request is one pending approval.
type Request struct {
	ID          string
	TaskID      uuid.UUID
	WorkspaceID string
	ToolName    string
	Summary     string
	CreatedAt   time.Time

	ch chan Decision
}

// Manager is the pending-approval map. One per process.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*Request
	ttl     time.Duration
}

func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{pending: make(map[string]*Request), ttl: ttl}
}

// Create registers a pending approval and returns it. The caller posts the
// chat interstitial, then blocks in Await.
func (m *Manager) Create(taskID uuid.UUID, workspaceID, toolName, summary string) *Request {
	req := &Request{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		WorkspaceID: workspaceID,
		ToolName:    toolName,
		Summary:     summary,
		CreatedAt:   time.Now(),
		ch:          make(chan Decision, 1),
	}
	m.mu.Lock()
	m.pending[req.ID] = req
	m.mu.Unlock()
	return req
}

// Adopt re-keys a pending request after the caller assigned it an external
// ID, typically the persisted approval row's. No-op if the request already
// left the map.
func (m *Manager) Adopt(req *Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, pending := range m.pending {
		if pending == req && id != req.ID {
			delete(m.pending, id)
			m.pending[req.ID] = req
			return
		}
	}
}

// Await blocks until the request is resolved, the TTL elapses, or the
// context is cancelled. The request is removed from the map either way.
func (m *Manager) Await(ctx context.Context, req *Request) Decision {
	defer m.drop(req.ID)
	select {
	case d := <-req.ch:
		return d
	case <-time.After(m.ttl):
		return Expired
	case <-ctx.Done():
		return Cancelled
	}
}

// Resolve delivers a decision for a pending request. Returns false when the
// request is unknown or already resolved; tenant mismatches are refused.
func (m *Manager) Resolve(id, workspaceID string, d Decision) bool {
	m.mu.Lock()
	req, ok := m.pending[id]
	if ok && req.WorkspaceID != workspaceID {
		ok = false
	}
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	req.ch <- d
	return true
}

// PendingFor lists unresolved requests for one workspace.
func (m *Manager) PendingFor(workspaceID string) []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Request
	for _, req := range m.pending {
		if req.WorkspaceID == workspaceID {
			out = append(out, req)
		}
	}
	return out
}

func (m *Manager) drop(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}
