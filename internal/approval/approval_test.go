package approval

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApproveResolvesAwait(t *testing.T) {
	m := NewManager(0)
	req := m.Create(uuid.New(), "T1", "send_email", "send the weekly digest")

	go func() {
		time.Sleep(10 * time.Millisecond)
		require.True(t, m.Resolve(req.ID, "T1", Approved))
	}()
	assert.Equal(t, Approved, m.Await(context.Background(), req))

	// Already resolved.
	assert.False(t, m.Resolve(req.ID, "T1", Rejected))
}

func TestNewManagerTTL(t *testing.T) {
	assert.Equal(t, DefaultTTL, NewManager(0).ttl)
	assert.Equal(t, time.Minute, NewManager(time.Minute).ttl)
}

func TestExpiry(t *testing.T) {
	m := NewManager(20 * time.Millisecond)
	req := m.Create(uuid.New(), "T1", "delete_event", "")

	assert.Equal(t, Expired, m.Await(context.Background(), req))
	assert.Empty(t, m.PendingFor("T1"))
}

func TestCancellation(t *testing.T) {
	m := NewManager(0)
	req := m.Create(uuid.New(), "T1", "send_email", "")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	assert.Equal(t, Cancelled, m.Await(ctx, req))
}

func TestTenantMismatchRefused(t *testing.T) {
	m := NewManager(0)
	req := m.Create(uuid.New(), "T1", "send_email", "")

	assert.False(t, m.Resolve(req.ID, "T2", Approved))
	assert.Len(t, m.PendingFor("T1"), 1)
	assert.True(t, m.Resolve(req.ID, "T1", Rejected))
}
