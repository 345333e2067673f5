package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAcquireWithinBurst(t *testing.T) {
	l := New()
	ctx := context.Background()

	// Burst capacity admits immediately.
	for i := 0; i < 8; i++ {
		assert.True(t, l.AcquireModel(ctx, "claude-opus-4", 10*time.Millisecond))
	}
}

func TestAcquireTimesOut(t *testing.T) {
	l := New()
	ctx := context.Background()

	// Exhaust the burst, then a short timeout cannot cover the refill wait.
	for i := 0; i < 8; i++ {
		l.AcquireModel(ctx, "claude-opus-4", time.Millisecond)
	}
	assert.False(t, l.AcquireModel(ctx, "claude-opus-4", 5*time.Millisecond))
}

func TestModelFamilies(t *testing.T) {
	tests := []struct {
		model, family string
	}{
		{"gemini-2.5-pro", "gemini"},
		{"claude-sonnet-4", "claude"},
		{"gpt-4o-mini", "gpt"},
		{"minimax-m1", "minimax"},
		{"mystery-model", "default"},
	}
	for _, tt := range tests {
		if got := modelFamily(tt.model); got != tt.family {
			t.Errorf("modelFamily(%q) = %q, want %q", tt.model, got, tt.family)
		}
	}
}

func TestAPIForTool(t *testing.T) {
	tests := []struct {
		tool, api string
	}{
		{"GITHUB_CREATE_ISSUE", "github"},
		{"GOOGLECALENDAR_LIST_EVENTS", "google-calendar"},
		{"GMAIL_SEND_EMAIL", "gmail"},
		{"SLACK_POST_MESSAGE", "slack"},
		{"lucy_remember", ""},
	}
	for _, tt := range tests {
		if got := APIForTool(tt.tool); got != tt.api {
			t.Errorf("APIForTool(%q) = %q, want %q", tt.tool, got, tt.api)
		}
	}
}

func TestSeparateBucketsIndependent(t *testing.T) {
	l := New()
	ctx := context.Background()

	// Draining the github bucket leaves the model bucket untouched.
	for i := 0; i < 15; i++ {
		l.AcquireAPI(ctx, "GITHUB_LIST_REPOS", time.Millisecond)
	}
	assert.False(t, l.AcquireAPI(ctx, "GITHUB_LIST_REPOS", 5*time.Millisecond))
	assert.True(t, l.AcquireModel(ctx, "gpt-4o", 10*time.Millisecond))
}

func TestUnmappedToolNotLimited(t *testing.T) {
	l := New()
	for i := 0; i < 100; i++ {
		assert.True(t, l.AcquireAPI(context.Background(), "lucy_read_file", time.Millisecond))
	}
}

func TestFairWaiters(t *testing.T) {
	l := New()
	ctx := context.Background()

	// Two consumers contending on one bucket: neither waits wildly longer.
	// Uses the small gmail bucket (2 rps, burst 5).
	var mu sync.Mutex
	waits := map[string]time.Duration{}

	var wg sync.WaitGroup
	for _, name := range []string{"a", "b"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			start := time.Now()
			for i := 0; i < 6; i++ {
				l.Acquire(ctx, "api:gmail", 1, 5*time.Second)
			}
			mu.Lock()
			waits[name] = time.Since(start)
			mu.Unlock()
		}(name)
	}
	wg.Wait()

	a, b := waits["a"], waits["b"]
	if a > 2*b+time.Second || b > 2*a+time.Second {
		t.Errorf("unfair waits: a=%v b=%v", a, b)
	}
}
