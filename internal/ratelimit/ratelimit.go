// Package ratelimit enforces per-model and per-API request ceilings with
// token buckets. Buckets are created lazily per key; acquisition waits
// cooperatively under a timeout instead of failing fast.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limit pairs a refill rate (tokens/s) with a burst capacity.
type limit struct {
	rate  float64
	burst int
}

// Model-family defaults, prefix-matched against the model name.
var modelLimits = []struct {
	prefix string
	limit  limit
}{
	{"gemini", limit{5.0, 15}},
	{"google", limit{5.0, 15}},
	{"claude", limit{2.0, 8}},
	{"anthropic", limit{2.0, 8}},
	{"gpt", limit{3.0, 10}},
	{"openai", limit{3.0, 10}},
	{"o1", limit{3.0, 10}},
	{"minimax", limit{3.0, 10}},
}

var defaultModelLimit = limit{2.0, 8}

// API-family defaults, matched by bucket key.
var apiLimits = map[string]limit{
	"google-calendar": {2, 5},
	"google-sheets":   {2, 5},
	"google-drive":    {2, 5},
	"gmail":           {2, 5},
	"github":          {5, 15},
	"linear":          {3, 10},
	"slack":           {3, 10},
}

// toolAPIPrefixes classifies external tool names to API buckets.
var toolAPIPrefixes = []struct {
	prefix string
	api    string
}{
	{"GOOGLECALENDAR", "google-calendar"},
	{"GOOGLESHEETS", "google-sheets"},
	{"GOOGLEDRIVE", "google-drive"},
	{"GMAIL", "gmail"},
	{"GITHUB", "github"},
	{"LINEAR", "linear"},
	{"SLACK", "slack"},
}

// Limiter holds every bucket in the process. Bucket mutations are serialized
// by x/time/rate internally; the map itself is guarded here.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func New() *Limiter {
	return &Limiter{buckets: make(map[string]*rate.Limiter)}
}

// Acquire takes n tokens from the named bucket, waiting up to timeout.
// Returns false when the timeout elapses (or the parent context is done)
// before the tokens become available.
func (l *Limiter) Acquire(ctx context.Context, key string, n int, timeout time.Duration) bool {
	if n <= 0 {
		n = 1
	}
	bucket := l.bucket(key)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return bucket.WaitN(waitCtx, n) == nil
}

// AcquireModel waits on the bucket for a model's family.
func (l *Limiter) AcquireModel(ctx context.Context, model string, timeout time.Duration) bool {
	return l.Acquire(ctx, "model:"+modelFamily(model), 1, timeout)
}

// AcquireAPI waits on the bucket for an external tool's API family, when the
// tool maps to one. Tools with no API mapping are not limited here. A call
// blocked at the API bucket consumes nothing from any model bucket.
func (l *Limiter) AcquireAPI(ctx context.Context, toolName string, timeout time.Duration) bool {
	api := APIForTool(toolName)
	if api == "" {
		return true
	}
	return l.Acquire(ctx, "api:"+api, 1, timeout)
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	lim := limitForKey(key)
	b := rate.NewLimiter(rate.Limit(lim.rate), lim.burst)
	l.buckets[key] = b
	return b
}

func limitForKey(key string) limit {
	if api, ok := strings.CutPrefix(key, "api:"); ok {
		if lim, found := apiLimits[api]; found {
			return lim
		}
		return limit{2, 5}
	}
	if family, ok := strings.CutPrefix(key, "model:"); ok {
		for _, ml := range modelLimits {
			if strings.HasPrefix(family, ml.prefix) {
				return ml.limit
			}
		}
	}
	return defaultModelLimit
}

// modelFamily normalizes a model name to its bucket family.
func modelFamily(model string) string {
	lower := strings.ToLower(model)
	for _, ml := range modelLimits {
		if strings.HasPrefix(lower, ml.prefix) {
			return ml.prefix
		}
	}
	return "default"
}

// APIForTool maps an external tool name to its API bucket, "" when unmapped.
func APIForTool(toolName string) string {
	upper := strings.ToUpper(toolName)
	for _, tp := range toolAPIPrefixes {
		if strings.HasPrefix(upper, tp.prefix) {
			return tp.api
		}
	}
	return ""
}
