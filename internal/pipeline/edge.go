package pipeline

import (
	"encoding/json"
	"errors"
	"net"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/lucy-agent/lucy/internal/providers"
)

// EdgeDecision routes a message that arrives while work may be in flight.
type EdgeDecision int

const (
	// EdgeQueue is the normal path: classify and enqueue.
	EdgeQueue EdgeDecision = iota
	// EdgeStatusReply answers "what are you working on" from task state.
	EdgeStatusReply
	// EdgeCancelTask cancels the active background task.
	EdgeCancelTask
	// EdgeRespondIndependently runs a fresh agent without touching the
	// active task.
	EdgeRespondIndependently
)

var (
	statusQueryRe = regexp.MustCompile(`(?i)\b(what\s+are\s+you\s+(working\s+on|doing)|status|any\s+update|how('s|\s+is)\s+it\s+going|are\s+you\s+done|progress)\b`)
	cancelRe      = regexp.MustCompile(`(?i)\b(cancel|stop)\s+(that|it|this)\b|^\s*(never\s*mind|forget\s+it|abort)\b`)
)

// DecideEdgeCase runs before classification. Status queries about an active
// task win over everything else; cancellation requests kill the active task.
func DecideEdgeCase(message string, hasActiveBackgroundTask bool, threadDepth int) EdgeDecision {
	if !hasActiveBackgroundTask {
		return EdgeQueue
	}
	if statusQueryRe.MatchString(message) {
		return EdgeStatusReply
	}
	if cancelRe.MatchString(message) {
		return EdgeCancelTask
	}
	return EdgeRespondIndependently
}

// RecentToolCall is one dispatched call kept for the dedup window.
type RecentToolCall struct {
	Name   string
	Params map[string]any
	At     time.Time
}

// ToolCallDedupWindow bounds how far back a mutating call is compared.
const ToolCallDedupWindow = 5 * time.Second

var idempotentVerbs = []string{"get", "list", "search", "fetch", "read", "find", "query", "describe"}

// ShouldDeduplicateToolCall reports whether a mutating tool call exactly
// repeats a recent one. Read-style verbs never dedup; retrying them is safe.
func ShouldDeduplicateToolCall(name string, params map[string]any, recent []RecentToolCall, window time.Duration) bool {
	verb := strings.ToLower(name)
	if i := strings.IndexAny(verb, "_-."); i > 0 {
		verb = verb[:i]
	}
	for _, v := range idempotentVerbs {
		if strings.HasPrefix(verb, v) {
			return false
		}
	}
	// Composio-style names put the verb after the service prefix.
	upper := strings.ToUpper(name)
	for _, v := range idempotentVerbs {
		if strings.Contains(upper, "_"+strings.ToUpper(v)) {
			return false
		}
	}

	sig := canonicalParams(params)
	cutoff := time.Now().Add(-window)
	for _, rc := range recent {
		if rc.At.Before(cutoff) {
			continue
		}
		if rc.Name == name && canonicalParams(rc.Params) == sig {
			return true
		}
	}
	return false
}

// canonicalParams serializes params with sorted keys so equal maps compare
// equal regardless of insertion order.
func canonicalParams(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		v, _ := json.Marshal(params[k])
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.Write(v)
	}
	sb.WriteByte('}')
	return sb.String()
}

// Degradation kinds drive the user-facing message when recovery fails.
const (
	DegradeRateLimited        = "rate-limited"
	DegradeToolTimeout        = "tool-timeout"
	DegradeServiceUnavailable = "service-unavailable"
	DegradeContextOverflow    = "context-overflow"
	DegradeUnknown            = "unknown"
)

// ClassifyErrorForDegradation buckets a terminal error so the degradation
// formatter can pick a friendly sentence.
func ClassifyErrorForDegradation(err error) string {
	if err == nil {
		return DegradeUnknown
	}
	var httpErr *providers.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == 429:
			return DegradeRateLimited
		case httpErr.Status >= 500:
			return DegradeServiceUnavailable
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return DegradeToolTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "too many requests"):
		return DegradeRateLimited
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timed out"):
		return DegradeToolTimeout
	case strings.Contains(msg, "context length") || strings.Contains(msg, "maximum context") || strings.Contains(msg, "token limit") || strings.Contains(msg, "payload too large"):
		return DegradeContextOverflow
	case strings.Contains(msg, "unavailable") || strings.Contains(msg, "connection refused") || strings.Contains(msg, "bad gateway") || strings.Contains(msg, "502") || strings.Contains(msg, "503"):
		return DegradeServiceUnavailable
	}
	return DegradeUnknown
}

// DegradationMessage maps an error kind to what the user reads.
func DegradationMessage(kind string) string {
	switch kind {
	case DegradeRateLimited:
		return "I'm getting throttled by an upstream service right now. Give me a minute and ask again."
	case DegradeToolTimeout:
		return "One of the services I rely on is responding slowly. I couldn't finish this time, try again shortly."
	case DegradeServiceUnavailable:
		return "A service I need looks to be down at the moment. I'll be able to help once it recovers."
	case DegradeContextOverflow:
		return "That request pulled in more material than I can work with at once. Could you narrow it down?"
	default:
		return "I ran into a problem I couldn't work around. Mind rephrasing or trying again?"
	}
}
