package agent

import (
	"fmt"
	"strings"

	"github.com/lucy-agent/lucy/internal/output"
)

// narrationPhrases mark a reply that announces an action instead of taking
// it ("Let me check the calendar" with no tool call attached).
var narrationPhrases = []string{
	"let me ",
	"i'll ",
	"i will ",
	"i'm going to ",
	"i am going to ",
	"give me a moment",
	"one moment",
	"hold on while i",
	"now i'll",
	"going to go ahead and",
}

// looksLikeNarration reports whether a toolless reply is describing work
// rather than delivering it. Long replies are presumed to be real answers.
func looksLikeNarration(text string) bool {
	if len(text) > 400 {
		return false
	}
	lower := strings.ToLower(text)
	for _, p := range narrationPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// partialResult produces an honest account of an unfinished run: what was
// attempted, where it stalled, and a hint at the cause when one is legible.
func (l *Loop) partialResult(st *runState) string {
	if st.toolCalls == 0 {
		return "I couldn't get traction on this one. Mind rephrasing or narrowing it down?"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "I got partway through, last step: %s", output.HumanizeToolName(st.lastTool))
	if st.toolCalls > 1 {
		fmt.Fprintf(&sb, " (%d steps in total)", st.toolCalls)
	}
	if hint := errorHint(st.lastResult); hint != "" {
		sb.WriteString(", but ")
		sb.WriteString(hint)
	} else {
		sb.WriteString(", but I couldn't wrap it up")
	}
	sb.WriteString(". Want me to try again or take a different angle?")
	return sb.String()
}

// errorHint pattern-matches the last tool result into a human cause.
func errorHint(result string) string {
	lower := strings.ToLower(result)
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return "the service took too long to respond"
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429"):
		return "the service is throttling requests right now"
	case strings.Contains(lower, "connection") || strings.Contains(lower, "unreachable"):
		return "I couldn't reach the service"
	case strings.Contains(lower, "permission") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "forbidden"):
		return "I don't have access to that"
	case strings.Contains(lower, "not found") || strings.Contains(lower, "no such"):
		return "I couldn't find what I was looking for"
	default:
		return ""
	}
}

// progressLines keep interim updates from sounding canned; picked by turn
// so repeated updates in one run differ.
var progressLines = []string{
	"working through it now.",
	"making progress, a few more steps.",
	"pulling the pieces together.",
	"almost there.",
}

func progressLine(turn int) string {
	return progressLines[(turn/5)%len(progressLines)]
}
