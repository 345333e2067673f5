// Package pipeline turns raw inbound chat events into routed work: it
// classifies intent and model tier, answers trivial messages on a fast path,
// detects edge cases around in-flight tasks, and deduplicates both events
// and tool calls. Classification is pure string matching, no I/O.
package pipeline

import (
	"regexp"
	"strings"
)

// Intent categories. The set is closed; anything unmatched is chat.
const (
	IntentGreeting     = "greeting"
	IntentConfirmation = "confirmation"
	IntentFollowup     = "followup"
	IntentChat         = "chat"
	IntentLookup       = "lookup"
	IntentToolUse      = "tool_use"
	IntentCommand      = "command"
	IntentMonitoring   = "monitoring"
	IntentCode         = "code"
	IntentReasoning    = "reasoning"
	IntentData         = "data"
	IntentDocument     = "document"
)

// Model tiers, weakest to strongest. Escalation follows TierRank.
const (
	TierFast     = "fast"
	TierDefault  = "default"
	TierCode     = "code"
	TierResearch = "research"
	TierDocument = "document"
	TierFrontier = "frontier"
)

// tierRank orders tiers for escalation. Document sits beside research in
// capability and escalates to frontier like it.
var tierRank = map[string]int{
	TierFast:     0,
	TierDefault:  1,
	TierCode:     2,
	TierResearch: 3,
	TierDocument: 3,
	TierFrontier: 4,
}

// TierRank returns the escalation rank of a tier, defaulting to default's.
func TierRank(tier string) int {
	if r, ok := tierRank[tier]; ok {
		return r
	}
	return 1
}

// NextTier advances one escalation step. Frontier is terminal.
func NextTier(tier string) string {
	switch TierRank(tier) {
	case 0:
		return TierDefault
	case 1:
		return TierCode
	case 2:
		return TierResearch
	case 3:
		return TierFrontier
	default:
		return TierFrontier
	}
}

// MaxTier returns the stronger of two tiers.
func MaxTier(a, b string) string {
	if TierRank(b) > TierRank(a) {
		return b
	}
	return a
}

// Classification is the routing decision for one message.
type Classification struct {
	Intent  string
	Tier    string
	Modules []string // dynamic prompt modules to attach
}

type matcher struct {
	intent  string
	tier    string
	modules []string
	re      *regexp.Regexp
}

// Matchers run in order; first match wins. Short-circuit categories
// (greeting, confirmation) anchor on the whole message so they cannot
// swallow longer requests.
var matchers = []matcher{
	{IntentGreeting, TierFast, nil,
		regexp.MustCompile(`(?i)^\s*(hi|hiya|hello|hey|yo|good\s+(morning|afternoon|evening)|morning)\s*[!.]*\s*$`)},
	{IntentConfirmation, TierFast, nil,
		regexp.MustCompile(`(?i)^\s*(thanks|thank\s+you|thx|ty|ok(ay)?|cool|got\s+it|sounds\s+good|perfect|great|yes|no|yep|nope|sure)\s*[!.]*\s*$`)},
	{IntentCommand, TierFast, nil,
		regexp.MustCompile(`(?i)^\s*(cancel|stop|abort|pause|resume|retry|never\s*mind)\b`)},
	{IntentMonitoring, TierDefault, []string{"integrations"},
		regexp.MustCompile(`(?i)\b(monitor|watch|alert\s+me|notify\s+me|remind\s+me|every\s+\d+\s+(minute|hour|day)|heartbeat|keep\s+an\s+eye)\b`)},
	{IntentCode, TierCode, []string{"coding"},
		regexp.MustCompile(`(?i)\b(code|script|debug|refactor|function|compile|stack\s*trace|regex|sql\s+query|python|typescript|deploy)\b`)},
	{IntentData, TierDefault, []string{"data-tasks"},
		regexp.MustCompile(`(?i)\b(spreadsheet|csv|dashboard|analy[sz]e|metrics|pivot|chart|graph|report\s+on|sum\s+up\s+the\s+numbers)\b`)},
	{IntentDocument, TierDocument, nil,
		regexp.MustCompile(`(?i)\b(write|draft|compose)\b.*\b(doc|document|memo|proposal|blog|post|essay|article|summary)\b`)},
	{IntentReasoning, TierResearch, []string{"research"},
		regexp.MustCompile(`(?i)\b(why\s+(do|does|is|are|did)|strategy|pros\s+and\s+cons|trade[-\s]?offs?|think\s+through|research|compare\s+.+\s+(vs|versus|against))\b`)},
	{IntentToolUse, TierDefault, []string{"integrations"},
		regexp.MustCompile(`(?i)\b(send|schedule|create|update|delete|book|invite|email|calendar|meeting|ticket|issue|pull\s+request|pr\b|merge)\b`)},
	{IntentLookup, TierFast, nil,
		regexp.MustCompile(`(?i)^\s*(what|who|when|where|which|how\s+many|how\s+much)\b|\b(look\s+up|find\s+out|check\s+(the|my|our))\b`)},
	{IntentFollowup, TierFast, nil,
		regexp.MustCompile(`(?i)^\s*(and|also|what\s+about|how\s+about|then|same\s+for)\b`)},
}

// Classify routes a message to an intent, tier, and prompt-module set.
// Never fails; empty or unmatched input is chat/fast.
func Classify(message string, threadDepth int, priorHadTools bool) Classification {
	trimmed := strings.TrimSpace(message)
	c := Classification{Intent: IntentChat, Tier: TierFast}
	if trimmed != "" {
		for _, m := range matchers {
			if m.re.MatchString(trimmed) {
				c = Classification{Intent: m.intent, Tier: m.tier, Modules: m.modules}
				break
			}
		}
	}

	// Deep threads carry accumulated context a fast model mishandles.
	if threadDepth > 3 && c.Tier == TierFast {
		c.Tier = TierDefault
	}
	// A followup to tool work usually continues that work.
	if priorHadTools && (c.Intent == IntentFollowup || c.Intent == IntentChat) {
		c.Tier = MaxTier(c.Tier, TierDefault)
		if !hasModule(c.Modules, "integrations") {
			c.Modules = append(c.Modules, "integrations")
		}
	}
	return c
}

func hasModule(mods []string, name string) bool {
	for _, m := range mods {
		if m == name {
			return true
		}
	}
	return false
}
