package pipeline

import (
	"regexp"
	"strings"
)

// NoReplyToken is the sentinel an agent answers when a chat message needs
// no response at all (reactions, FYIs). Mirrors the cron HEARTBEAT_OK.
const NoReplyToken = "NO_REPLY"

// IsSilentReply reports whether agent output means "say nothing".
func IsSilentReply(text string) bool {
	up := strings.ToUpper(strings.TrimSpace(text))
	return up == NoReplyToken || strings.HasPrefix(up, NoReplyToken)
}

// Guard actions, configured per deployment.
const (
	GuardOff   = "off"
	GuardLog   = "log"
	GuardWarn  = "warn"
	GuardBlock = "block"
)

// injectionPatterns catch the common shapes of prompt-injection attempts.
// Cheap Contains gates run first; the list errs toward false negatives
// because the default action is warn, not block.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+|any\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`),
	regexp.MustCompile(`(?i)disregard\s+(the\s+|your\s+)?(system\s+prompt|instructions|rules)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|in)\b`),
	regexp.MustCompile(`(?i)\bnew\s+(system\s+)?instructions?\s*:`),
	regexp.MustCompile(`(?i)\b(jailbreak|DAN\s+mode|developer\s+mode\s+enabled)\b`),
	regexp.MustCompile(`(?i)reveal\s+(your\s+)?(system\s+prompt|instructions|hidden\s+rules)`),
	regexp.MustCompile(`(?i)pretend\s+(that\s+)?(you\s+have\s+no|there\s+are\s+no)\s+(rules|restrictions|guidelines)`),
}

// GuardResult is the outcome of inbound inspection.
type GuardResult struct {
	Message string // possibly truncated text to process
	Flagged bool   // an injection pattern matched
	Blocked bool   // the message must not reach the agent
	Notice  string // in-band notice to append to any reply, "" when none
}

// GuardInbound inspects one inbound message: oversize truncation first,
// then the injection scan under the configured action.
func GuardInbound(message string, maxChars int, action string) GuardResult {
	res := GuardResult{Message: message}

	if maxChars > 0 && len(message) > maxChars {
		res.Message = message[:maxChars]
		res.Notice = "That message was longer than I can take in one go, so I worked from the first part of it."
	}

	if action == GuardOff {
		return res
	}
	for _, re := range injectionPatterns {
		if re.MatchString(res.Message) {
			res.Flagged = true
			break
		}
	}
	if res.Flagged && action == GuardBlock {
		res.Blocked = true
	}
	return res
}
