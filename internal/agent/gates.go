package agent

import (
	"strings"
	"unicode"
)

// reviewFinalText is the quality gate between the loop and delivery. A
// non-empty issue list earns the run one re-attempt on the next tier up.
func reviewFinalText(text string, req RunRequest) []string {
	var issues []string
	lower := strings.ToLower(text)
	askWords := len(strings.Fields(req.Message))

	if text == "" {
		return []string{"empty answer"}
	}

	// Giving up on an intent that exists to produce results.
	if req.Intent == "data" || req.Intent == "lookup" || req.Intent == "research" {
		for _, giveUp := range []string{"i couldn't find", "i was unable to find", "no results", "nothing came up"} {
			if strings.Contains(lower, giveUp) && len(text) < 300 {
				issues = append(issues, "gave up without results on a "+req.Intent+" ask")
				break
			}
		}
	}

	// A one-liner answering a paragraph of instructions.
	if askWords >= 20 && len(text) < 120 {
		issues = append(issues, "answer too thin for the ask")
	}

	// "all X" asks answered from a sample.
	if asksForAll(req.Message) {
		for _, partial := range []string{"some of", "a few of", "a sample", "the first few", "among others"} {
			if strings.Contains(lower, partial) {
				issues = append(issues, "answered a sample of an exhaustive ask")
				break
			}
		}
	}

	// Numbers asked for, none delivered.
	if req.Intent == "data" && !containsDigit(text) {
		issues = append(issues, "data ask answered without a single figure")
	}

	// Apology openers signal an abandoned attempt, not an answer.
	for _, opener := range []string{"i'm sorry, but i can", "unfortunately, i cannot", "i am not able to"} {
		if strings.HasPrefix(lower, opener) {
			issues = append(issues, "refused instead of attempting")
			break
		}
	}

	return issues
}

func asksForAll(message string) bool {
	lower := " " + strings.ToLower(message)
	return strings.Contains(lower, " all ") || strings.Contains(lower, " every ") || strings.Contains(lower, " each ")
}

func containsDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
