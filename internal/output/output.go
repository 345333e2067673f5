// Package output enforces personality and hides internals on every message
// that leaves the agent. Four layers run in order: sanitize, markdown
// conversion, tone validation, de-AI cleanup. The whole pipeline is
// idempotent: processing its own output changes nothing.
package output

import (
	"regexp"
	"strings"
)

// Process runs all four layers.
func Process(text string) string {
	text = Sanitize(text)
	text = ToChatFormat(text)
	text = ValidateTone(text)
	text = DeAI(text)
	return strings.TrimSpace(text)
}

// humanizedTools maps internal tool names to plain-English phrases.
var humanizedTools = map[string]string{
	"COMPOSIO_SEARCH_TOOLS":      "search for tools",
	"COMPOSIO_MANAGE_CONNECTIONS": "check connected services",
	"COMPOSIO_MULTI_EXECUTE":     "run several actions",
	"COMPOSIO_REMOTE_WORKBENCH":  "run some code",
	"COMPOSIO_REMOTE_BASH":       "run a command",
	"lucy_remember":              "save a note",
	"lucy_recall":                "check my notes",
	"lucy_read_file":             "read a document",
	"lucy_write_file":            "update a document",
	"lucy_manage_cron":           "adjust a schedule",
	"lucy_list_skills":           "check what I know how to do",
}

// HumanizeToolName returns a user-safe phrase for a tool. Unknown names get
// a generic description derived from their verb.
func HumanizeToolName(name string) string {
	if h, ok := humanizedTools[name]; ok {
		return h
	}
	// GITHUB_CREATE_ISSUE -> "working with github"
	if i := strings.IndexAny(name, "_-"); i > 0 {
		return "working with " + strings.ToLower(name[:i])
	}
	return "working on it"
}

var (
	unixPathRe   = regexp.MustCompile(`(?:/[\w.\-]+){2,}/?`)
	apiKeyRe     = regexp.MustCompile(`\b(?:sk|pk|xoxb|xoxp|ghp|gho)[-_][A-Za-z0-9\-_]{8,}\b`)
	internalTag  = regexp.MustCompile(`<[/!]?(?:plan|thinking|scratchpad|internal|tool_call|tool_result)[^>]*>`)
	opaqueIDRe   = regexp.MustCompile(`\b(?:req|task|trace|span)_[0-9a-f]{8,}\b`)
	toolNameRe   = regexp.MustCompile(`\b(?:COMPOSIO|GITHUB|GMAIL|GOOGLECALENDAR|GOOGLESHEETS|GOOGLEDRIVE|LINEAR|SLACK)_[A-Z0-9_]+\b|\blucy_[a-z_]+\b`)
)

// Sanitize redacts paths, keys, internal tags, opaque identifiers, and raw
// tool names. Cheap substring checks gate each regex.
func Sanitize(text string) string {
	if strings.Contains(text, "<") {
		text = internalTag.ReplaceAllString(text, "")
	}
	if strings.Contains(text, "_") {
		text = toolNameRe.ReplaceAllStringFunc(text, HumanizeToolName)
		text = opaqueIDRe.ReplaceAllString(text, "[ref]")
	}
	if strings.Contains(text, "-") || strings.Contains(text, "_") {
		text = apiKeyRe.ReplaceAllString(text, "[redacted]")
	}
	if strings.Contains(text, "/") {
		text = redactBarePaths(text)
	}
	return text
}

// redactBarePaths removes absolute filesystem paths; paths inside URLs are
// left alone.
func redactBarePaths(text string) string {
	var out strings.Builder
	rest := text
	for {
		loc := unixPathRe.FindStringIndex(rest)
		if loc == nil {
			out.WriteString(rest)
			break
		}
		prefix := rest[:loc[0]]
		match := rest[loc[0]:loc[1]]
		out.WriteString(prefix)
		if partOfURL(prefix) {
			out.WriteString(match)
		} else {
			out.WriteString("[a file]")
		}
		rest = rest[loc[1]:]
	}
	return out.String()
}

// partOfURL reports whether the text immediately before a path match is a
// URL scheme or host, meaning the path belongs to the URL.
func partOfURL(prefix string) bool {
	i := strings.LastIndexAny(prefix, " \t\n")
	word := prefix[i+1:]
	return strings.Contains(word, ":/") || strings.HasPrefix(word, "www.") || strings.HasPrefix(word, "<")
}

var (
	headingRe  = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	boldRe     = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	mdLinkRe   = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	tableRowRe = regexp.MustCompile(`(?m)^\s*\|(.+)\|\s*$`)
	tableSepRe = regexp.MustCompile(`(?m)^\s*\|?[\s:|-]+\|[\s:|-]*$\n?`)
)

// ToChatFormat converts markdown to the chat dialect: headings and bold
// become *bold*, links become <url|text>, tables become bullet lists.
func ToChatFormat(text string) string {
	if strings.Contains(text, "#") {
		text = headingRe.ReplaceAllStringFunc(text, func(line string) string {
			// Inline bold folds into the heading's own emphasis.
			inner := headingRe.FindStringSubmatch(line)[1]
			inner = boldRe.ReplaceAllString(inner, "$1")
			return "*" + inner + "*"
		})
	}
	if strings.Contains(text, "**") {
		text = boldRe.ReplaceAllString(text, "*$1*")
	}
	if strings.Contains(text, "](") {
		text = mdLinkRe.ReplaceAllString(text, "<$2|$1>")
	}
	if strings.Contains(text, "|") {
		text = tableSepRe.ReplaceAllString(text, "")
		text = tableRowRe.ReplaceAllStringFunc(text, func(row string) string {
			cells := strings.Split(strings.Trim(strings.TrimSpace(row), "|"), "|")
			for i := range cells {
				cells[i] = strings.TrimSpace(cells[i])
			}
			return "• " + strings.Join(cells, ": ")
		})
	}
	return text
}

// tonePatterns map rejected phrasings to neutral replacements.
var tonePatterns = []struct {
	contains string
	re       *regexp.Regexp
	repl     string
}{
	{"unable to", regexp.MustCompile(`(?i)I am unable to|I'm unable to`), "I couldn't"},
	{"as an ai", regexp.MustCompile(`(?i)as an AI(?: language model| assistant)?,?\s*`), ""},
	{"error occurred", regexp.MustCompile(`(?i)an (?:unknown |unexpected )?error occurred`), "something went wrong"},
	{"apologize", regexp.MustCompile(`(?i)I (?:sincerely |deeply )?apologize for (?:the|any) (?:inconvenience|confusion)[.!]?\s*`), ""},
	{"great question", regexp.MustCompile(`(?i)(?:that's a )?great question[.!]?\s*`), ""},
	{"happy to help", regexp.MustCompile(`(?i)I(?:'d| would) be happy to help(?: with that)?[.!]?\s*`), ""},
}

// ValidateTone rewrites defeatist, internal-leak, vague-error, and
// sycophantic phrasings.
func ValidateTone(text string) string {
	lower := strings.ToLower(text)
	for _, tp := range tonePatterns {
		if strings.Contains(lower, tp.contains) {
			text = tp.re.ReplaceAllString(text, tp.repl)
			lower = strings.ToLower(text)
		}
	}
	return text
}

// aiVocabulary are words that read as machine-generated; each maps to a
// plain replacement.
var aiVocabulary = []struct {
	contains string
	re       *regexp.Regexp
	repl     string
}{
	{"delve", regexp.MustCompile(`(?i)\bdelve(s|d)? into\b`), "dig into"},
	{"delve", regexp.MustCompile(`(?i)\bdelve(s|d)?\b`), "dig"},
	{"tapestry", regexp.MustCompile(`(?i)\b(?:a |the )?(?:rich )?tapestry of\b`), "a mix of"},
	{"moreover", regexp.MustCompile(`(?i)\bmoreover,?\s*`), "also, "},
	{"furthermore", regexp.MustCompile(`(?i)\bfurthermore,?\s*`), "also, "},
	{"leverag", regexp.MustCompile(`(?i)\bleverag(e|es|ed|ing)\b`), "use"},
	{"utiliz", regexp.MustCompile(`(?i)\butiliz(e|es|ed|ing)\b`), "use"},
	{"in conclusion", regexp.MustCompile(`(?i)\bin conclusion,?\s*`), ""},
}

var (
	sycophantOpenerRe = regexp.MustCompile(`(?i)^(?:certainly|absolutely|of course|sure thing)[,!.]\s*`)
	chatbotCloserRe   = regexp.MustCompile(`(?i)\n*(?:is there anything else (?:I can help|you need)[^\n]*|let me know if you (?:have any|need)[^\n]*|feel free to (?:ask|reach out)[^\n]*)$`)
)

// DeAI strips em/en dashes, blacklisted vocabulary, sycophantic openers,
// and chatbot closers.
func DeAI(text string) string {
	if strings.Contains(text, "—") {
		text = strings.ReplaceAll(text, " — ", ", ")
		text = strings.ReplaceAll(text, "—", ", ")
	}
	if strings.Contains(text, "–") {
		text = strings.ReplaceAll(text, " – ", ", ")
		text = strings.ReplaceAll(text, "–", "-")
	}
	lower := strings.ToLower(text)
	for _, v := range aiVocabulary {
		if strings.Contains(lower, v.contains) {
			text = v.re.ReplaceAllString(text, v.repl)
			lower = strings.ToLower(text)
		}
	}
	text = sycophantOpenerRe.ReplaceAllString(text, "")
	text = chatbotCloserRe.ReplaceAllString(text, "")
	return text
}
