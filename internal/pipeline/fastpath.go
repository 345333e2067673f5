package pipeline

import (
	"math/rand"
	"regexp"
	"strings"
	"sync"
)

const fastPathMaxLen = 80

// FastPathResult says whether a message can be answered without an agent run.
type FastPathResult struct {
	IsFast   bool
	Response string
	Reason   string
}

// fastCategory ties a trigger pattern to a variation-pool key and a
// fallback used when the pool is cold.
type fastCategory struct {
	name     string
	re       *regexp.Regexp
	fallback string
}

var fastCategories = []fastCategory{
	{"greeting",
		regexp.MustCompile(`(?i)^\s*(hi|hiya|hello|hey|yo|good\s+(morning|afternoon|evening)|morning)\s*[!.]*\s*$`),
		"Hey! What's on your plate today?"},
	{"thanks",
		regexp.MustCompile(`(?i)^\s*(thanks|thank\s+you|thx|ty)\s*[!.]*\s*$`),
		"Anytime!"},
	{"confirmation",
		regexp.MustCompile(`(?i)^\s*(ok(ay)?|cool|got\s+it|sounds\s+good|perfect|great|sure)\s*[!.]*\s*$`),
		"Sounds good."},
}

// toolKeywords disqualify the fast path: the message wants real work.
var toolKeywords = regexp.MustCompile(`(?i)\b(send|schedule|create|update|delete|check|find|search|look\s+up|email|calendar|remind|book|draft|write|fix|run)\b`)

// VariationPool serves pre-generated response variants with a random draw.
// Pools start cold; a refresher fills them out of band.
type VariationPool struct {
	mu       sync.Mutex
	variants map[string][]string
}

func NewVariationPool() *VariationPool {
	return &VariationPool{variants: make(map[string][]string)}
}

// Fill replaces the variants for one category.
func (p *VariationPool) Fill(category string, variants []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.variants[category] = variants
}

// Draw returns a random variant, or "" when the pool is cold.
func (p *VariationPool) Draw(category string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	vs := p.variants[category]
	if len(vs) == 0 {
		return ""
	}
	return vs[rand.Intn(len(vs))]
}

// EvaluateFastPath decides whether a message gets an immediate canned reply.
// Long messages, threaded messages, and anything mentioning real work go to
// the full pipeline.
func EvaluateFastPath(message string, threadDepth int, pool *VariationPool) FastPathResult {
	trimmed := strings.TrimSpace(message)
	if len(trimmed) > fastPathMaxLen {
		return FastPathResult{Reason: "too-long"}
	}
	if threadDepth > 0 {
		return FastPathResult{Reason: "in-thread"}
	}
	if toolKeywords.MatchString(trimmed) {
		return FastPathResult{Reason: "tool-keyword"}
	}
	for _, cat := range fastCategories {
		if cat.re.MatchString(trimmed) {
			resp := ""
			if pool != nil {
				resp = pool.Draw(cat.name)
			}
			if resp == "" {
				resp = cat.fallback
			}
			return FastPathResult{IsFast: true, Response: resp, Reason: cat.name}
		}
	}
	return FastPathResult{Reason: "no-trigger"}
}
