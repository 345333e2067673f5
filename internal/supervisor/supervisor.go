// Package supervisor is the cheap meta-LLM that plans complex tasks and
// issues single-letter steering decisions at checkpoints while the agent
// loop runs.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lucy-agent/lucy/internal/providers"
	"github.com/lucy-agent/lucy/internal/ratelimit"
)

// Decision is what the supervisor tells the loop to do.
type Decision int

const (
	Continue Decision = iota
	Intervene
	Replan
	Escalate
	AskUser
	Abort
)

func (d Decision) String() string {
	switch d {
	case Intervene:
		return "intervene"
	case Replan:
		return "replan"
	case Escalate:
		return "escalate"
	case AskUser:
		return "ask_user"
	case Abort:
		return "abort"
	default:
		return "continue"
	}
}

// ParseDecision maps a model reply to a decision. The reply should be a
// single letter; the first standalone letter token wins so prefixes like
// "Decision: E" still parse. Anything unreadable is Continue.
func ParseDecision(s string) Decision {
	tokens := strings.FieldsFunc(strings.ToUpper(s), func(r rune) bool {
		return r < 'A' || r > 'Z'
	})
	for _, tok := range tokens {
		if len(tok) != 1 {
			continue
		}
		switch tok {
		case "C":
			return Continue
		case "I":
			return Intervene
		case "R":
			return Replan
		case "E":
			return Escalate
		case "A":
			return AskUser
		case "X":
			return Abort
		}
	}
	return Continue
}

// PlanStep is one step of a task plan.
type PlanStep struct {
	Description  string `json:"description"`
	ExpectedTool string `json:"expectedTool,omitempty"`
}

// TaskPlan frames what the agent should do and how to know it worked.
type TaskPlan struct {
	Goal            string     `json:"goal"`
	Steps           []PlanStep `json:"steps"`
	SuccessCriteria string     `json:"successCriteria"`
}

// AsSystemMessage renders the plan for injection into the conversation.
func (p *TaskPlan) AsSystemMessage() string {
	var sb strings.Builder
	sb.WriteString("<plan>\nGoal: ")
	sb.WriteString(p.Goal)
	sb.WriteString("\n")
	for i, step := range p.Steps {
		fmt.Fprintf(&sb, "%d. %s", i+1, step.Description)
		if step.ExpectedTool != "" {
			fmt.Fprintf(&sb, " (likely: %s)", step.ExpectedTool)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Done when: ")
	sb.WriteString(p.SuccessCriteria)
	sb.WriteString("\n</plan>")
	return sb.String()
}

// TurnReport is the compressed record of one loop turn fed to evaluation.
type TurnReport struct {
	Turn            int
	ToolName        string
	ToolArgsSummary string // <= 80 chars
	ResultPreview   string // <= 100 chars
	HadError        bool
	ErrorSummary    string
}

// planSkipIntents never get a plan.
var planSkipIntents = map[string]bool{
	"greeting":     true,
	"confirmation": true,
	"followup":     true,
	"command":      true,
	"chat":         true,
}

// NeedsPlan decides whether a task is complex enough to plan first.
// Trivial intents skip; everything else plans unless the ask is under
// eight words.
func NeedsPlan(intent, message string) bool {
	if planSkipIntents[intent] {
		return false
	}
	return len(strings.Fields(message)) >= 8
}

// checkEvery triggers a checkpoint every third turn or once a minute.
const (
	checkMinTurn  = 2
	checkInterval = 60 * time.Second
)

// ShouldCheck reports whether the loop is due for a checkpoint.
func ShouldCheck(turn int, lastCheck time.Time) bool {
	if turn < checkMinTurn {
		return false
	}
	return turn%3 == 0 || time.Since(lastCheck) >= checkInterval
}

// Supervisor plans and evaluates using the fast model tier.
type Supervisor struct {
	provider providers.Provider
	model    string
	limiter  *ratelimit.Limiter
}

func New(provider providers.Provider, fastModel string, limiter *ratelimit.Limiter) *Supervisor {
	return &Supervisor{provider: provider, model: fastModel, limiter: limiter}
}

const planPrompt = `Plan the following task. Reply with only JSON:
{"goal":"...","steps":[{"description":"...","expectedTool":"..."}],"successCriteria":"..."}
Keep it to at most 5 steps. expectedTool may be omitted.`

// CreatePlan asks the fast model for a TaskPlan.
func (s *Supervisor) CreatePlan(ctx context.Context, intent, message string) (*TaskPlan, error) {
	if s.limiter != nil && !s.limiter.AcquireModel(ctx, s.model, 30*time.Second) {
		return nil, fmt.Errorf("plan creation rate limited")
	}
	resp, err := s.provider.Chat(ctx, providers.ChatRequest{
		Model:       s.model,
		Temperature: 0.2,
		Messages: []providers.Message{
			{Role: "system", Content: planPrompt},
			{Role: "user", Content: fmt.Sprintf("Intent: %s\nTask: %s", intent, message)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}

	plan, err := parsePlan(resp.Content)
	if err != nil {
		slog.Warn("supervisor: unparseable plan, continuing without one", "error", err)
		return nil, err
	}
	return plan, nil
}

// parsePlan tolerates prose around the JSON object.
func parsePlan(content string) (*TaskPlan, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in plan output")
	}
	var plan TaskPlan
	if err := json.Unmarshal([]byte(content[start:end+1]), &plan); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if plan.Goal == "" {
		return nil, fmt.Errorf("plan missing goal")
	}
	return &plan, nil
}

const evalPrompt = `You supervise an agent working through a task. Given the plan and the
last few turns, reply with exactly one letter:
C continue, it is on track
I intervene, it needs a course correction
R replan, the plan no longer fits
E escalate, it needs a stronger model
A ask the user a clarifying question
X abort, this is not going to work
Reply with the single letter only.`

// EvalInput is everything evaluation sees.
type EvalInput struct {
	Plan              *TaskPlan
	Reports           []TurnReport // last 3
	TotalErrors       int
	ConsecutiveErrors int
	Elapsed           time.Duration
	ResponseLen       int
	Model             string
}

// EvaluateProgress asks for one steering letter. Failures degrade to
// Continue; supervision must never sink the run it watches.
func (s *Supervisor) EvaluateProgress(ctx context.Context, in EvalInput) Decision {
	if s.limiter != nil && !s.limiter.AcquireModel(ctx, s.model, 15*time.Second) {
		return Continue
	}

	var sb strings.Builder
	if in.Plan != nil {
		sb.WriteString(in.Plan.AsSystemMessage())
		sb.WriteString("\n\n")
	}
	for _, r := range in.Reports {
		status := "ok"
		if r.HadError {
			status = "ERROR " + r.ErrorSummary
		}
		fmt.Fprintf(&sb, "turn %d: %s(%s) -> %s [%s]\n", r.Turn, r.ToolName, r.ToolArgsSummary, r.ResultPreview, status)
	}
	fmt.Fprintf(&sb, "errors: %d total, %d consecutive; elapsed %ds; drafted %d chars; model %s\n",
		in.TotalErrors, in.ConsecutiveErrors, int(in.Elapsed.Seconds()), in.ResponseLen, in.Model)

	resp, err := s.provider.Chat(ctx, providers.ChatRequest{
		Model:       s.model,
		Temperature: 0,
		MaxTokens:   4,
		Messages: []providers.Message{
			{Role: "system", Content: evalPrompt},
			{Role: "user", Content: sb.String()},
		},
	})
	if err != nil {
		slog.Warn("supervisor: evaluation failed, continuing", "error", err)
		return Continue
	}
	return ParseDecision(resp.Content)
}

// Truncate clamps a string for a turn report field.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
