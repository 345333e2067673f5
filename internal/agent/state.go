package agent

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lucy-agent/lucy/internal/pipeline"
	"github.com/lucy-agent/lucy/internal/providers"
	"github.com/lucy-agent/lucy/internal/supervisor"
	"github.com/lucy-agent/lucy/internal/tools"
)

// runState is the mutable per-run record. One per run, never shared.
type runState struct {
	turn     int
	tier     string
	traceID  uuid.UUID
	messages []providers.Message
	plan     *supervisor.TaskPlan

	finalText string
	usage     providers.Usage

	started   time.Time
	lastCheck time.Time

	consecutiveErrors int
	totalErrors       int
	llmFailures       int
	emptyResponses    int
	narrations        int
	editCalls         int
	toolCalls         int

	lastTool   string
	lastResult string
	rejected   map[string]bool

	sigCounts  map[string]int
	nameCounts map[string]int
	reports    []supervisor.TurnReport
	modelChain []string
}

func newRunState(req RunRequest, tier string) *runState {
	st := &runState{
		tier:       tier,
		traceID:    req.TraceID,
		started:    time.Now(),
		lastCheck:  time.Now(),
		rejected:   make(map[string]bool),
		sigCounts:  make(map[string]int),
		nameCounts: make(map[string]int),
	}
	if req.SystemPrompt != "" {
		st.messages = append(st.messages, providers.Message{Role: "system", Content: req.SystemPrompt})
	}
	st.messages = append(st.messages, req.History...)
	return st
}

// escalate bumps the tier one step.
func (st *runState) escalate(reason string) {
	st.escalateTo(pipeline.NextTier(st.tier), reason)
}

// escalateTo raises the tier toward the target; the tier never regresses.
func (st *runState) escalateTo(tier, reason string) {
	next := pipeline.MaxTier(st.tier, tier)
	if next == st.tier {
		return
	}
	slog.Info("agent tier escalated", "from", st.tier, "to", next, "reason", reason, "turn", st.turn)
	st.tier = next
}

// recordSignatures tracks repetition across turns. Returns a non-empty
// reason when the loop should break: the same call three times, or one
// tool hammered past its cap.
func (st *runState) recordSignatures(calls []providers.ToolCall) string {
	for _, tc := range calls {
		args, _ := json.Marshal(tc.Arguments) // map keys marshal sorted
		sig := tc.Name + ":" + string(args)
		st.sigCounts[sig]++
		if st.sigCounts[sig] >= loopSignatureLimit {
			return "repeated-call:" + tc.Name
		}

		if isCapExempt(tc.Name) {
			continue
		}
		st.nameCounts[tc.Name]++
		if st.nameCounts[tc.Name] > perToolNameCap {
			return "tool-cap:" + tc.Name
		}
	}
	return ""
}

// Search and workbench tools legitimately repeat with different inputs.
func isCapExempt(name string) bool {
	return strings.Contains(strings.ToLower(name), "search") || tools.IsWorkbenchTool(name)
}

// trimPayload drops the oldest tool results until the conversation fits the
// character budget. System messages and the newest turn survive.
func (st *runState) trimPayload(maxChars int) {
	for st.payloadChars() > maxChars {
		idx := -1
		for i, m := range st.messages {
			if m.Role == "tool" && len(m.Content) > 64 && i < len(st.messages)-2 {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		st.messages[idx].Content = "[dropped earlier tool output to stay within limits]"
	}
}

func (st *runState) payloadChars() int {
	total := 0
	for _, m := range st.messages {
		total += len(m.Content)
	}
	return total
}

// trimContext caps the message count, dropping the oldest non-system
// messages first.
func (st *runState) trimContext(maxMessages int) {
	for len(st.messages) > maxMessages {
		idx := -1
		for i, m := range st.messages {
			if m.Role != "system" {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		st.messages = append(st.messages[:idx], st.messages[idx+1:]...)
	}
}

// reportTurn records a compressed view of one tool call for the supervisor.
func (st *runState) reportTurn(tc providers.ToolCall, resultPreview string, hadError bool) {
	args, _ := json.Marshal(tc.Arguments)
	r := supervisor.TurnReport{
		Turn:            st.turn,
		ToolName:        tc.Name,
		ToolArgsSummary: supervisor.Truncate(string(args), 80),
		ResultPreview:   supervisor.Truncate(resultPreview, 100),
		HadError:        hadError,
	}
	if hadError {
		r.ErrorSummary = supervisor.Truncate(resultPreview, 100)
	}
	st.reports = append(st.reports, r)
}

// recentReports returns the last three turn reports.
func (st *runState) recentReports() []supervisor.TurnReport {
	if len(st.reports) <= 3 {
		return st.reports
	}
	return st.reports[len(st.reports)-3:]
}

// modelChainAdd appends a model unless it is already the chain's tail.
func (st *runState) modelChainAdd(model string) {
	if n := len(st.modelChain); n > 0 && st.modelChain[n-1] == model {
		return
	}
	st.modelChain = append(st.modelChain, model)
}

func (st *runState) result() *RunResult {
	return &RunResult{
		Content:    st.finalText,
		Tier:       st.tier,
		Turns:      st.turn,
		Usage:      st.usage,
		ModelChain: st.modelChain,
	}
}

// ChainString renders the escalation path for trace records.
func (r *RunResult) ChainString() string {
	return strings.Join(r.ModelChain, ",")
}
