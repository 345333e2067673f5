// Package agent implements the bounded multi-turn LLM-and-tool execution
// engine: one Run is a conversation with the model in which tool calls are
// dispatched in parallel, pathological patterns are detected and broken,
// the model tier escalates monotonically on trouble, and the result is
// finalized under cooperative cancellation and an absolute wall clock.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lucy-agent/lucy/internal/approval"
	"github.com/lucy-agent/lucy/internal/config"
	"github.com/lucy-agent/lucy/internal/pipeline"
	"github.com/lucy-agent/lucy/internal/providers"
	"github.com/lucy-agent/lucy/internal/ratelimit"
	"github.com/lucy-agent/lucy/internal/store"
	"github.com/lucy-agent/lucy/internal/supervisor"
	"github.com/lucy-agent/lucy/internal/tools"
	"github.com/lucy-agent/lucy/internal/tracing"
	"github.com/lucy-agent/lucy/internal/workspace"
)

// Soft limits. None is a hard timeout; governance belongs to the supervisor.
const (
	ToolResultMaxChars     = 16000
	ToolResultSummaryChars = 8000
	maxEditFileCalls       = 2
	perToolNameCap         = 4
	loopSignatureLimit     = 3
	stuckErrorRun          = 3
)

// Terminal conditions the gateway maps to task states.
var (
	ErrApprovalExpired = errors.New("approval-expired")
	ErrCancelled       = errors.New("cancelled")
)

// Notifier posts interim messages (progress lines, approval interstitials,
// clarifying questions) to chat while a run is still going.
type Notifier interface {
	Post(channelID, threadID, text string)
}

// Loop executes agent runs. One Loop serves the whole process; per-run
// state lives on the stack of Run.
type Loop struct {
	cfg        *config.Config
	provider   providers.Provider
	dispatcher *tools.Dispatcher
	limiter    *ratelimit.Limiter
	supervisor *supervisor.Supervisor
	approvals  *approval.Manager
	store      *store.Store
	collector  *tracing.Collector
	notifier   Notifier
}

// LoopConfig wires a Loop.
type LoopConfig struct {
	Config     *config.Config
	Provider   providers.Provider
	Dispatcher *tools.Dispatcher
	Limiter    *ratelimit.Limiter
	Supervisor *supervisor.Supervisor
	Approvals  *approval.Manager
	Store      *store.Store
	Collector  *tracing.Collector
	Notifier   Notifier
}

func NewLoop(cfg LoopConfig) *Loop {
	return &Loop{
		cfg:        cfg.Config,
		provider:   cfg.Provider,
		dispatcher: cfg.Dispatcher,
		limiter:    cfg.Limiter,
		supervisor: cfg.Supervisor,
		approvals:  cfg.Approvals,
		store:      cfg.Store,
		collector:  cfg.Collector,
		notifier:   cfg.Notifier,
	}
}

// RunRequest is the input for one agent run.
type RunRequest struct {
	Workspace    *workspace.Workspace
	TaskID       uuid.UUID
	TraceID      uuid.UUID
	ChannelID    string
	ThreadID     string
	UserID       string
	Message      string
	SystemPrompt string
	History      []providers.Message
	Intent       string
	Tier         string
	IsScheduled  bool

	// Caps; zero means the configured defaults. Sub-agents set their own.
	MaxTurns        int
	MaxPayloadChars int
	ToolDefs        []providers.ToolDefinition
}

// RunResult is the outcome of a completed run.
type RunResult struct {
	Content    string
	Tier       string // final tier after any escalation
	Turns      int
	Usage      providers.Usage
	ModelChain []string
}

// Run executes the request, retrying once with a failure summary when the
// first attempt fails unrecovered. The model tier never regresses across
// the retry.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	res, err := l.run(ctx, req, "", 0)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, ErrApprovalExpired) || ctx.Err() != nil {
		return res, err
	}

	slog.Warn("agent run failed, retrying once",
		"workspace", wsID(req.Workspace), "task", req.TaskID, "error", err)
	retry := req
	if res != nil {
		retry.Tier = pipeline.MaxTier(req.Tier, res.Tier)
	}
	return l.run(ctx, retry, "A previous attempt failed: "+err.Error(), 1)
}

func (l *Loop) run(ctx context.Context, req RunRequest, failureContext string, retryDepth int) (*RunResult, error) {
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = l.cfg.Agent.MaxToolTurns
	}
	maxPayload := req.MaxPayloadChars
	if maxPayload <= 0 {
		maxPayload = l.cfg.Agent.MaxPayloadChars
	}
	maxContext := l.cfg.Agent.MaxContextMessages

	// The absolute cap is a catastrophic safety net, not a deadline the
	// loop plans around.
	runCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, l.cfg.Agent.AbsoluteMax)
		defer cancel()
	}

	tier := req.Tier
	if tier == "" {
		tier = pipeline.TierDefault
	}

	st := newRunState(req, tier)

	// Plan complex work before the first turn.
	if l.supervisor != nil && supervisor.NeedsPlan(req.Intent, req.Message) {
		if plan, err := l.supervisor.CreatePlan(runCtx, req.Intent, req.Message); err == nil {
			st.plan = plan
			st.messages = append(st.messages, providers.Message{Role: "system", Content: plan.AsSystemMessage()})
		}
	}
	if failureContext != "" {
		st.messages = append(st.messages, providers.Message{
			Role:    "system",
			Content: "Previous attempt context: " + failureContext + "\nFix what went wrong; do not repeat it.",
		})
	}
	st.messages = append(st.messages, providers.Message{Role: "user", Content: req.Message})

	toolDefs := req.ToolDefs
	if toolDefs == nil {
		toolDefs = l.dispatcher.Definitions()
	}

	for st.turn < maxTurns {
		if runCtx.Err() != nil {
			return l.finishCancelled(req, st)
		}
		st.turn++

		resp, err := l.callLLM(runCtx, st, toolDefs)
		if err != nil {
			if runCtx.Err() != nil {
				return l.finishCancelled(req, st)
			}
			var httpErr *providers.HTTPError
			if errors.As(err, &httpErr) && httpErr.Status == 400 {
				// A 400 usually means the payload confused the model
				// family; the frontier model copes best.
				st.escalateTo(pipeline.TierFrontier, "llm-400")
				continue
			}
			// Transient retries already happened in the provider; escalate
			// and go on.
			st.escalate("llm-transient")
			st.llmFailures++
			if st.llmFailures >= 3 {
				return st.result(), fmt.Errorf("llm calls kept failing: %w", err)
			}
			continue
		}

		// Empty response: nudge once, then escalate.
		if resp.Content == "" && len(resp.ToolCalls) == 0 {
			st.emptyResponses++
			if st.emptyResponses == 1 {
				st.messages = append(st.messages, providers.Message{Role: "user", Content: "please continue"})
			} else {
				st.escalate("llm-malformed")
			}
			continue
		}

		// Final answer, unless the model is narrating instead of acting.
		if len(resp.ToolCalls) == 0 {
			if st.narrations == 0 && looksLikeNarration(resp.Content) {
				st.narrations++
				st.messages = append(st.messages,
					providers.Message{Role: "assistant", Content: resp.Content},
					providers.Message{Role: "system", Content: "Do not describe the action. Call the tool that performs it."})
				continue
			}
			st.finalText = resp.Content
			break
		}

		st.messages = append(st.messages, providers.Message{
			Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls,
		})

		// Loop detection before dispatch: identical signatures and
		// per-tool-name caps.
		if broke := st.recordSignatures(resp.ToolCalls); broke != "" {
			slog.Info("agent loop broken", "workspace", wsID(req.Workspace), "reason", broke, "turn", st.turn)
			st.finalText = l.partialResult(st)
			st.escalate("stuck-loop")
			break
		}

		if st.turn == 3 || (st.turn > 3 && (st.turn-3)%5 == 0) {
			l.postProgress(req, st)
		}

		if err := l.runTools(runCtx, req, st, resp.ToolCalls); err != nil {
			if errors.Is(err, ErrApprovalExpired) {
				return st.result(), err
			}
			if runCtx.Err() != nil || errors.Is(err, ErrCancelled) {
				return l.finishCancelled(req, st)
			}
			return st.result(), err
		}

		// Mid-loop tier shifts from what the tools revealed.
		for _, tc := range resp.ToolCalls {
			if tools.IsWorkbenchTool(tc.Name) {
				st.escalateTo(pipeline.TierCode, "code-execution")
			}
			if tc.Name == "lucy_write_file" {
				st.editCalls++
				if st.editCalls >= maxEditFileCalls {
					st.escalateTo(pipeline.TierFrontier, "multi-edit")
				}
			}
		}

		st.trimPayload(maxPayload)
		st.trimContext(maxContext)

		// Stuck detection: a run of erroring tool results.
		if st.consecutiveErrors >= stuckErrorRun {
			st.messages = append(st.messages, providers.Message{
				Role:    "system",
				Content: "The last few calls all failed. Step back, reconsider the approach, and try a different route.",
			})
			st.escalate("stuck")
			st.consecutiveErrors = 0
		}

		if l.supervisor != nil && supervisor.ShouldCheck(st.turn, st.lastCheck) {
			done, err := l.checkpoint(runCtx, req, st)
			if err != nil {
				return st.result(), err
			}
			if done {
				break
			}
		}
	}

	if st.finalText == "" {
		st.finalText = l.partialResult(st)
	}

	// Post-loop gates: a weak answer earns one escalated re-run.
	if retryDepth == 0 && st.tier != pipeline.TierFrontier {
		if issues := reviewFinalText(st.finalText, req); len(issues) > 0 {
			slog.Info("agent result failed review, escalating",
				"workspace", wsID(req.Workspace), "issues", strings.Join(issues, "; "))
			retry := req
			retry.Tier = pipeline.NextTier(st.tier)
			res, err := l.run(ctx, retry, "The previous answer had problems: "+strings.Join(issues, "; "), retryDepth+1)
			if err == nil {
				return res, nil
			}
		}
	}

	return st.result(), nil
}

// callLLM acquires the model bucket, makes the call, and records the span.
// Transient-failure retries live in the provider, not here.
func (l *Loop) callLLM(ctx context.Context, st *runState, toolDefs []providers.ToolDefinition) (*providers.ChatResponse, error) {
	model := l.cfg.ModelForTier(st.tier)
	if l.limiter != nil && !l.limiter.AcquireModel(ctx, model, 2*time.Minute) {
		return nil, &providers.HTTPError{Status: 429, Body: "local model bucket exhausted"}
	}

	start := time.Now().UTC()
	resp, err := l.provider.Chat(ctx, providers.ChatRequest{
		Model:       model,
		Messages:    st.messages,
		Tools:       toolDefs,
		Temperature: 0.7,
		MaxTokens:   8192,
	})

	if l.collector != nil {
		span := store.SpanData{
			TraceID:    st.traceID,
			SpanType:   store.SpanTypeLLMCall,
			Name:       fmt.Sprintf("%s #%d", model, st.turn),
			Model:      model,
			StartTime:  start,
			DurationMS: int(time.Since(start).Milliseconds()),
			Status:     store.StatusCompleted,
		}
		if err != nil {
			span.Status = store.StatusError
			span.Error = err.Error()
		} else if resp.Usage != nil {
			span.PromptTokens = resp.Usage.PromptTokens
			span.CompletionTokens = resp.Usage.CompletionTokens
		}
		l.collector.EmitSpan(span)
	}
	if err != nil {
		return nil, err
	}

	st.modelChainAdd(model)
	if resp.Usage != nil {
		st.usage.Add(resp.Usage)
	}
	return resp, nil
}

// runTools guards destructive calls behind approval, dispatches the turn's
// calls in parallel, and folds the results back in call order.
func (l *Loop) runTools(ctx context.Context, req RunRequest, st *runState, calls []providers.ToolCall) error {
	exec := make([]providers.ToolCall, 0, len(calls))
	for _, tc := range calls {
		if tools.IsDestructive(tc.Name) {
			if err := l.awaitApproval(ctx, req, st, tc); err != nil {
				return err
			}
			if st.rejected[tc.ID] {
				continue
			}
		}
		exec = append(exec, tc)
	}

	runCtx := ctx
	if req.IsScheduled {
		runCtx = tools.WithScheduledRun(ctx)
	}

	start := time.Now().UTC()
	results := l.dispatcher.Dispatch(runCtx, req.Workspace, exec)
	byID := make(map[string]*tools.Result, len(exec))
	for i := range exec {
		byID[exec[i].ID] = results[i]
	}

	for _, tc := range calls {
		res := byID[tc.ID]
		if res == nil {
			// Rejected in approval; the model must know the action was not taken.
			st.messages = append(st.messages, providers.Message{
				Role: "tool", Content: "The user declined this action. Do not retry it; finish with what you have.", ToolCallID: tc.ID,
			})
			continue
		}
		content := res.ForLLM
		if len(content) > ToolResultMaxChars {
			content = content[:ToolResultMaxChars] + "\n[truncated]"
		} else if len(content) > ToolResultSummaryChars {
			content = l.summarizeResult(runCtx, content)
		}
		st.messages = append(st.messages, providers.Message{
			Role: "tool", Content: content, ToolCallID: tc.ID,
		})

		if res.IsError {
			st.consecutiveErrors++
			st.totalErrors++
		} else {
			st.consecutiveErrors = 0
		}
		st.lastTool = tc.Name
		st.lastResult = content
		st.toolCalls++
		st.reportTurn(tc, content, res.IsError)

		if l.collector != nil {
			argsJSON, _ := json.Marshal(tc.Arguments)
			status := store.StatusCompleted
			if res.IsError {
				status = store.StatusError
			}
			l.collector.EmitSpan(store.SpanData{
				TraceID:       st.traceID,
				SpanType:      store.SpanTypeToolCall,
				Name:          tc.Name,
				ToolName:      tc.Name,
				InputPreview:  tracing.TruncatePreview(string(argsJSON), 500),
				OutputPreview: tracing.TruncatePreview(content, 500),
				StartTime:     start,
				DurationMS:    int(time.Since(start).Milliseconds()),
				Status:        status,
			})
		}
	}
	return ctx.Err()
}

// awaitApproval suspends the run until a person rules on a destructive call.
func (l *Loop) awaitApproval(ctx context.Context, req RunRequest, st *runState, tc providers.ToolCall) error {
	if l.approvals == nil {
		return nil
	}

	summary := fmt.Sprintf("I'd like to %s. OK to go ahead?", describeCall(tc))
	areq := l.approvals.Create(req.TaskID, wsID(req.Workspace), tc.Name, summary)

	if l.store != nil && req.TaskID != uuid.Nil {
		rec := &store.ApprovalData{TaskID: req.TaskID, WorkspaceID: wsID(req.Workspace), ToolName: tc.Name}
		if err := l.store.CreateApproval(ctx, rec); err == nil {
			areq.ID = rec.ID.String()
			l.approvals.Adopt(areq)
		}
		if err := l.store.TransitionTask(ctx, req.TaskID, store.TaskPendingApproval, ""); err != nil {
			slog.Warn("agent: task suspend transition failed", "task", req.TaskID, "error", err)
		}
	}
	if l.notifier != nil {
		l.notifier.Post(req.ChannelID, req.ThreadID, summary+fmt.Sprintf(" (approval %s)", areq.ID))
	}

	decision := l.approvals.Await(ctx, areq)

	if l.store != nil && req.TaskID != uuid.Nil {
		if id, err := uuid.Parse(areq.ID); err == nil {
			state := store.ApprovalExpired
			switch decision {
			case approval.Approved:
				state = store.ApprovalApproved
			case approval.Rejected:
				state = store.ApprovalRejected
			}
			_ = l.store.ResolveApproval(context.WithoutCancel(ctx), id, state)
		}
		if decision == approval.Approved || decision == approval.Rejected {
			if err := l.store.TransitionTask(ctx, req.TaskID, store.TaskRunning, ""); err != nil {
				slog.Warn("agent: task resume transition failed", "task", req.TaskID, "error", err)
			}
		}
	}

	switch decision {
	case approval.Approved:
		return nil
	case approval.Rejected:
		st.rejected[tc.ID] = true
		return nil
	case approval.Cancelled:
		return ErrCancelled
	default:
		return ErrApprovalExpired
	}
}

// summarizeResult compresses an oversized tool result with the fast model.
// Falls back to truncation when summarization is unavailable.
func (l *Loop) summarizeResult(ctx context.Context, content string) string {
	model := l.cfg.ModelForTier(pipeline.TierFast)
	if l.limiter != nil && !l.limiter.AcquireModel(ctx, model, 15*time.Second) {
		return content[:ToolResultSummaryChars] + "\n[truncated]"
	}
	resp, err := l.provider.Chat(ctx, providers.ChatRequest{
		Model:       model,
		Temperature: 0,
		MaxTokens:   1024,
		Messages: []providers.Message{
			{Role: "system", Content: "Summarize this tool output. Keep every concrete fact, figure, name, and identifier. Drop boilerplate."},
			{Role: "user", Content: content},
		},
	})
	if err != nil || resp.Content == "" {
		return content[:ToolResultSummaryChars] + "\n[truncated]"
	}
	return "[summarized] " + resp.Content
}

// checkpoint consults the supervisor. Returns done=true when the loop
// should break with the current state.
func (l *Loop) checkpoint(ctx context.Context, req RunRequest, st *runState) (bool, error) {
	st.lastCheck = time.Now()
	decision := l.supervisor.EvaluateProgress(ctx, supervisor.EvalInput{
		Plan:              st.plan,
		Reports:           st.recentReports(),
		TotalErrors:       st.totalErrors,
		ConsecutiveErrors: st.consecutiveErrors,
		Elapsed:           time.Since(st.started),
		ResponseLen:       len(st.finalText),
		Model:             l.cfg.ModelForTier(st.tier),
	})

	switch decision {
	case supervisor.Intervene:
		st.messages = append(st.messages, providers.Message{
			Role:    "system",
			Content: "Progress check: you are drifting. Re-read the plan and take the most direct next step.",
		})
	case supervisor.Replan:
		if plan, err := l.supervisor.CreatePlan(ctx, req.Intent, req.Message); err == nil {
			st.plan = plan
			st.messages = append(st.messages, providers.Message{Role: "system", Content: plan.AsSystemMessage()})
			st.consecutiveErrors = 0
		}
	case supervisor.Escalate:
		st.escalate("supervisor")
	case supervisor.AskUser:
		if l.notifier != nil {
			l.notifier.Post(req.ChannelID, req.ThreadID,
				"Quick question before I keep going: could you clarify what exactly you need here?")
		}
		st.finalText = l.partialResult(st)
		return true, nil
	case supervisor.Abort:
		st.finalText = "I looked into this but it isn't going anywhere useful, so I stopped rather than burn more time. " + l.partialResult(st)
		return true, nil
	}
	return false, nil
}

func (l *Loop) postProgress(req RunRequest, st *runState) {
	if l.notifier == nil || req.IsScheduled {
		return
	}
	hint := req.Message
	if len(hint) > 60 {
		hint = hint[:60]
	}
	l.notifier.Post(req.ChannelID, req.ThreadID, fmt.Sprintf("Still on it (%s)... %s", hint, progressLine(st.turn)))
}

func (l *Loop) finishCancelled(req RunRequest, st *runState) (*RunResult, error) {
	if l.notifier != nil {
		l.notifier.Post(req.ChannelID, req.ThreadID, "Stopped. Let me know if you want me to pick it back up.")
	}
	res := st.result()
	return res, ErrCancelled
}

func wsID(ws *workspace.Workspace) string {
	if ws == nil {
		return ""
	}
	return ws.ID()
}

func describeCall(tc providers.ToolCall) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(tc.Name, tools.InternalPrefix)), "_", " ")
}
