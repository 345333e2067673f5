package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucy-agent/lucy/internal/approval"
	"github.com/lucy-agent/lucy/internal/config"
	"github.com/lucy-agent/lucy/internal/pipeline"
	"github.com/lucy-agent/lucy/internal/providers"
	"github.com/lucy-agent/lucy/internal/tools"
	"github.com/lucy-agent/lucy/internal/workspace"
)

// fakeProvider scripts responses by call index and records every request.
type fakeProvider struct {
	mu   sync.Mutex
	fn   func(call int, req providers.ChatRequest) (*providers.ChatResponse, error)
	reqs []providers.ChatRequest
}

func (p *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	n := len(p.reqs)
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()
	return p.fn(n, req)
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reqs)
}

func (p *fakeProvider) request(i int) providers.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reqs[i]
}

type fakeNotifier struct {
	mu     sync.Mutex
	posts  []string
	onPost func(text string)
}

func (n *fakeNotifier) Post(channelID, threadID, text string) {
	n.mu.Lock()
	n.posts = append(n.posts, text)
	cb := n.onPost
	n.mu.Unlock()
	if cb != nil {
		cb(text)
	}
}

func testWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.NewManager(t.TempDir()).Get("T1")
	require.NoError(t, err)
	return ws
}

func testLoop(t *testing.T, p providers.Provider, notifier Notifier, approvals *approval.Manager) *Loop {
	t.Helper()
	cfg := &config.Config{}
	cfg.ApplyDefaults()

	reg := tools.NewRegistry()
	reg.Register(tools.Tool{
		Def: providers.ToolDefinition{Type: "function", Function: providers.ToolFunctionSchema{
			Name: "lucy_echo", Description: "echo", Parameters: map[string]any{"type": "object"},
		}},
		Handler: func(ctx context.Context, ws *workspace.Workspace, args map[string]any) *tools.Result {
			return tools.NewResult("echo: " + tools.OptionalString(args, "text"))
		},
	})
	reg.Register(tools.Tool{
		Def: providers.ToolDefinition{Type: "function", Function: providers.ToolFunctionSchema{
			Name: "lucy_fail", Description: "always errors", Parameters: map[string]any{"type": "object"},
		}},
		Handler: func(ctx context.Context, ws *workspace.Workspace, args map[string]any) *tools.Result {
			return tools.ErrorResult(tools.KindFatal, "boom", false)
		},
	})

	return NewLoop(LoopConfig{
		Config:     cfg,
		Provider:   p,
		Dispatcher: &tools.Dispatcher{Registry: reg},
		Approvals:  approvals,
		Notifier:   notifier,
	})
}

func TestRunDirectAnswer(t *testing.T) {
	p := &fakeProvider{fn: func(call int, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{Content: "All three PRs are merged.", Usage: &providers.Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
	}}
	l := testLoop(t, p, nil, nil)

	res, err := l.Run(context.Background(), RunRequest{
		Workspace: testWorkspace(t),
		Message:   "did the PRs land?",
		Intent:    "chat",
		Tier:      pipeline.TierDefault,
	})
	require.NoError(t, err)
	assert.Equal(t, "All three PRs are merged.", res.Content)
	assert.Equal(t, 1, res.Turns)
	assert.Equal(t, pipeline.TierDefault, res.Tier)
	assert.Equal(t, []string{"gpt-4o"}, res.ModelChain)
	assert.Equal(t, 10, res.Usage.PromptTokens)
}

func TestRunToolThenAnswer(t *testing.T) {
	p := &fakeProvider{fn: func(call int, req providers.ChatRequest) (*providers.ChatResponse, error) {
		if call == 0 {
			return &providers.ChatResponse{ToolCalls: []providers.ToolCall{
				{ID: "c1", Name: "lucy_echo", Arguments: map[string]any{"text": "ping"}},
			}}, nil
		}
		return &providers.ChatResponse{Content: "It said: ping."}, nil
	}}
	l := testLoop(t, p, nil, nil)

	res, err := l.Run(context.Background(), RunRequest{
		Workspace: testWorkspace(t),
		Message:   "run the echo",
		Intent:    "chat",
	})
	require.NoError(t, err)
	assert.Equal(t, "It said: ping.", res.Content)
	assert.Equal(t, 2, res.Turns)

	// The tool result went back into the conversation for the second call.
	second := p.request(1)
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
	assert.Contains(t, last.Content, "echo: ping")
}

func TestEmptyResponseNudgeThenEscalate(t *testing.T) {
	p := &fakeProvider{fn: func(call int, req providers.ChatRequest) (*providers.ChatResponse, error) {
		if call < 2 {
			return &providers.ChatResponse{}, nil
		}
		return &providers.ChatResponse{Content: "All set."}, nil
	}}
	l := testLoop(t, p, nil, nil)

	res, err := l.Run(context.Background(), RunRequest{
		Workspace: testWorkspace(t),
		Message:   "quick check please",
		Intent:    "chat",
		Tier:      pipeline.TierDefault,
	})
	require.NoError(t, err)
	assert.Equal(t, "All set.", res.Content)

	// First empty reply earned a nudge, second an escalation.
	nudge := p.request(1)
	assert.Equal(t, "please continue", nudge.Messages[len(nudge.Messages)-1].Content)
	assert.Equal(t, pipeline.TierCode, res.Tier)
	assert.Equal(t, []string{"gpt-4o", "claude-sonnet-4"}, res.ModelChain)
}

func TestNarrationCorrected(t *testing.T) {
	p := &fakeProvider{fn: func(call int, req providers.ChatRequest) (*providers.ChatResponse, error) {
		if call == 0 {
			return &providers.ChatResponse{Content: "Let me check the calendar for you."}, nil
		}
		return &providers.ChatResponse{Content: "You have 3 meetings today."}, nil
	}}
	l := testLoop(t, p, nil, nil)

	res, err := l.Run(context.Background(), RunRequest{
		Workspace: testWorkspace(t),
		Message:   "what's on my calendar?",
		Intent:    "lookup",
	})
	require.NoError(t, err)
	assert.Equal(t, "You have 3 meetings today.", res.Content)

	second := p.request(1)
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, "system", last.Role)
	assert.Contains(t, last.Content, "Call the tool")
}

func TestIdenticalCallsBreakTheLoop(t *testing.T) {
	p := &fakeProvider{fn: func(call int, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{ToolCalls: []providers.ToolCall{
			{ID: "c", Name: "lucy_echo", Arguments: map[string]any{"text": "same"}},
		}}, nil
	}}
	l := testLoop(t, p, nil, nil)

	res, err := l.Run(context.Background(), RunRequest{
		Workspace: testWorkspace(t),
		Message:   "do the thing",
		Intent:    "chat",
		Tier:      pipeline.TierDefault,
		MaxTurns:  20,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, p.calls(), "third identical signature breaks before dispatch")
	assert.Contains(t, res.Content, "partway")
	assert.Equal(t, pipeline.TierCode, res.Tier, "stuck loop escalates")
}

func TestMonotonicTier(t *testing.T) {
	st := newRunState(RunRequest{}, pipeline.TierCode)

	st.escalateTo(pipeline.TierFast, "x")
	assert.Equal(t, pipeline.TierCode, st.tier, "tier never regresses")

	st.escalate("y")
	assert.Equal(t, pipeline.TierResearch, st.tier)
	st.escalateTo(pipeline.TierFrontier, "z")
	assert.Equal(t, pipeline.TierFrontier, st.tier)
	st.escalate("w")
	assert.Equal(t, pipeline.TierFrontier, st.tier, "frontier is the ceiling")
}

func TestRejectedApprovalSkipsTheCall(t *testing.T) {
	approvals := approval.NewManager(0)
	notifier := &fakeNotifier{}
	notifier.onPost = func(text string) {
		// The interstitial carries the approval ID; reject it like a user would.
		if i := strings.Index(text, "(approval "); i >= 0 {
			id := strings.TrimSuffix(text[i+len("(approval "):], ")")
			go approvals.Resolve(id, "T1", approval.Rejected)
		}
	}

	p := &fakeProvider{fn: func(call int, req providers.ChatRequest) (*providers.ChatResponse, error) {
		if call == 0 {
			return &providers.ChatResponse{ToolCalls: []providers.ToolCall{
				{ID: "c1", Name: "GMAIL_SEND_EMAIL", Arguments: map[string]any{"to": "a@b.c"}},
			}}, nil
		}
		return &providers.ChatResponse{Content: "Okay, I won't send it."}, nil
	}}
	l := testLoop(t, p, notifier, approvals)

	res, err := l.Run(context.Background(), RunRequest{
		Workspace: testWorkspace(t),
		Message:   "send the email",
		Intent:    "tool_use",
	})
	require.NoError(t, err)
	assert.Equal(t, "Okay, I won't send it.", res.Content)

	// The send never dispatched; the model saw the refusal instead.
	second := p.request(1)
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Contains(t, last.Content, "declined")
}

func TestCancelDuringApproval(t *testing.T) {
	approvals := approval.NewManager(0)
	ctx, cancel := context.WithCancel(context.Background())
	notifier := &fakeNotifier{onPost: func(text string) {
		if strings.Contains(text, "(approval ") {
			go cancel()
		}
	}}

	p := &fakeProvider{fn: func(call int, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{ToolCalls: []providers.ToolCall{
			{ID: "c1", Name: "CAL_DELETE_EVENT", Arguments: map[string]any{"id": "e1"}},
		}}, nil
	}}
	l := testLoop(t, p, notifier, approvals)

	_, err := l.Run(ctx, RunRequest{
		Workspace: testWorkspace(t),
		Message:   "clear my calendar",
		Intent:    "tool_use",
	})
	assert.True(t, errors.Is(err, ErrCancelled))
}

func TestProviderOwnsTransientRetries(t *testing.T) {
	p := &fakeProvider{fn: func(call int, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return nil, &providers.HTTPError{Status: 503, Body: "upstream down"}
	}}
	l := testLoop(t, p, &fakeNotifier{}, nil)

	_, err := l.Run(context.Background(), RunRequest{
		Workspace: testWorkspace(t),
		Message:   "summarize the doc",
		Intent:    "chat",
	})
	require.Error(t, err)

	// One provider call per turn, three turns per attempt, two attempts.
	// The loop itself never re-issues a failed call.
	assert.Equal(t, 6, p.calls())
}

func TestStuckErrorsInjectIntervention(t *testing.T) {
	p := &fakeProvider{fn: func(call int, req providers.ChatRequest) (*providers.ChatResponse, error) {
		if call < 3 {
			return &providers.ChatResponse{ToolCalls: []providers.ToolCall{
				{ID: "c", Name: "lucy_fail", Arguments: map[string]any{"n": float64(call)}},
			}}, nil
		}
		return &providers.ChatResponse{Content: "Switched approach; done."}, nil
	}}
	l := testLoop(t, p, nil, nil)

	res, err := l.Run(context.Background(), RunRequest{
		Workspace: testWorkspace(t),
		Message:   "try it",
		Intent:    "chat",
		Tier:      pipeline.TierDefault,
	})
	require.NoError(t, err)
	assert.Equal(t, "Switched approach; done.", res.Content)

	fourth := p.request(3)
	var intervened bool
	for _, m := range fourth.Messages {
		if m.Role == "system" && strings.Contains(m.Content, "different route") {
			intervened = true
		}
	}
	assert.True(t, intervened, "three consecutive tool errors inject a course correction")
	assert.Equal(t, pipeline.TierCode, res.Tier)
}

func TestWeakAnswerEscalatesOnce(t *testing.T) {
	p := &fakeProvider{fn: func(call int, req providers.ChatRequest) (*providers.ChatResponse, error) {
		if req.Model == "claude-sonnet-4" {
			return &providers.ChatResponse{Content: "Q2 revenue came in at 1.4M, up 12% over Q1's 1.25M."}, nil
		}
		return &providers.ChatResponse{Content: "I couldn't find anything."}, nil
	}}
	l := testLoop(t, p, nil, nil)

	res, err := l.Run(context.Background(), RunRequest{
		Workspace: testWorkspace(t),
		Message:   "pull the quarterly revenue numbers and compare them against last quarter for the board deck",
		Intent:    "data",
		Tier:      pipeline.TierDefault,
	})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "1.4M")
	assert.Equal(t, pipeline.TierCode, res.Tier)
}

func TestTrimContextKeepsSystem(t *testing.T) {
	st := newRunState(RunRequest{SystemPrompt: "you are lucy"}, pipeline.TierDefault)
	for i := 0; i < 50; i++ {
		st.messages = append(st.messages, providers.Message{Role: "user", Content: "m"})
	}
	st.trimContext(40)
	assert.Len(t, st.messages, 40)
	assert.Equal(t, "system", st.messages[0].Role)
}

func TestTrimPayloadDropsOldToolOutput(t *testing.T) {
	st := newRunState(RunRequest{}, pipeline.TierDefault)
	big := strings.Repeat("x", 5000)
	for i := 0; i < 10; i++ {
		st.messages = append(st.messages,
			providers.Message{Role: "assistant", Content: "calling"},
			providers.Message{Role: "tool", Content: big},
		)
	}
	st.trimPayload(20_000)
	assert.LessOrEqual(t, st.payloadChars(), 20_000)
	assert.Contains(t, st.messages[1].Content, "dropped earlier tool output")
	// Newest tool result survives intact.
	assert.Equal(t, big, st.messages[len(st.messages)-1].Content)
}

func TestReviewFinalText(t *testing.T) {
	longAsk := strings.Repeat("word ", 25)

	tests := []struct {
		name   string
		text   string
		req    RunRequest
		issues int
	}{
		{"solid answer passes", "Revenue was 1.4M this quarter.", RunRequest{Message: "revenue?", Intent: "data"}, 0},
		{"empty", "", RunRequest{Message: "hi", Intent: "chat"}, 1},
		{"gave up on data", "I couldn't find anything.", RunRequest{Message: "revenue?", Intent: "data"}, 2},
		{"thin answer to long ask", "ok", RunRequest{Message: longAsk, Intent: "chat"}, 1},
		{"sampled an exhaustive ask", "Here are some of the 1200 invoices I spot-checked.", RunRequest{Message: "audit all invoices", Intent: "data"}, 1},
		{"refusal opener", "I'm sorry, but I cannot help with that request at all today, truly.", RunRequest{Message: "summarize", Intent: "chat"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, reviewFinalText(tt.text, tt.req), tt.issues)
		})
	}
}

func TestLooksLikeNarration(t *testing.T) {
	assert.True(t, looksLikeNarration("Let me check the calendar."))
	assert.True(t, looksLikeNarration("I'll send that email now."))
	assert.False(t, looksLikeNarration("You have 3 meetings today."))
	assert.False(t, looksLikeNarration("Let me know if this helps: "+strings.Repeat("details ", 100)))
}

func TestErrorHint(t *testing.T) {
	assert.Contains(t, errorHint("request timed out after 30s"), "too long")
	assert.Contains(t, errorHint("429 rate limit exceeded"), "throttling")
	assert.Contains(t, errorHint("permission denied for resource"), "access")
	assert.Empty(t, errorHint("everything is fine"))
}

func TestAbsoluteCapSetsDeadline(t *testing.T) {
	// An already-expired context finishes as cancelled instead of running.
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	p := &fakeProvider{fn: func(call int, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{Content: "should not get here"}, nil
	}}
	l := testLoop(t, p, nil, nil)

	_, err := l.Run(ctx, RunRequest{Workspace: testWorkspace(t), Message: "hi", Intent: "chat"})
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.Equal(t, 0, p.calls())
}
