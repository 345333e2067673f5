package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucy-agent/lucy/internal/providers"
	"github.com/lucy-agent/lucy/internal/workspace"
)

func testWS(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.NewManager(t.TempDir()).Get("T1")
	require.NoError(t, err)
	return ws
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, CallInternal, KindOf("lucy_remember"))
	assert.Equal(t, CallDelegation, KindOf("delegate_to_research_agent"))
	assert.Equal(t, CallExternal, KindOf("GITHUB_CREATE_ISSUE"))
	assert.Equal(t, CallExternal, KindOf("search_tools"))
	assert.Equal(t, "research", DelegateTarget("delegate_to_research_agent"))
	assert.Equal(t, "", DelegateTarget("GITHUB_CREATE_ISSUE"))
}

func TestIsDestructive(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"send_email", true},
		{"GMAIL_DELETE_DRAFT", true},
		{"CALENDAR_CANCEL_EVENT", true},
		{"lucy_read_file", false},
		{"GITHUB_LIST_REPOS", false},
		{"unsubscribe_newsletter", true},
		{"sender_lookup", false}, // "sender" is not "send"
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsDestructive(tt.name), tt.name)
	}
}

func TestErrorResultMarker(t *testing.T) {
	r := ErrorResult(KindTransient, "connection reset", true)
	assert.True(t, r.IsError)
	assert.True(t, IsErrorPayload(r.ForLLM))
	assert.Contains(t, r.ForLLM, "kind=tool-transient")
	assert.Contains(t, r.ForLLM, "status=retryable")

	assert.False(t, IsErrorPayload(NewResult("fine").ForLLM))
}

func TestRememberAndRecall(t *testing.T) {
	ws := testWS(t)
	r := NewRegistry()
	RegisterBuiltins(r, nil)

	remember, ok := r.Get("lucy_remember")
	require.True(t, ok)
	res := remember.Handler(context.Background(), ws, map[string]any{"text": "standup is at 9:30", "category": "team"})
	assert.False(t, res.IsError)

	recall, _ := r.Get("lucy_recall")
	res = recall.Handler(context.Background(), ws, nil)
	assert.Contains(t, res.ForLLM, "standup is at 9:30")
	assert.Contains(t, res.ForLLM, "[team]")
}

func TestReadWriteFile(t *testing.T) {
	ws := testWS(t)
	r := NewRegistry()
	RegisterBuiltins(r, nil)

	write, _ := r.Get("lucy_write_file")
	res := write.Handler(context.Background(), ws, map[string]any{"path": "data/notes.md", "content": "hello"})
	require.False(t, res.IsError)

	read, _ := r.Get("lucy_read_file")
	res = read.Handler(context.Background(), ws, map[string]any{"path": "data/notes.md"})
	assert.Equal(t, "hello", res.ForLLM)

	// Missing args are parse errors the model can correct.
	res = read.Handler(context.Background(), ws, nil)
	assert.Equal(t, KindParse, res.ErrorKind)
}

type fakeCronService struct {
	mu     sync.Mutex
	upserts []*workspace.CronDoc
}

func (f *fakeCronService) Upsert(ctx context.Context, workspaceID string, doc *workspace.CronDoc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, doc)
	return nil
}

func (f *fakeCronService) Remove(ctx context.Context, workspaceID, slug string) error { return nil }

func TestCronToolBlockedInScheduledRuns(t *testing.T) {
	ws := testWS(t)
	r := NewRegistry()
	svc := &fakeCronService{}
	RegisterBuiltins(r, svc)

	cron, _ := r.Get("lucy_manage_cron")
	args := map[string]any{"op": "create", "path": "/daily", "cron": "0 9 * * *", "title": "Daily"}

	res := cron.Handler(WithScheduledRun(context.Background()), ws, args)
	assert.True(t, res.IsError)
	assert.Empty(t, svc.upserts)

	res = cron.Handler(context.Background(), ws, args)
	assert.False(t, res.IsError)
	require.Len(t, svc.upserts, 1)
	assert.Equal(t, "/daily", svc.upserts[0].Path)
	assert.Equal(t, "agent", svc.upserts[0].Type)
}

func TestHeartbeatToolLifecycle(t *testing.T) {
	ws := testWS(t)
	r := NewRegistry()
	RegisterBuiltins(r, nil)

	hb, _ := r.Get("lucy_manage_heartbeat")
	ctx := context.Background()

	res := hb.Handler(ctx, ws, map[string]any{
		"op": "create", "slug": "api-up", "kind": "api-health",
		"config":           map[string]any{"url": "https://api.example.com/health", "_alert_channel": "C1"},
		"interval_seconds": 60,
	})
	require.False(t, res.IsError, res.ForLLM)

	res = hb.Handler(ctx, ws, map[string]any{"op": "pause", "slug": "api-up"})
	require.False(t, res.IsError)
	doc, err := ws.ReadHeartbeat("api-up")
	require.NoError(t, err)
	assert.Equal(t, workspace.HeartbeatPaused, doc.Status)

	res = hb.Handler(ctx, ws, map[string]any{"op": "list"})
	assert.Contains(t, res.ForLLM, "api-up")
}

func TestHeartbeatCreateDefaultsAndKindCheck(t *testing.T) {
	ws := testWS(t)
	r := NewRegistry()
	RegisterBuiltins(r, nil)

	hb, _ := r.Get("lucy_manage_heartbeat")
	ctx := context.Background()

	// No interval or cooldown supplied: the doc still gets sane timing
	// instead of check-every-tick, alert-every-trigger.
	res := hb.Handler(ctx, ws, map[string]any{
		"op": "create", "slug": "status-page", "kind": "page-content",
		"config": map[string]any{"url": "https://status.example.com", "_alert_channel": "C1"},
	})
	require.False(t, res.IsError, res.ForLLM)
	doc, err := ws.ReadHeartbeat("status-page")
	require.NoError(t, err)
	assert.Equal(t, 300, doc.IntervalSeconds)
	assert.Equal(t, 1800, doc.CooldownSeconds)

	res = hb.Handler(ctx, ws, map[string]any{
		"op": "create", "slug": "bad", "kind": "carrier-pigeon",
		"config": map[string]any{"_alert_channel": "C1"},
	})
	require.True(t, res.IsError)
	assert.Contains(t, res.ForLLM, "carrier-pigeon")
}

type fakeExternal struct {
	mu    sync.Mutex
	calls []string
	delay time.Duration
	fail  map[string]error
}

func (f *fakeExternal) SearchTools(ctx context.Context, useCase string) ([]providers.ToolDefinition, error) {
	return []providers.ToolDefinition{def("GITHUB_CREATE_ISSUE", "create an issue", nil)}, nil
}

func (f *fakeExternal) ManageConnections(ctx context.Context, op, service string) (string, error) {
	return "github: connected", nil
}

func (f *fakeExternal) Execute(ctx context.Context, tool string, params map[string]any) (string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.calls = append(f.calls, tool)
	f.mu.Unlock()
	if err, ok := f.fail[tool]; ok {
		return "", err
	}
	return "done: " + tool, nil
}

func TestDispatchStitchesResultsInCallOrder(t *testing.T) {
	ws := testWS(t)
	r := NewRegistry()
	RegisterBuiltins(r, nil)
	d := &Dispatcher{Registry: r, External: &fakeExternal{delay: 5 * time.Millisecond}}

	calls := []providers.ToolCall{
		{ID: "1", Name: "GITHUB_GET_REPO", Arguments: map[string]any{"repo": "a"}},
		{ID: "2", Name: "lucy_recall"},
		{ID: "3", Name: "GITHUB_GET_REPO", Arguments: map[string]any{"repo": "b"}},
	}
	results := d.Dispatch(context.Background(), ws, calls)
	require.Len(t, results, 3)
	assert.Equal(t, "done: GITHUB_GET_REPO", results[0].ForLLM)
	assert.Contains(t, results[1].ForLLM, "No facts")
	assert.Equal(t, "done: GITHUB_GET_REPO", results[2].ForLLM)
}

func TestDispatchUnknownInternalTool(t *testing.T) {
	ws := testWS(t)
	d := &Dispatcher{Registry: NewRegistry()}

	results := d.Dispatch(context.Background(), ws, []providers.ToolCall{{ID: "1", Name: "lucy_transmogrify"}})
	assert.Equal(t, KindUnknownTool, results[0].ErrorKind)
}

func TestDispatchDedupsMutatingRepeat(t *testing.T) {
	ws := testWS(t)
	ext := &fakeExternal{}
	d := &Dispatcher{Registry: NewRegistry(), External: ext}

	args := map[string]any{"to": "a@b.c"}
	first := d.Dispatch(context.Background(), ws, []providers.ToolCall{{ID: "1", Name: "GMAIL_SEND_EMAIL", Arguments: args}})
	assert.Equal(t, "done: GMAIL_SEND_EMAIL", first[0].ForLLM)

	second := d.Dispatch(context.Background(), ws, []providers.ToolCall{{ID: "2", Name: "GMAIL_SEND_EMAIL", Arguments: args}})
	assert.Contains(t, second[0].ForLLM, "Already done")
	assert.Len(t, ext.calls, 1)
}

func TestExternalAuthErrorSurfacesConnectionRequired(t *testing.T) {
	ws := testWS(t)
	ext := &fakeExternal{fail: map[string]error{"LINEAR_GET_ISSUE": errors.New("401 unauthorized")}}
	d := &Dispatcher{Registry: NewRegistry(), External: ext}

	results := d.Dispatch(context.Background(), ws, []providers.ToolCall{{ID: "1", Name: "LINEAR_GET_ISSUE"}})
	assert.Equal(t, KindAuth, results[0].ErrorKind)
	assert.False(t, results[0].Retryable)
	assert.Contains(t, results[0].ForLLM, "connection-required")
}

func TestDelegationRunsSubAgent(t *testing.T) {
	ws := testWS(t)
	var gotSpec SubAgentSpec
	d := &Dispatcher{
		Registry: NewRegistry(),
		SubAgent: func(ctx context.Context, spec SubAgentSpec, task string) (string, error) {
			gotSpec = spec
			deadline, ok := ctx.Deadline()
			if !ok || time.Until(deadline) > SubAgentWallClock {
				return "", fmt.Errorf("missing wall clock")
			}
			return "findings for: " + task, nil
		},
	}

	results := d.Dispatch(context.Background(), ws, []providers.ToolCall{
		{ID: "1", Name: "delegate_to_research_agent", Arguments: map[string]any{"task": "compare vendors"}},
	})
	assert.Equal(t, "findings for: compare vendors", results[0].ForLLM)
	assert.Equal(t, "research", gotSpec.Name)
	assert.Equal(t, SubAgentMaxTurns, gotSpec.MaxTurns)
}

func TestMetaToolsRoute(t *testing.T) {
	ws := testWS(t)
	d := &Dispatcher{Registry: NewRegistry(), External: &fakeExternal{}}
	ctx := context.Background()

	search := d.Dispatch(ctx, ws, []providers.ToolCall{
		{ID: "1", Name: "search_tools", Arguments: map[string]any{"use_case": "create github issue"}},
	})
	assert.Contains(t, search[0].ForLLM, "GITHUB_CREATE_ISSUE")

	multi := d.Dispatch(ctx, ws, []providers.ToolCall{
		{ID: "2", Name: "multi_execute", Arguments: map[string]any{
			"calls": []any{
				map[string]any{"tool": "GITHUB_GET_REPO", "params": map[string]any{}},
				map[string]any{"tool": "LINEAR_GET_ISSUE", "params": map[string]any{}},
			},
		}},
	})
	assert.Contains(t, multi[0].ForLLM, "[1] done: GITHUB_GET_REPO")
	assert.Contains(t, multi[0].ForLLM, "[2] done: LINEAR_GET_ISSUE")
}

func TestDefinitionsIncludeAllThreeKinds(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r, nil)
	d := &Dispatcher{Registry: r}

	names := map[string]bool{}
	for _, def := range d.Definitions() {
		names[def.Function.Name] = true
	}
	assert.True(t, names["lucy_remember"])
	assert.True(t, names["delegate_to_coding_agent"])
	assert.True(t, names["search_tools"])
	assert.True(t, names["remote_bash"])
}
