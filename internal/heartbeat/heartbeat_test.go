package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucy-agent/lucy/internal/bus"
	"github.com/lucy-agent/lucy/internal/config"
	"github.com/lucy-agent/lucy/internal/tools"
	"github.com/lucy-agent/lucy/internal/workspace"
)

type fakeSandbox struct {
	stdout string
	err    error
}

func (s *fakeSandbox) RunCode(ctx context.Context, source string) (*tools.SandboxResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &tools.SandboxResult{Stdout: s.stdout}, nil
}

func (s *fakeSandbox) RunShell(ctx context.Context, cmd string) (*tools.SandboxResult, error) {
	return s.RunCode(ctx, cmd)
}

type rig struct {
	monitor *Monitor
	ws      *workspace.Workspace
	sandbox *fakeSandbox
	mu      sync.Mutex
	msgs    []bus.OutboundMessage
	clock   time.Time
}

func newRig(t *testing.T) *rig {
	t.Helper()
	cfg := &config.Config{}
	cfg.ApplyDefaults()

	r := &rig{sandbox: &fakeSandbox{}, clock: time.Now()}
	manager := workspace.NewManager(t.TempDir())
	ws, err := manager.Get("T1")
	require.NoError(t, err)
	r.ws = ws

	mbus := bus.NewMessageBus()
	mbus.SubscribeOutbound(func(msg bus.OutboundMessage) {
		r.mu.Lock()
		r.msgs = append(r.msgs, msg)
		r.mu.Unlock()
	})

	r.monitor = New(cfg, manager, r.sandbox, mbus)
	r.monitor.now = func() time.Time { return r.clock }
	return r
}

func (r *rig) alerts() []bus.OutboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.OutboundMessage(nil), r.msgs...)
}

func doc(kind string, cfg map[string]any) *workspace.HeartbeatDoc {
	cfg["_alert_channel"] = "C0ALERTS"
	raw, _ := json.Marshal(cfg)
	return &workspace.HeartbeatDoc{
		Slug:            "test-monitor",
		Kind:            kind,
		Config:          raw,
		IntervalSeconds: 60,
		CooldownSeconds: 600,
		Status:          workspace.HeartbeatActive,
	}
}

func TestAPIHealthTriggersOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := newRig(t)
	triggered, detail, err := r.monitor.evaluate(context.Background(), doc(KindAPIHealth, map[string]any{"url": srv.URL}))
	require.NoError(t, err)
	assert.True(t, triggered)
	assert.Contains(t, detail, "502")
}

func TestAPIHealthHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := newRig(t)
	triggered, _, err := r.monitor.evaluate(context.Background(), doc(KindAPIHealth, map[string]any{"url": srv.URL}))
	require.NoError(t, err)
	assert.False(t, triggered)
}

func TestAPIHealthUnreachableTriggers(t *testing.T) {
	r := newRig(t)
	triggered, detail, err := r.monitor.evaluate(context.Background(),
		doc(KindAPIHealth, map[string]any{"url": "http://127.0.0.1:1/health"}))
	require.NoError(t, err, "a down service is the condition, not an evaluator error")
	assert.True(t, triggered)
	assert.Contains(t, detail, "unreachable")
}

func TestPageContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, "<html>Status: DEGRADED — maintenance window open</html>")
	}))
	defer srv.Close()

	r := newRig(t)

	triggered, _, err := r.monitor.evaluate(context.Background(),
		doc(KindPageContent, map[string]any{"url": srv.URL, "containsText": "DEGRADED"}))
	require.NoError(t, err)
	assert.True(t, triggered, "contains-text found")

	triggered, _, err = r.monitor.evaluate(context.Background(),
		doc(KindPageContent, map[string]any{"url": srv.URL, "notContainsText": "All systems operational"}))
	require.NoError(t, err)
	assert.True(t, triggered, "expected text missing")

	triggered, _, err = r.monitor.evaluate(context.Background(),
		doc(KindPageContent, map[string]any{"url": srv.URL, "regex": `Status: [A-Z]+`}))
	require.NoError(t, err)
	assert.True(t, triggered, "regex matched")

	triggered, _, err = r.monitor.evaluate(context.Background(),
		doc(KindPageContent, map[string]any{"url": srv.URL, "containsText": "ALL GOOD"}))
	require.NoError(t, err)
	assert.False(t, triggered)
}

func TestMetricThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, `{"stats":{"queue":{"depth":87}},"hosts":[{"load":0.4},{"load":2.7}]}`)
	}))
	defer srv.Close()

	r := newRig(t)

	triggered, detail, err := r.monitor.evaluate(context.Background(), doc(KindMetricThreshold,
		map[string]any{"url": srv.URL, "jsonPath": "stats.queue.depth", "operator": ">", "threshold": 50}))
	require.NoError(t, err)
	assert.True(t, triggered)
	assert.Contains(t, detail, "stats.queue.depth")

	triggered, _, err = r.monitor.evaluate(context.Background(), doc(KindMetricThreshold,
		map[string]any{"url": srv.URL, "jsonPath": "hosts.1.load", "operator": "<", "threshold": 1}))
	require.NoError(t, err)
	assert.False(t, triggered, "array index navigation")

	_, _, err = r.monitor.evaluate(context.Background(), doc(KindMetricThreshold,
		map[string]any{"url": srv.URL, "jsonPath": "stats.missing", "operator": ">", "threshold": 1}))
	assert.Error(t, err)
}

func TestCustomScript(t *testing.T) {
	r := newRig(t)
	r.sandbox.stdout = `{"triggered":true,"detail":"inbox backlog at 120"}`

	triggered, detail, err := r.monitor.evaluate(context.Background(),
		doc(KindCustom, map[string]any{"script": "check_backlog()"}))
	require.NoError(t, err)
	assert.True(t, triggered)
	assert.Equal(t, "inbox backlog at 120", detail)

	r.sandbox.stdout = "not json"
	_, _, err = r.monitor.evaluate(context.Background(),
		doc(KindCustom, map[string]any{"script": "check_backlog()"}))
	assert.Error(t, err)
}

func TestTickAlertsAndCooldown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := newRig(t)
	require.NoError(t, r.ws.WriteHeartbeat(doc(KindAPIHealth, map[string]any{"url": srv.URL})))

	r.monitor.Tick(context.Background())
	require.Len(t, r.alerts(), 1, "first trip alerts")
	assert.Equal(t, "C0ALERTS", r.alerts()[0].ChannelID)

	snap, err := r.ws.ReadFile("data/snapshots/heartbeat-alerts/" + r.clock.UTC().Format("2006-01-02") + ".json")
	require.NoError(t, err)
	assert.Contains(t, string(snap), "test-monitor")

	// Still tripped two minutes later: within the interval is skipped, past
	// the interval but inside cooldown stays quiet.
	r.clock = r.clock.Add(2 * time.Minute)
	r.monitor.Tick(context.Background())
	assert.Len(t, r.alerts(), 1, "cooldown suppresses the repeat alert")

	r.clock = r.clock.Add(10 * time.Minute)
	r.monitor.Tick(context.Background())
	assert.Len(t, r.alerts(), 2, "alerting resumes after cooldown")
}

func TestPausedMonitorNeverChecked(t *testing.T) {
	r := newRig(t)
	d := doc(KindCustom, map[string]any{"script": "x()"})
	d.Status = workspace.HeartbeatPaused
	require.NoError(t, r.ws.WriteHeartbeat(d))

	r.sandbox.stdout = `{"triggered":true}`
	r.monitor.Tick(context.Background())
	assert.Empty(t, r.alerts())
}

func TestConsecutiveErrorsDisable(t *testing.T) {
	r := newRig(t)
	r.sandbox.err = fmt.Errorf("sandbox down")
	require.NoError(t, r.ws.WriteHeartbeat(doc(KindCustom, map[string]any{"script": "x()"})))

	for i := 0; i < 3; i++ {
		r.monitor.Tick(context.Background())
		r.clock = r.clock.Add(2 * time.Minute)
	}

	loaded, err := r.ws.ReadHeartbeat("test-monitor")
	require.NoError(t, err)
	assert.Equal(t, workspace.HeartbeatError, loaded.Status)
	assert.Equal(t, 3, loaded.ConsecutiveFailures)
	assert.Empty(t, r.alerts())

	// Disabled monitors stay quiet even when due.
	r.monitor.Tick(context.Background())
	loaded2, err := r.ws.ReadHeartbeat("test-monitor")
	require.NoError(t, err)
	assert.Equal(t, 3, loaded2.ConsecutiveFailures)
}

func TestNavigate(t *testing.T) {
	var payload any
	require.NoError(t, json.Unmarshal([]byte(`{"a":{"b":[10,"2.5",{"c":7}]}}`), &payload))

	v, err := navigate(payload, "a.b.0")
	require.NoError(t, err)
	assert.Equal(t, 10.0, v)

	v, err = navigate(payload, "a.b.1")
	require.NoError(t, err)
	assert.Equal(t, 2.5, v, "numeric strings parse")

	v, err = navigate(payload, "a.b.2.c")
	require.NoError(t, err)
	assert.Equal(t, 7.0, v)

	_, err = navigate(payload, "a.b.9")
	assert.Error(t, err)
	_, err = navigate(payload, "a.b")
	assert.Error(t, err, "a whole array is not a number")
}

func TestCompare(t *testing.T) {
	for _, tt := range []struct {
		op   string
		want bool
	}{
		{">", true}, {">=", true}, {"<", false}, {"<=", false}, {"==", false}, {"!=", true},
	} {
		got, err := compare(5, tt.op, 3)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "op %s", tt.op)
	}
	_, err := compare(1, "~", 2)
	assert.Error(t, err)
}
