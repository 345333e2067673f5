package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucy-agent/lucy/internal/bus"
	"github.com/lucy-agent/lucy/internal/config"
	"github.com/lucy-agent/lucy/internal/tools"
	"github.com/lucy-agent/lucy/internal/workspace"
)

type fakeSandbox struct {
	stdout   string
	exitCode int
	scripts  []string
}

func (s *fakeSandbox) RunCode(ctx context.Context, source string) (*tools.SandboxResult, error) {
	s.scripts = append(s.scripts, source)
	return &tools.SandboxResult{Stdout: s.stdout, ExitCode: s.exitCode}, nil
}

func (s *fakeSandbox) RunShell(ctx context.Context, cmd string) (*tools.SandboxResult, error) {
	return s.RunCode(ctx, cmd)
}

type outboundCapture struct {
	mu   sync.Mutex
	msgs []bus.OutboundMessage
}

func (c *outboundCapture) handler(msg bus.OutboundMessage) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *outboundCapture) all() []bus.OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.OutboundMessage(nil), c.msgs...)
}

type testRig struct {
	sched    *Scheduler
	manager  *workspace.Manager
	ws       *workspace.Workspace
	sandbox  *fakeSandbox
	out      *outboundCapture
	agentRan []string
	agentErr error
	agentOut string
	mu       sync.Mutex
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	cfg := &config.Config{}
	cfg.ApplyDefaults()

	rig := &testRig{
		manager:  workspace.NewManager(t.TempDir()),
		sandbox:  &fakeSandbox{stdout: "true"},
		out:      &outboundCapture{},
		agentOut: "report text",
	}
	ws, err := rig.manager.Get("T1")
	require.NoError(t, err)
	rig.ws = ws

	mbus := bus.NewMessageBus()
	mbus.SubscribeOutbound(rig.out.handler)

	runAgent := func(ctx context.Context, ws *workspace.Workspace, instruction, channelID, userID string) (string, error) {
		rig.mu.Lock()
		rig.agentRan = append(rig.agentRan, instruction)
		out, err := rig.agentOut, rig.agentErr
		rig.mu.Unlock()
		return out, err
	}
	rig.sched = New(cfg, rig.manager, rig.sandbox, runAgent, mbus)
	return rig
}

func (r *testRig) agentCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agentRan)
}

func jobDoc(title string) *workspace.CronDoc {
	return &workspace.CronDoc{
		Path:            "/" + workspace.SanitizeSlug(title),
		Cron:            "*/30 8-22 * * *",
		Title:           title,
		Description:     "compile the morning report",
		Type:            "agent",
		DeliveryMode:    "channel",
		DeliveryChannel: "C01234",
		RequestingUser:  "U09876",
		Timezone:        "UTC",
	}
}

func TestValidate(t *testing.T) {
	rig := newRig(t)

	_, err := rig.sched.Validate("not a cron")
	assert.Error(t, err)

	warn, err := rig.sched.Validate("0 9 * * 1")
	require.NoError(t, err)
	assert.Empty(t, warn)

	warn, err = rig.sched.Validate("* * * * *")
	require.NoError(t, err)
	assert.Contains(t, warn, "a day", "every-minute schedule warns")
}

func TestUpsertPersistsAndRegisters(t *testing.T) {
	rig := newRig(t)
	doc := jobDoc("Morning Report")

	require.NoError(t, rig.sched.Upsert(context.Background(), "T1", doc))

	loaded, err := rig.ws.ReadCron(doc.Slug())
	require.NoError(t, err)
	assert.Equal(t, "Morning Report", loaded.Title)

	assert.Error(t, rig.sched.Upsert(context.Background(), "T1", &workspace.CronDoc{Path: "/bad", Cron: "nope"}))
}

func TestRemoveDeletesDocument(t *testing.T) {
	rig := newRig(t)
	doc := jobDoc("Morning Report")
	require.NoError(t, rig.sched.Upsert(context.Background(), "T1", doc))

	require.NoError(t, rig.sched.Remove(context.Background(), "T1", doc.Slug()))
	_, err := rig.ws.ReadCron(doc.Slug())
	assert.Error(t, err)
}

func TestRunJobDeliversToChannel(t *testing.T) {
	rig := newRig(t)
	doc := jobDoc("Morning Report")

	require.NoError(t, rig.sched.RunJob(context.Background(), rig.ws, doc))

	msgs := rig.out.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "C01234", msgs[0].ChannelID)
	assert.Equal(t, "report text", msgs[0].Text)

	// The activity log records the run by title.
	data, err := rig.ws.ReadFile("logs/" + time.Now().UTC().Format("2006-01-02") + ".md")
	require.NoError(t, err)
	assert.Contains(t, string(data), "Ran Morning Report")
}

func TestRunJobDirectMessageDelivery(t *testing.T) {
	rig := newRig(t)
	doc := jobDoc("Private Digest")
	doc.DeliveryMode = "directMessage"

	require.NoError(t, rig.sched.RunJob(context.Background(), rig.ws, doc))

	msgs := rig.out.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "U09876", msgs[0].UserID)
	assert.Empty(t, msgs[0].ChannelID)
}

func TestHeartbeatOKSuppressesDelivery(t *testing.T) {
	rig := newRig(t)
	rig.agentOut = "HEARTBEAT_OK"
	doc := jobDoc("Proactive Heartbeat")

	require.NoError(t, rig.sched.RunJob(context.Background(), rig.ws, doc))

	assert.Empty(t, rig.out.all(), "sentinel responses never reach chat")
	data, err := rig.ws.ReadFile("logs/" + time.Now().UTC().Format("2006-01-02") + ".md")
	require.NoError(t, err)
	assert.Contains(t, string(data), "Ran Proactive Heartbeat", "the run is still logged")
}

func TestLearningLinePersistedNotDelivered(t *testing.T) {
	rig := newRig(t)
	rig.agentOut = "Report ready.\n\nLEARNING: the metrics endpoint is empty before 9am."
	doc := jobDoc("Morning Report")
	slug := doc.Slug()

	require.NoError(t, rig.sched.RunJob(context.Background(), rig.ws, doc))

	msgs := rig.out.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Report ready.", msgs[0].Text)
	assert.Contains(t, rig.ws.Learnings(slug), "metrics endpoint is empty before 9am")

	// The next run sees the recorded learning in its instruction.
	require.NoError(t, rig.sched.RunJob(context.Background(), rig.ws, doc))
	rig.mu.Lock()
	last := rig.agentRan[len(rig.agentRan)-1]
	rig.mu.Unlock()
	assert.Contains(t, last, "metrics endpoint is empty before 9am")
}

func TestSplitLearning(t *testing.T) {
	body, learning := splitLearning("All done.\nLEARNING: cache warms slowly.")
	assert.Equal(t, "All done.", body)
	assert.Equal(t, "cache warms slowly.", learning)

	body, learning = splitLearning("LEARNING: only a learning.")
	assert.Equal(t, "", body)
	assert.Equal(t, "only a learning.", learning)

	body, learning = splitLearning("No trailing note here.")
	assert.Equal(t, "No trailing note here.", body)
	assert.Empty(t, learning)

	// A LEARNING mention mid-response is content, not a directive.
	body, learning = splitLearning("LEARNING: lines only count at the end.\nFinal summary.")
	assert.Empty(t, learning)
	assert.Equal(t, "LEARNING: lines only count at the end.\nFinal summary.", body)
}

func TestErrorSummaryKeepsRunesWhole(t *testing.T) {
	msg := strings.Repeat("é", 150)
	got := errorSummary(errors.New(msg))
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), 203)

	short := errors.New("plain failure")
	assert.Equal(t, "plain failure", errorSummary(short))
}

func TestSuppressed(t *testing.T) {
	assert.True(t, suppressed(""))
	assert.True(t, suppressed("  \n"))
	assert.True(t, suppressed("skip"))
	assert.True(t, suppressed("HEARTBEAT_OK"))
	assert.True(t, suppressed("heartbeat_ok: nothing new since yesterday"))
	assert.False(t, suppressed("two servers are down"))
}

func TestDependencySkipsUntilMetToday(t *testing.T) {
	rig := newRig(t)
	doc := jobDoc("Evening Summary")
	doc.DependsOn = "/morning-report"

	require.NoError(t, rig.sched.RunJob(context.Background(), rig.ws, doc))
	assert.Equal(t, 0, rig.agentCalls(), "dependency not met")

	require.NoError(t, rig.ws.SetState(stateSuccessPrefix+"morning-report", today()))
	require.NoError(t, rig.sched.RunJob(context.Background(), rig.ws, doc))
	assert.Equal(t, 1, rig.agentCalls())
}

func TestConditionScriptGates(t *testing.T) {
	rig := newRig(t)
	doc := jobDoc("Conditional Job")
	doc.ConditionScript = "check_inbox_nonempty()"

	rig.sandbox.stdout = "false"
	require.NoError(t, rig.sched.RunJob(context.Background(), rig.ws, doc))
	assert.Equal(t, 0, rig.agentCalls())

	rig.sandbox.stdout = "true"
	require.NoError(t, rig.sched.RunJob(context.Background(), rig.ws, doc))
	assert.Equal(t, 1, rig.agentCalls())
}

func TestScriptJobRunsInSandbox(t *testing.T) {
	rig := newRig(t)
	rig.sandbox.stdout = "disk at 40%"
	doc := jobDoc("Disk Check")
	doc.Type = "script"

	require.NoError(t, rig.sched.RunJob(context.Background(), rig.ws, doc))

	assert.Equal(t, 0, rig.agentCalls(), "script jobs never touch the agent")
	msgs := rig.out.all()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "disk at 40%")
}

func TestRetriesThenNotifyOnFailure(t *testing.T) {
	rig := newRig(t)
	rig.agentErr = fmt.Errorf("upstream 500")
	doc := jobDoc("Flaky Job")
	doc.Retries = 0
	doc.NotifyOnFailure = true

	err := rig.sched.RunJob(context.Background(), rig.ws, doc)
	assert.Error(t, err)

	msgs := rig.out.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "U09876", msgs[0].UserID)
	assert.Contains(t, msgs[0].Text, "Flaky Job")
	assert.Contains(t, msgs[0].Text, "upstream 500")
}

func TestMaxRunsSelfDeletes(t *testing.T) {
	rig := newRig(t)
	doc := jobDoc("One Shot")
	doc.MaxRuns = 1
	require.NoError(t, rig.sched.Upsert(context.Background(), "T1", doc))

	require.NoError(t, rig.sched.RunJob(context.Background(), rig.ws, doc))

	_, err := rig.ws.ReadCron(doc.Slug())
	assert.Error(t, err, "job removed itself after its final run")
}

func TestBuildInstruction(t *testing.T) {
	doc := jobDoc("Morning Report")
	got := buildInstruction(doc, "2026-08-01: the sheet moved to a new tab")

	assert.Contains(t, got, "scheduled task")
	assert.Contains(t, got, "compile the morning report")
	assert.Contains(t, got, "the sheet moved to a new tab")
	assert.Contains(t, got, "HEARTBEAT_OK")
	assert.Contains(t, got, "Do not create or modify schedules")
	assert.True(t, strings.Index(got, "Task:") < strings.Index(got, "Learnings"), "description precedes learnings")
}

func TestFailureDoesNotLogActivity(t *testing.T) {
	rig := newRig(t)
	rig.agentErr = fmt.Errorf("boom")
	doc := jobDoc("Broken Job")

	_ = rig.sched.RunJob(context.Background(), rig.ws, doc)

	_, err := rig.ws.ReadFile("logs/" + time.Now().UTC().Format("2006-01-02") + ".md")
	assert.Error(t, err, "no activity line for a failed run")
}

func TestStartDiscoversPersistedJobs(t *testing.T) {
	rig := newRig(t)
	require.NoError(t, rig.ws.WriteCron(jobDoc("Persisted Job")))

	require.NoError(t, rig.sched.Start())
	defer rig.sched.Stop()

	rig.sched.mu.Lock()
	_, ok := rig.sched.entries["T1/persisted-job"]
	rig.sched.mu.Unlock()
	assert.True(t, ok)
}
