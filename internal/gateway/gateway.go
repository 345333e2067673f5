// Package gateway is the front door of the core: it consumes inbound chat
// events from the bus, runs the routing pipeline (dedup, guard, edge cases,
// fast path, classification), admits work through the request queue, executes
// agent runs with thread history, and publishes processed replies back to the
// transport. It also binds the agent loop to the scheduler and to sub-agent
// delegation.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lucy-agent/lucy/internal/agent"
	"github.com/lucy-agent/lucy/internal/approval"
	"github.com/lucy-agent/lucy/internal/bus"
	"github.com/lucy-agent/lucy/internal/config"
	"github.com/lucy-agent/lucy/internal/output"
	"github.com/lucy-agent/lucy/internal/pipeline"
	"github.com/lucy-agent/lucy/internal/prompt"
	"github.com/lucy-agent/lucy/internal/providers"
	"github.com/lucy-agent/lucy/internal/queue"
	"github.com/lucy-agent/lucy/internal/scheduler"
	"github.com/lucy-agent/lucy/internal/sessions"
	"github.com/lucy-agent/lucy/internal/store"
	"github.com/lucy-agent/lucy/internal/tools"
	"github.com/lucy-agent/lucy/internal/tracing"
	"github.com/lucy-agent/lucy/internal/workspace"
)

// Options wires a Gateway. The agent loop attaches after construction
// because the loop's notifier is the gateway itself.
type Options struct {
	Config     *config.Config
	Bus        *bus.MessageBus
	Workspaces *workspace.Manager
	Store      *store.Store
	Collector  *tracing.Collector
	Queue      *queue.Queue
	Assembler  *prompt.Assembler
	Sessions   *sessions.Manager
	Approvals  *approval.Manager
	Registry   *tools.Registry
}

// activeRun tracks one in-flight agent run for a thread so a later message
// can ask about it or cancel it.
type activeRun struct {
	desc   string
	cancel context.CancelFunc
}

// Gateway owns the inbound consume loop and per-thread run bookkeeping.
type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	workspaces *workspace.Manager
	store      *store.Store
	collector  *tracing.Collector
	queue      *queue.Queue
	assembler  *prompt.Assembler
	sessions   *sessions.Manager
	approvals  *approval.Manager
	registry   *tools.Registry
	loop       *agent.Loop

	deduper    *pipeline.EventDeduper
	variations *pipeline.VariationPool

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	active  map[string]*activeRun

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Gateway {
	return &Gateway{
		cfg:        opts.Config,
		bus:        opts.Bus,
		workspaces: opts.Workspaces,
		store:      opts.Store,
		collector:  opts.Collector,
		queue:      opts.Queue,
		assembler:  opts.Assembler,
		sessions:   opts.Sessions,
		approvals:  opts.Approvals,
		registry:   opts.Registry,
		deduper:    pipeline.NewEventDeduper(30 * time.Second),
		variations: pipeline.NewVariationPool(),
		locks:      make(map[string]*sync.Mutex),
		active:     make(map[string]*activeRun),
	}
}

// AttachLoop closes the construction cycle: the loop notifies through the
// gateway, the gateway runs through the loop.
func (g *Gateway) AttachLoop(l *agent.Loop) { g.loop = l }

// Start launches the inbound consume loop.
func (g *Gateway) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for {
			ev, ok := g.bus.ConsumeInbound(ctx)
			if !ok {
				return
			}
			g.HandleEvent(ctx, ev)
		}
	}()
}

// Stop halts consumption. Queued runs drain via the queue's own shutdown.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}

// Post implements agent.Notifier. Interim lines go through the same output
// processing as final replies. Sub-agent runs carry no channel and stay
// silent.
func (g *Gateway) Post(channelID, threadID, text string) {
	if channelID == "" || text == "" {
		return
	}
	g.bus.PublishOutbound(bus.OutboundMessage{
		ChannelID: channelID,
		ThreadID:  threadID,
		Text:      output.Process(text),
	})
}

var approvalReplyRe = regexp.MustCompile(`(?i)^\s*(approve|yes|go\s+ahead|reject|deny|no)\b[\s,.!]*([0-9a-f][0-9a-f-]{7,})?\s*$`)

// HandleEvent routes one inbound chat event through the full pipeline.
// Exported for the transport adapter's synchronous mode and for tests.
func (g *Gateway) HandleEvent(ctx context.Context, ev bus.InboundEvent) {
	if g.deduper.Seen(ev.TimestampUnique) {
		slog.Debug("gateway: duplicate event dropped", "key", ev.TimestampUnique)
		return
	}

	ws, err := g.workspaces.Get(ev.TeamID)
	if err != nil {
		slog.Error("gateway: workspace resolution failed", "team", ev.TeamID, "error", err)
		return
	}

	guard := pipeline.GuardInbound(ev.Text, g.cfg.Security.MaxMessageChars, g.cfg.Security.InjectionAction)
	if guard.Flagged {
		slog.Warn("gateway: injection pattern in inbound message",
			"workspace", ws.ID(), "channel", ev.ChannelID, "blocked", guard.Blocked)
	}
	if guard.Blocked {
		g.Post(ev.ChannelID, ev.ThreadID, "I can't act on that message.")
		return
	}
	text := guard.Message

	// A bare approve/reject while an approval is pending resolves it
	// before the pipeline ever sees the message.
	if g.resolveApprovalReply(ws, ev, text) {
		return
	}

	threadKey := sessions.Key(ev.TeamID, ev.ChannelID, ev.ThreadID)
	depth := g.sessions.Depth(threadKey)

	running := g.activeFor(threadKey)
	switch pipeline.DecideEdgeCase(text, running != nil, depth) {
	case pipeline.EdgeStatusReply:
		g.Post(ev.ChannelID, ev.ThreadID, fmt.Sprintf("Still on it: %s. I'll post here as soon as I'm done.", running.desc))
		return
	case pipeline.EdgeCancelTask:
		running.cancel()
		g.clearActive(threadKey)
		g.Post(ev.ChannelID, ev.ThreadID, "Stopped. Let me know what you'd like instead.")
		return
	case pipeline.EdgeRespondIndependently:
		// A fresh run answers alongside the in-flight one.
	}

	// Trivial messages skip the queue, the task row, and the agent.
	if fast := pipeline.EvaluateFastPath(text, depth, g.variations); fast.IsFast {
		g.Post(ev.ChannelID, ev.ThreadID, fast.Response)
		return
	}

	cls := pipeline.Classify(text, depth, g.sessions.LastRunUsedTools(threadKey))

	task := &store.TaskData{
		WorkspaceID: ws.ID(),
		ChannelID:   ev.ChannelID,
		ThreadID:    ev.ThreadID,
		UserID:      ev.UserID,
		Intent:      cls.Intent,
		Tier:        cls.Tier,
		Priority:    priorityFor(cls.Intent).String(),
	}
	if err := g.store.CreateTask(ctx, task); err != nil {
		slog.Error("gateway: task create failed", "workspace", ws.ID(), "error", err)
	}

	if g.queue.IsBusy() {
		g.Post(ev.ChannelID, ev.ThreadID, "On it. There's a bit of a queue right now, so give me a few minutes.")
	}
	admitted := g.queue.Enqueue(ws.ID(), priorityFor(cls.Intent), ev.TimestampUnique, func(runCtx context.Context) {
		g.runTask(runCtx, ws, ev, text, cls, task, guard.Notice, threadKey)
	})
	if !admitted {
		g.Post(ev.ChannelID, ev.ThreadID, "I'm at capacity right now and had to turn this one away. Try again in a few minutes.")
		if task.ID != uuid.Nil {
			_ = g.store.TransitionTask(ctx, task.ID, store.TaskFailed, "queue-rejected")
		}
	}
}

// runTask is the queued unit of work: one agent run for one message,
// serialized per thread.
func (g *Gateway) runTask(ctx context.Context, ws *workspace.Workspace, ev bus.InboundEvent,
	text string, cls pipeline.Classification, task *store.TaskData, notice, threadKey string) {

	lock := g.threadLock(threadKey)
	lock.Lock()
	defer lock.Unlock()

	runCtx, cancel := context.WithCancel(withWorkspace(ctx, ws))
	defer cancel()
	g.setActive(threadKey, &activeRun{desc: describeWork(text), cancel: cancel})
	defer g.clearActive(threadKey)

	trace := &store.TraceData{
		TaskID:       task.ID,
		WorkspaceID:  ws.ID(),
		Name:         "chat",
		Intent:       cls.Intent,
		InputPreview: tracing.TruncatePreview(text, 500),
	}
	if err := g.collector.CreateTrace(runCtx, trace); err != nil {
		slog.Warn("gateway: trace create failed", "workspace", ws.ID(), "error", err)
	}
	_ = g.store.TransitionTask(runCtx, task.ID, store.TaskRunning, "")

	pr := g.assembler.Assemble(ws, prompt.Input{
		Message: text,
		Modules: cls.Modules,
	})

	res, err := g.loop.Run(runCtx, agent.RunRequest{
		Workspace:    ws,
		TaskID:       task.ID,
		TraceID:      trace.ID,
		ChannelID:    ev.ChannelID,
		ThreadID:     ev.ThreadID,
		UserID:       ev.UserID,
		Message:      text,
		SystemPrompt: pr.String(),
		History:      g.sessions.History(threadKey),
		Intent:       cls.Intent,
		Tier:         cls.Tier,
	})

	// Trace and task closing must survive a cancelled run context.
	doneCtx := context.WithoutCancel(runCtx)

	if err != nil {
		g.finishFailed(doneCtx, task, trace, err, ev)
		return
	}

	reply := output.Process(res.Content)
	silent := pipeline.IsSilentReply(res.Content)
	if !silent {
		if notice != "" {
			reply = reply + "\n\n" + notice
		}
		g.bus.PublishOutbound(bus.OutboundMessage{
			ChannelID: ev.ChannelID,
			ThreadID:  ev.ThreadID,
			Text:      reply,
		})
	}

	g.sessions.Append(threadKey,
		providers.Message{Role: "user", Content: text},
		providers.Message{Role: "assistant", Content: res.Content},
	)
	g.sessions.RecordRun(threadKey, g.cfg.ModelForTier(res.Tier), res.Tier, res.Usage)
	if err := g.sessions.Save(threadKey); err != nil {
		slog.Warn("gateway: session save failed", "thread", threadKey, "error", err)
	}

	if ev.ThreadID != "" {
		_ = ws.AppendThreadTrace(ev.ThreadID, map[string]any{
			"ts":      time.Now().UTC().Format(time.RFC3339),
			"task":    task.ID,
			"trace":   trace.ID,
			"intent":  cls.Intent,
			"tier":    res.Tier,
			"turns":   res.Turns,
			"models":  res.ModelChain,
			"preview": tracing.TruncatePreview(res.Content, 200),
		})
	}

	_ = g.store.SetTaskResult(doneCtx, task.ID, tracing.TruncatePreview(res.Content, 2000))
	_ = g.store.TransitionTask(doneCtx, task.ID, store.TaskCompleted, "")
	g.collector.FinishTrace(doneCtx, trace.ID, store.StatusCompleted, "",
		tracing.TruncatePreview(res.Content, 500), res.ChainString(),
		res.Usage.PromptTokens, res.Usage.CompletionTokens)
}

// finishFailed maps a terminal run error to its task state, trace status,
// and user-facing degradation message.
func (g *Gateway) finishFailed(ctx context.Context, task *store.TaskData, trace *store.TraceData, err error, ev bus.InboundEvent) {
	state := store.TaskFailed
	status := store.StatusError
	reason := pipeline.ClassifyErrorForDegradation(err)

	switch {
	case errors.Is(err, agent.ErrCancelled):
		state = store.TaskCancelled
		status = store.StatusCancelled
		reason = "cancelled"
	case errors.Is(err, agent.ErrApprovalExpired):
		state = store.TaskTimeout
		reason = "approval-expired"
		g.Post(ev.ChannelID, ev.ThreadID, "That approval request sat unanswered too long, so I dropped the action. Ask again when you're ready.")
	default:
		g.Post(ev.ChannelID, ev.ThreadID, pipeline.DegradationMessage(reason))
	}

	_ = g.store.TransitionTask(ctx, task.ID, state, reason)
	g.collector.FinishTrace(ctx, trace.ID, status, err.Error(), "", "", 0, 0)
	slog.Warn("gateway: run finished with error",
		"workspace", task.WorkspaceID, "task", task.ID, "state", state, "error", err)
}

// resolveApprovalReply matches a bare approve/reject message against the
// workspace's pending approvals. With an ID it targets that approval; without
// one it targets the single pending approval, if exactly one exists.
func (g *Gateway) resolveApprovalReply(ws *workspace.Workspace, ev bus.InboundEvent, text string) bool {
	m := approvalReplyRe.FindStringSubmatch(text)
	if m == nil {
		return false
	}
	pending := g.approvals.PendingFor(ws.ID())
	if len(pending) == 0 {
		return false
	}

	id := m[2]
	if id == "" {
		if len(pending) != 1 {
			return false
		}
		id = pending[0].ID
	}

	verb := strings.ToLower(strings.Fields(m[1])[0])
	decision := approval.Approved
	if verb == "reject" || verb == "deny" || verb == "no" {
		decision = approval.Rejected
	}
	if !g.approvals.Resolve(id, ws.ID(), decision) {
		return false
	}
	if decision == approval.Approved {
		g.Post(ev.ChannelID, ev.ThreadID, "Going ahead.")
	} else {
		g.Post(ev.ChannelID, ev.ThreadID, "Understood, I won't do that.")
	}
	return true
}

// SubAgentRunner binds delegation tools to isolated agent runs. The
// workspace rides in on the dispatch context; tool schemas are restricted
// to the spec's allow list.
func (g *Gateway) SubAgentRunner() tools.SubAgentRunner {
	return func(ctx context.Context, spec tools.SubAgentSpec, task string) (string, error) {
		ws := workspaceFrom(ctx)
		if ws == nil {
			return "", errors.New("no workspace bound to delegated task")
		}
		defs := g.registry.Definitions(spec.AllowedInternal)
		if spec.AllowExternal {
			defs = append(defs, tools.MetaToolDefinitions()...)
		}
		res, err := g.loop.Run(ctx, agent.RunRequest{
			Workspace:       ws,
			Message:         task,
			SystemPrompt:    spec.Instruction,
			Intent:          pipeline.IntentChat,
			Tier:            spec.Tier,
			MaxTurns:        spec.MaxTurns,
			MaxPayloadChars: spec.MaxPayloadChars,
			ToolDefs:        defs,
		})
		if err != nil {
			return "", err
		}
		return res.Content, nil
	}
}

// ScheduledRunner binds the scheduler's job execution to the agent loop.
// Scheduled runs classify their own instruction for a tier, carry the
// scheduled framing in the prompt, and never post progress lines.
func (g *Gateway) ScheduledRunner() scheduler.RunAgent {
	return func(ctx context.Context, ws *workspace.Workspace, instruction, channelID, userID string) (string, error) {
		cls := pipeline.Classify(instruction, 0, false)
		pr := g.assembler.Assemble(ws, prompt.Input{
			Message:     instruction,
			Modules:     cls.Modules,
			IsScheduled: true,
		})
		res, err := g.loop.Run(withWorkspace(ctx, ws), agent.RunRequest{
			Workspace:    ws,
			ChannelID:    channelID,
			UserID:       userID,
			Message:      instruction,
			SystemPrompt: pr.String(),
			Intent:       cls.Intent,
			Tier:         pipeline.MaxTier(cls.Tier, pipeline.TierDefault),
			IsScheduled:  true,
		})
		if err != nil {
			return "", err
		}
		return res.Content, nil
	}
}

func (g *Gateway) threadLock(key string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	g.locks[key] = l
	return l
}

func (g *Gateway) activeFor(key string) *activeRun {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[key]
}

func (g *Gateway) setActive(key string, run *activeRun) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active[key] = run
}

func (g *Gateway) clearActive(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, key)
}

// priorityFor maps intents to queue lanes. Short interactive intents jump
// ahead; heavyweight analysis yields.
func priorityFor(intent string) queue.Priority {
	switch intent {
	case pipeline.IntentCommand, pipeline.IntentGreeting, pipeline.IntentConfirmation, pipeline.IntentFollowup:
		return queue.High
	case pipeline.IntentReasoning, pipeline.IntentDocument:
		return queue.Low
	}
	return queue.Normal
}

// The workspace rides the run context so delegation tools can reach it
// without threading it through every signature.
type wsCtxKey struct{}

func withWorkspace(ctx context.Context, ws *workspace.Workspace) context.Context {
	return context.WithValue(ctx, wsCtxKey{}, ws)
}

func workspaceFrom(ctx context.Context) *workspace.Workspace {
	ws, _ := ctx.Value(wsCtxKey{}).(*workspace.Workspace)
	return ws
}

func describeWork(text string) string {
	t := strings.TrimSpace(text)
	if len(t) > 80 {
		t = t[:80] + "..."
	}
	return fmt.Sprintf("%q", t)
}
