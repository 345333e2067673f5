// Package scheduler is the cron fabric: it persists recurring jobs per
// workspace, fires them on their expressions, runs them through the agent
// loop or the sandbox, and delivers or suppresses their output.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/robfig/cron/v3"

	"github.com/lucy-agent/lucy/internal/bus"
	"github.com/lucy-agent/lucy/internal/config"
	"github.com/lucy-agent/lucy/internal/output"
	"github.com/lucy-agent/lucy/internal/tools"
	"github.com/lucy-agent/lucy/internal/tracing"
	"github.com/lucy-agent/lucy/internal/workspace"
)

// RunAgent executes one scheduled agent instruction and returns the final
// text. The gateway binds this to the agent loop with scheduled-run context.
type RunAgent func(ctx context.Context, ws *workspace.Workspace, instruction, channelID, userID string) (string, error)

// Sentinels a job may answer to suppress delivery.
const heartbeatOK = "HEARTBEAT_OK"

// State keys under the workspace state document.
const (
	stateRunsPrefix    = "cron-runs:"
	stateSuccessPrefix = "cron-success:"
)

// Scheduler owns the process-wide cron registry. Job documents on disk are
// the source of truth; registry entries are derived and rebuilt on upsert.
type Scheduler struct {
	cfg      *config.Config
	manager  *workspace.Manager
	bus      *bus.MessageBus
	sandbox  tools.Sandbox
	runAgent RunAgent

	cron *cron.Cron
	gron *gronx.Gronx

	mu      sync.Mutex
	entries map[string]cron.EntryID // workspaceID + "/" + slug

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg *config.Config, manager *workspace.Manager, sandbox tools.Sandbox, runAgent RunAgent, mbus *bus.MessageBus) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:      cfg,
		manager:  manager,
		bus:      mbus,
		sandbox:  sandbox,
		runAgent: runAgent,
		cron:     cron.New(),
		gron:     gronx.New(),
		entries:  make(map[string]cron.EntryID),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Start discovers persisted jobs across every workspace and begins firing.
func (s *Scheduler) Start() error {
	ids, err := s.manager.List()
	if err != nil {
		return fmt.Errorf("discover workspaces: %w", err)
	}
	total := 0
	for _, id := range ids {
		ws, err := s.manager.Get(id)
		if err != nil {
			slog.Warn("scheduler: skipping workspace", "workspace", id, "error", err)
			continue
		}
		docs, err := ws.Crons()
		if err != nil {
			slog.Warn("scheduler: cannot list jobs", "workspace", id, "error", err)
			continue
		}
		for _, doc := range docs {
			if err := s.register(ws, doc); err != nil {
				slog.Warn("scheduler: job not registered",
					"workspace", id, "job", doc.Slug(), "error", err)
				continue
			}
			total++
		}
	}
	slog.Info("scheduler started", "workspaces", len(ids), "jobs", total)
	s.cron.Start()
	return nil
}

// Stop halts firing and waits for in-flight runs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.cancel()
	s.wg.Wait()
}

// Validate checks a cron expression and returns a warning string when the
// job would fire unusually often. Invalid expressions error.
func (s *Scheduler) Validate(expr string) (string, error) {
	if !s.gron.IsValid(expr) {
		return "", fmt.Errorf("invalid cron expression %q", expr)
	}
	if fires := estimateDailyFires(expr); fires > s.cfg.Scheduler.DailyFireWarning {
		return fmt.Sprintf("this schedule fires about %d times a day", fires), nil
	}
	return "", nil
}

// estimateDailyFires walks the next 24 hours of ticks.
func estimateDailyFires(expr string) int {
	ref := time.Now()
	end := ref.Add(24 * time.Hour)
	fires := 0
	for fires < 2000 {
		next, err := gronx.NextTickAfter(expr, ref, false)
		if err != nil || next.After(end) {
			break
		}
		fires++
		ref = next
	}
	return fires
}

// Upsert validates, persists, and (re)registers a job. Implements the
// tool-facing cron service.
func (s *Scheduler) Upsert(ctx context.Context, workspaceID string, doc *workspace.CronDoc) error {
	warning, err := s.Validate(doc.Cron)
	if err != nil {
		return err
	}
	if warning != "" {
		slog.Warn("scheduler: busy schedule accepted", "workspace", workspaceID, "job", doc.Slug(), "note", warning)
	}
	ws, err := s.manager.Get(workspaceID)
	if err != nil {
		return err
	}
	if err := ws.WriteCron(doc); err != nil {
		return err
	}
	return s.register(ws, doc)
}

// Remove deletes a job document and its registry entry.
func (s *Scheduler) Remove(ctx context.Context, workspaceID, slug string) error {
	ws, err := s.manager.Get(workspaceID)
	if err != nil {
		return err
	}
	if err := ws.DeleteCron(slug); err != nil {
		return err
	}
	s.deregister(workspaceID, slug)
	return nil
}

func (s *Scheduler) register(ws *workspace.Workspace, doc *workspace.CronDoc) error {
	spec := doc.Cron
	if doc.Timezone != "" && doc.Timezone != "UTC" {
		spec = "CRON_TZ=" + doc.Timezone + " " + spec
	}
	slug := doc.Slug()

	s.mu.Lock()
	defer s.mu.Unlock()
	key := ws.ID() + "/" + slug
	if old, ok := s.entries[key]; ok {
		s.cron.Remove(old)
	}
	id, err := s.cron.AddFunc(spec, func() { s.fire(ws, slug) })
	if err != nil {
		return fmt.Errorf("register %s: %w", key, err)
	}
	s.entries[key] = id
	return nil
}

func (s *Scheduler) deregister(workspaceID, slug string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := workspaceID + "/" + slug
	if id, ok := s.entries[key]; ok {
		s.cron.Remove(id)
		delete(s.entries, key)
	}
}

// fire reloads the document (it may have changed since registration) and
// runs it. Simultaneous fires run concurrently.
func (s *Scheduler) fire(ws *workspace.Workspace, slug string) {
	doc, err := ws.ReadCron(slug)
	if err != nil {
		slog.Warn("scheduler: fired job has no document, deregistering",
			"workspace", ws.ID(), "job", slug, "error", err)
		s.deregister(ws.ID(), slug)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.RunJob(s.baseCtx, ws, doc); err != nil {
			slog.Error("scheduler: job failed", "workspace", ws.ID(), "job", slug, "error", err)
		}
	}()
}

// RunJob executes one job end to end: dependency and condition gates,
// instruction assembly, execution with retries, suppression, delivery, and
// max-runs self-delete.
func (s *Scheduler) RunJob(ctx context.Context, ws *workspace.Workspace, doc *workspace.CronDoc) error {
	slug := doc.Slug()

	if doc.DependsOn != "" && !s.dependencyMetToday(ws, doc.DependsOn) {
		slog.Info("scheduler: dependency not met today, skipping",
			"workspace", ws.ID(), "job", slug, "depends_on", doc.DependsOn)
		return nil
	}
	if doc.ConditionScript != "" {
		ok, err := s.evalCondition(ctx, doc.ConditionScript)
		if err != nil {
			return fmt.Errorf("condition for %s: %w", slug, err)
		}
		if !ok {
			slog.Info("scheduler: condition false, skipping", "workspace", ws.ID(), "job", slug)
			return nil
		}
	}

	var resp string
	var err error
	for attempt := 0; ; attempt++ {
		resp, err = s.execute(ctx, ws, doc)
		if err == nil || ctx.Err() != nil {
			break
		}
		if attempt >= doc.Retries {
			s.notifyFailure(ws, doc, err)
			return fmt.Errorf("job %s exhausted retries: %w", slug, err)
		}
		backoff := time.Duration(1<<uint(attempt)) * time.Second
		slog.Warn("scheduler: run failed, backing off",
			"workspace", ws.ID(), "job", slug, "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	_ = ws.SetState(stateSuccessPrefix+slug, today())
	_ = ws.AppendActivity("Ran " + doc.Title)

	resp, learning := splitLearning(resp)
	if learning != "" {
		_ = ws.AppendLearning(slug, learning)
	}

	if !suppressed(resp) {
		s.deliver(ws, doc, output.Process(resp))
	}

	s.countRun(ws, doc, slug)
	return nil
}

// dependencyMetToday reports whether the upstream job succeeded today.
func (s *Scheduler) dependencyMetToday(ws *workspace.Workspace, dependsOn string) bool {
	depSlug := workspace.SanitizeSlug(strings.TrimPrefix(dependsOn, "/"))
	v, ok := ws.GetState(stateSuccessPrefix + depSlug)
	return ok && v == today()
}

// evalCondition runs the gate script in the sandbox. A non-zero exit or a
// falsy stdout skips the job.
func (s *Scheduler) evalCondition(ctx context.Context, script string) (bool, error) {
	if s.sandbox == nil {
		return false, fmt.Errorf("no sandbox configured")
	}
	res, err := s.sandbox.RunCode(ctx, script)
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		return false, nil
	}
	switch strings.ToLower(strings.TrimSpace(res.Stdout)) {
	case "", "false", "0", "no":
		return false, nil
	}
	return true, nil
}

// execute runs the job body: the agent loop for agent jobs, the sandbox for
// script jobs.
func (s *Scheduler) execute(ctx context.Context, ws *workspace.Workspace, doc *workspace.CronDoc) (string, error) {
	if doc.Type == "script" {
		return s.runScript(ctx, ws, doc)
	}
	if s.runAgent == nil {
		return "", fmt.Errorf("agent execution is not wired")
	}
	return s.runAgent(ctx, ws, buildInstruction(doc, ws.Learnings(doc.Slug())), doc.DeliveryChannel, doc.RequestingUser)
}

// runScript prefers a script file beside the job document and falls back to
// the description as the script body.
func (s *Scheduler) runScript(ctx context.Context, ws *workspace.Workspace, doc *workspace.CronDoc) (string, error) {
	if s.sandbox == nil {
		return "", fmt.Errorf("no sandbox configured")
	}
	source := doc.Description
	if data, err := ws.ReadFile("crons/" + doc.Slug() + "/script"); err == nil {
		source = string(data)
	}
	res, err := s.sandbox.RunCode(ctx, source)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("script exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

const scheduledFraming = `You are running a scheduled task. Nobody is in the conversation with you; work autonomously and produce the deliverable in one pass.`

var scheduledRules = strings.Join([]string{
	"Rules for scheduled runs:",
	"- Do not ask clarifying questions; there is no one to answer them.",
	"- Never fabricate sample data. Report only what you actually found.",
	"- Check your own output before finishing.",
	"- If there is genuinely nothing worth reporting, reply with exactly HEARTBEAT_OK.",
	"- Do not create or modify schedules from inside a scheduled run.",
	"- If you learned something that would make the next run better, end with one line starting with LEARNING: followed by a single sentence.",
}, "\n")

// buildInstruction frames the job description with learnings and run rules.
func buildInstruction(doc *workspace.CronDoc, learnings string) string {
	var sb strings.Builder
	sb.WriteString(scheduledFraming)
	sb.WriteString("\n\nTask: ")
	sb.WriteString(doc.Description)
	if learnings != "" {
		sb.WriteString("\n\nLearnings from previous runs:\n")
		sb.WriteString(learnings)
	}
	sb.WriteString("\n\n")
	sb.WriteString(scheduledRules)
	return sb.String()
}

// splitLearning pulls a trailing "LEARNING:" line out of a run response so it
// can be persisted for the next run instead of delivered.
func splitLearning(resp string) (body, learning string) {
	lines := strings.Split(strings.TrimRight(resp, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(trimmed, "LEARNING:"); ok {
			return strings.TrimSpace(strings.Join(append(lines[:i:i], lines[i+1:]...), "\n")), strings.TrimSpace(rest)
		}
		break
	}
	return resp, ""
}

// suppressed reports whether a response is the nothing-to-report sentinel.
func suppressed(resp string) bool {
	up := strings.ToUpper(strings.TrimSpace(resp))
	return up == "" || up == "SKIP" || strings.HasPrefix(up, heartbeatOK)
}

// deliver posts the processed output to the job's channel or as a DM.
func (s *Scheduler) deliver(ws *workspace.Workspace, doc *workspace.CronDoc, text string) {
	if s.bus == nil || text == "" {
		return
	}
	msg := bus.OutboundMessage{Text: text}
	if doc.DeliveryMode == "directMessage" {
		msg.UserID = doc.RequestingUser
	} else {
		msg.ChannelID = doc.DeliveryChannel
	}
	s.bus.PublishOutbound(msg)
}

// countRun bumps the persisted run counter and self-deletes at max-runs.
func (s *Scheduler) countRun(ws *workspace.Workspace, doc *workspace.CronDoc, slug string) {
	runs := 1
	if v, ok := ws.GetState(stateRunsPrefix + slug); ok {
		fmt.Sscanf(v, "%d", &runs)
		runs++
	}
	_ = ws.SetState(stateRunsPrefix+slug, fmt.Sprintf("%d", runs))

	if doc.MaxRuns > 0 && runs >= doc.MaxRuns {
		slog.Info("scheduler: job reached max runs, removing", "workspace", ws.ID(), "job", slug, "runs", runs)
		if err := ws.DeleteCron(slug); err != nil {
			slog.Warn("scheduler: self-delete failed", "workspace", ws.ID(), "job", slug, "error", err)
		}
		s.deregister(ws.ID(), slug)
	}
}

// notifyFailure direct-messages the requesting user after retries exhaust.
func (s *Scheduler) notifyFailure(ws *workspace.Workspace, doc *workspace.CronDoc, err error) {
	if !doc.NotifyOnFailure || s.bus == nil || doc.RequestingUser == "" {
		return
	}
	s.bus.PublishOutbound(bus.OutboundMessage{
		UserID: doc.RequestingUser,
		Text:   fmt.Sprintf("The scheduled task %q kept failing, so I've stopped retrying for now. Last error: %s", doc.Title, errorSummary(err)),
	})
}

func errorSummary(err error) string {
	return tracing.TruncatePreview(err.Error(), 200)
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}
