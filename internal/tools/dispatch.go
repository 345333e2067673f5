package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lucy-agent/lucy/internal/pipeline"
	"github.com/lucy-agent/lucy/internal/providers"
	"github.com/lucy-agent/lucy/internal/ratelimit"
	"github.com/lucy-agent/lucy/internal/workspace"
)

// acquireTimeout bounds how long one tool call waits on its API bucket.
const acquireTimeout = 60 * time.Second

// Dispatcher routes tool calls three ways (internal, delegation, external)
// and runs all calls from one LLM turn in parallel, stitching results back
// in call order.
type Dispatcher struct {
	Registry *Registry
	External ExternalClient
	Sandbox  Sandbox
	Limiter  *ratelimit.Limiter
	SubAgent SubAgentRunner

	mu     sync.Mutex
	recent []pipeline.RecentToolCall
}

// Dispatch executes every call from a single LLM turn concurrently and
// returns results indexed to match the calls.
func (d *Dispatcher) Dispatch(ctx context.Context, ws *workspace.Workspace, calls []providers.ToolCall) []*Result {
	results := make([]*Result, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			results[i] = d.dispatchOne(gctx, ws, call)
			return nil
		})
	}
	_ = g.Wait()
	for i := range results {
		if results[i] == nil {
			results[i] = ErrorResult(KindCancelled, "the call was cancelled", false)
		}
	}
	return results
}

func (d *Dispatcher) dispatchOne(ctx context.Context, ws *workspace.Workspace, call providers.ToolCall) *Result {
	if ctx.Err() != nil {
		return ErrorResult(KindCancelled, "the call was cancelled", false)
	}

	if d.isDuplicate(call) {
		slog.Info("tool call deduplicated", "tool", call.Name, "workspace", ws.ID())
		return NewResult("Already done moments ago; result unchanged.")
	}

	start := time.Now()
	var res *Result
	switch KindOf(call.Name) {
	case CallInternal:
		res = d.runInternal(ctx, ws, call)
	case CallDelegation:
		res = d.runDelegation(ctx, call)
	default:
		res = d.runExternal(ctx, call)
	}
	d.remember(call)

	slog.Debug("tool call finished",
		"tool", call.Name,
		"workspace", ws.ID(),
		"ok", !res.IsError,
		"elapsed", time.Since(start))
	return res
}

func (d *Dispatcher) runInternal(ctx context.Context, ws *workspace.Workspace, call providers.ToolCall) *Result {
	tool, ok := d.Registry.Get(call.Name)
	if !ok {
		return ErrorResult(KindUnknownTool, fmt.Sprintf("no tool named %q", call.Name), false)
	}
	return tool.Handler(ctx, ws, call.Arguments)
}

func (d *Dispatcher) runDelegation(ctx context.Context, call providers.ToolCall) *Result {
	target := DelegateTarget(call.Name)
	spec, ok := SubAgentSpecFor(target)
	if !ok {
		return ErrorResult(KindUnknownTool, fmt.Sprintf("no assistant named %q", target), false)
	}
	task, ok := StringArg(call.Arguments, "task")
	if !ok {
		return ErrorResult(KindParse, "task is required", false)
	}
	if d.SubAgent == nil {
		return ErrorResult(KindFatal, "delegation is not available", false)
	}

	subCtx, cancel := context.WithTimeout(ctx, spec.WallClock)
	defer cancel()
	text, err := d.SubAgent(subCtx, spec, task)
	if err != nil {
		if subCtx.Err() == context.DeadlineExceeded {
			return ErrorResult(KindTransient, "the delegated task ran out of time", true)
		}
		return ErrorResult(KindFatal, err.Error(), false)
	}
	return NewResult(text)
}

func (d *Dispatcher) runExternal(ctx context.Context, call providers.ToolCall) *Result {
	if IsMetaTool(call.Name) {
		return runMetaTool(ctx, d.External, d.Sandbox, call.Name, call.Arguments)
	}
	if d.External == nil {
		return ErrorResult(KindFatal, "external tools are not configured", false)
	}

	// The API bucket gates external calls independently of any model bucket.
	if d.Limiter != nil && !d.Limiter.AcquireAPI(ctx, call.Name, acquireTimeout) {
		return ErrorResult(KindTransient, "the service is rate limiting us right now", true)
	}

	out, err := d.External.Execute(ctx, call.Name, call.Arguments)
	if err != nil {
		res := classifyExternalError(err)
		if res.Retryable {
			// One inline retry for transient failures.
			if out2, err2 := d.External.Execute(ctx, call.Name, call.Arguments); err2 == nil {
				return NewResult(out2)
			}
		}
		return res
	}
	return NewResult(out)
}

func (d *Dispatcher) isDuplicate(call providers.ToolCall) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return pipeline.ShouldDeduplicateToolCall(call.Name, call.Arguments, d.recent, pipeline.ToolCallDedupWindow)
}

func (d *Dispatcher) remember(call providers.ToolCall) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := time.Now().Add(-pipeline.ToolCallDedupWindow)
	kept := d.recent[:0]
	for _, rc := range d.recent {
		if rc.At.After(cutoff) {
			kept = append(kept, rc)
		}
	}
	d.recent = append(kept, pipeline.RecentToolCall{Name: call.Name, Params: call.Arguments, At: time.Now()})
}

// Definitions assembles the full tool schema list for a main agent run:
// internal tools, delegation tools, and the five meta-tools.
func (d *Dispatcher) Definitions() []providers.ToolDefinition {
	defs := d.Registry.Definitions(nil)
	for _, t := range DelegationDefinitions() {
		defs = append(defs, t.Def)
	}
	defs = append(defs, MetaToolDefinitions()...)
	return defs
}
