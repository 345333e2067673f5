package tools

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/lucy-agent/lucy/internal/providers"
)

// ExternalClient is the narrow interface to the external tool catalog
// (Composio-style). Implementations handle auth and transport.
type ExternalClient interface {
	// SearchTools returns tool schemas matching a use case.
	SearchTools(ctx context.Context, useCase string) ([]providers.ToolDefinition, error)
	// ManageConnections reports connection status or returns an OAuth link.
	ManageConnections(ctx context.Context, op, service string) (string, error)
	// Execute runs one external tool call.
	Execute(ctx context.Context, tool string, params map[string]any) (string, error)
}

// Sandbox runs untrusted code or shell remotely.
type Sandbox interface {
	RunCode(ctx context.Context, source string) (*SandboxResult, error)
	RunShell(ctx context.Context, cmd string) (*SandboxResult, error)
}

// SandboxResult is the outcome of one sandboxed execution.
type SandboxResult struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  int    `json:"exit_code"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

func (r *SandboxResult) forLLM() string {
	var sb strings.Builder
	if r.Stdout != "" {
		sb.WriteString(r.Stdout)
	}
	if r.Stderr != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("stderr: ")
		sb.WriteString(r.Stderr)
	}
	if r.ExitCode != 0 {
		fmt.Fprintf(&sb, "\nexit code %d", r.ExitCode)
	}
	if sb.Len() == 0 {
		return "(no output)"
	}
	return sb.String()
}

// Meta-tool names.
const (
	MetaSearchTools       = "search_tools"
	MetaManageConnections = "manage_connections"
	MetaMultiExecute      = "multi_execute"
	MetaRemoteWorkbench   = "remote_workbench"
	MetaRemoteBash        = "remote_bash"
)

// MetaToolDefinitions returns the schemas for the five external gateways.
func MetaToolDefinitions() []providers.ToolDefinition {
	return []providers.ToolDefinition{
		def(MetaSearchTools,
			"Find external tools for a use case, e.g. \"send a calendar invite\".",
			objSchema(map[string]any{
				"use_case": map[string]any{"type": "string"},
			}, "use_case")),
		def(MetaManageConnections,
			"Check which external services are connected, or get a link to connect one.",
			objSchema(map[string]any{
				"op":      map[string]any{"type": "string", "enum": []string{"status", "connect"}},
				"service": map[string]any{"type": "string"},
			}, "op")),
		def(MetaMultiExecute,
			"Run several external tool calls at once.",
			objSchema(map[string]any{
				"calls": map[string]any{
					"type": "array",
					"items": objSchema(map[string]any{
						"tool":   map[string]any{"type": "string"},
						"params": map[string]any{"type": "object"},
					}, "tool"),
				},
			}, "calls")),
		def(MetaRemoteWorkbench,
			"Run Python code in a sandbox and get its output.",
			objSchema(map[string]any{
				"code": map[string]any{"type": "string"},
			}, "code")),
		def(MetaRemoteBash,
			"Run a shell command in a sandbox and get its output.",
			objSchema(map[string]any{
				"cmd": map[string]any{"type": "string"},
			}, "cmd")),
	}
}

// classifyExternalError turns a client error into a typed result.
func classifyExternalError(err error) *Result {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "403"):
		return ErrorResult(KindAuth, "connection-required: the service needs to be connected or re-authorized", false)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503"):
		return ErrorResult(KindTransient, err.Error(), true)
	default:
		return ErrorResult(KindFatal, err.Error(), false)
	}
}

// runMetaTool executes one of the five gateways.
func runMetaTool(ctx context.Context, client ExternalClient, sandbox Sandbox, name string, args map[string]any) *Result {
	switch name {
	case MetaSearchTools:
		if client == nil {
			return ErrorResult(KindFatal, "external tools are not configured", false)
		}
		useCase, ok := StringArg(args, "use_case")
		if !ok {
			return ErrorResult(KindParse, "use_case is required", false)
		}
		defs, err := client.SearchTools(ctx, useCase)
		if err != nil {
			return classifyExternalError(err)
		}
		if len(defs) == 0 {
			return NewResult("No matching tools found.")
		}
		var sb strings.Builder
		for _, d := range defs {
			fmt.Fprintf(&sb, "- %s: %s\n", d.Function.Name, d.Function.Description)
		}
		return NewResult(sb.String())

	case MetaManageConnections:
		if client == nil {
			return ErrorResult(KindFatal, "external tools are not configured", false)
		}
		op, ok := StringArg(args, "op")
		if !ok {
			return ErrorResult(KindParse, "op is required", false)
		}
		out, err := client.ManageConnections(ctx, op, OptionalString(args, "service"))
		if err != nil {
			return classifyExternalError(err)
		}
		return NewResult(out)

	case MetaMultiExecute:
		if client == nil {
			return ErrorResult(KindFatal, "external tools are not configured", false)
		}
		raw, ok := args["calls"].([]any)
		if !ok || len(raw) == 0 {
			return ErrorResult(KindParse, "calls is required", false)
		}
		outputs := make([]string, len(raw))
		g, gctx := errgroup.WithContext(ctx)
		for i, entry := range raw {
			call, ok := entry.(map[string]any)
			if !ok {
				outputs[i] = "[tool-error kind=argument-parse status=fatal] call entry is not an object"
				continue
			}
			tool, ok := StringArg(call, "tool")
			if !ok {
				outputs[i] = "[tool-error kind=argument-parse status=fatal] tool is required"
				continue
			}
			params, _ := call["params"].(map[string]any)
			i, tool, params := i, tool, params
			g.Go(func() error {
				out, err := client.Execute(gctx, tool, params)
				if err != nil {
					outputs[i] = classifyExternalError(err).ForLLM
					return nil
				}
				outputs[i] = out
				return nil
			})
		}
		_ = g.Wait()
		var sb strings.Builder
		for i, out := range outputs {
			fmt.Fprintf(&sb, "[%d] %s\n", i+1, out)
		}
		return NewResult(sb.String())

	case MetaRemoteWorkbench, MetaRemoteBash:
		if sandbox == nil {
			return ErrorResult(KindFatal, "code execution is not configured", false)
		}
		var (
			res *SandboxResult
			err error
		)
		if name == MetaRemoteWorkbench {
			code, ok := StringArg(args, "code")
			if !ok {
				return ErrorResult(KindParse, "code is required", false)
			}
			res, err = sandbox.RunCode(ctx, code)
		} else {
			cmd, ok := StringArg(args, "cmd")
			if !ok {
				return ErrorResult(KindParse, "cmd is required", false)
			}
			res, err = sandbox.RunShell(ctx, cmd)
		}
		if err != nil {
			return classifyExternalError(err)
		}
		return NewResult(res.forLLM())
	}
	return ErrorResult(KindUnknownTool, fmt.Sprintf("no meta-tool named %q", name), false)
}

// IsMetaTool reports whether a name is one of the five external gateways.
func IsMetaTool(name string) bool {
	switch name {
	case MetaSearchTools, MetaManageConnections, MetaMultiExecute, MetaRemoteWorkbench, MetaRemoteBash:
		return true
	}
	return false
}

// IsWorkbenchTool reports whether a tool runs code; the agent bumps to the
// code tier when one is called.
func IsWorkbenchTool(name string) bool {
	return name == MetaRemoteWorkbench || name == MetaRemoteBash
}
