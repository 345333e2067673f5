// Package tools defines the tool surface the agent exposes to the LLM: a
// registry of internal workspace tools, delegation tools that run sub-agents,
// and meta-tools that gateway to external services. Tool failures are typed
// results the model can read and adapt to, never raw errors.
package tools

import (
	"fmt"
	"strings"

	"github.com/lucy-agent/lucy/internal/providers"
)

// Error kinds carried in failed results.
const (
	KindAuth        = "tool-auth"
	KindTransient   = "tool-transient"
	KindFatal       = "tool-fatal"
	KindParse       = "argument-parse"
	KindUnknownTool = "unknown-tool"
	KindCancelled   = "cancelled"
)

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM    string `json:"for_llm"`              // content sent to the LLM
	IsError   bool   `json:"is_error"`             // marks error
	ErrorKind string `json:"error_kind,omitempty"` // taxonomy kind when IsError
	Retryable bool   `json:"retryable"`            // a retry could help

	// Usage holds token usage from tools that make internal LLM calls
	// (sub-agent delegation). The agent loop records it on the tool span.
	Usage *providers.Usage `json:"-"`
	Model string           `json:"-"`
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

// ErrorResult renders a failure with a stable marker the model and the
// stuck detector can key on.
func ErrorResult(kind, message string, retryable bool) *Result {
	status := "fatal"
	if retryable {
		status = "retryable"
	}
	return &Result{
		ForLLM:    fmt.Sprintf("[tool-error kind=%s status=%s] %s", kind, status, message),
		IsError:   true,
		ErrorKind: kind,
		Retryable: retryable,
	}
}

// IsErrorPayload reports whether tool-role content came from a failed
// result.
func IsErrorPayload(content string) bool {
	return strings.HasPrefix(content, "[tool-error ")
}
