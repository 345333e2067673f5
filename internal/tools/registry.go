package tools

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/lucy-agent/lucy/internal/providers"
	"github.com/lucy-agent/lucy/internal/workspace"
)

// InternalPrefix marks workspace-local tools.
const InternalPrefix = "lucy_"

// Handler executes one internal tool call against a workspace.
type Handler func(ctx context.Context, ws *workspace.Workspace, args map[string]any) *Result

// Tool pairs a schema with its handler.
type Tool struct {
	Def     providers.ToolDefinition
	Handler Handler
}

// Registry holds the internal tool set. External and delegation tools are
// routed by name shape, not registered here.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Def.Function.Name] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns registered tool names, sorted for stable schemas.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the schemas for every registered tool, optionally
// restricted to an allow set (used by sub-agents).
func (r *Registry) Definitions(allow []string) []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var allowed map[string]bool
	if len(allow) > 0 {
		allowed = make(map[string]bool, len(allow))
		for _, n := range allow {
			allowed[n] = true
		}
	}

	var defs []providers.ToolDefinition
	for _, name := range r.listLocked() {
		if allowed != nil && !allowed[name] {
			continue
		}
		defs = append(defs, r.tools[name].Def)
	}
	return defs
}

func (r *Registry) listLocked() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CallKind classifies a tool name for dispatch.
type CallKind int

const (
	CallInternal CallKind = iota
	CallDelegation
	CallExternal
)

var delegateRe = regexp.MustCompile(`^delegate_to_([a-z0-9]+)_agent$`)

// KindOf routes a tool name: internal prefix, delegation shape, or external.
func KindOf(name string) CallKind {
	if strings.HasPrefix(name, InternalPrefix) {
		return CallInternal
	}
	if delegateRe.MatchString(name) {
		return CallDelegation
	}
	return CallExternal
}

// DelegateTarget extracts the sub-agent name from a delegation tool name.
func DelegateTarget(name string) string {
	m := delegateRe.FindStringSubmatch(name)
	if m == nil {
		return ""
	}
	return m[1]
}

// destructiveVerbs gate tools behind human approval.
var destructiveVerbs = []string{
	"delete", "remove", "cancel", "send", "forward",
	"archive", "destroy", "revoke", "unsubscribe",
}

// IsDestructive reports whether a tool call needs human approval before it
// runs. Matching is on word boundaries within the lowered name.
func IsDestructive(name string) bool {
	lower := strings.ToLower(name)
	parts := strings.FieldsFunc(lower, func(r rune) bool {
		return r == '_' || r == '-' || r == '.'
	})
	for _, p := range parts {
		for _, v := range destructiveVerbs {
			if p == v {
				return true
			}
		}
	}
	return false
}

// Typed argument access. Missing or mistyped arguments are the model's
// fault; callers turn false into an argument-parse result.

func StringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok
}

func OptionalString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func OptionalBool(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func OptionalInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
