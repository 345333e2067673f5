package tools

import (
	"context"
	"fmt"
	"time"
)

// SubAgentSpec describes an isolated agent loop run as a tool.
type SubAgentSpec struct {
	Name            string
	Tier            string
	Instruction     string // framing prepended to the delegated task
	AllowedInternal []string
	AllowExternal   bool
	MaxTurns        int
	MaxPayloadChars int
	WallClock       time.Duration
}

// Sub-agent caps.
const (
	SubAgentMaxTurns   = 10
	SubAgentMaxPayload = 80000
	SubAgentWallClock  = 120 * time.Second
)

// subAgentSpecs is the closed set of delegation targets.
var subAgentSpecs = map[string]SubAgentSpec{
	"research": {
		Name:            "research",
		Tier:            "research",
		Instruction:     "You are a research assistant. Gather what was asked, cite where it came from, and return a tight summary.",
		AllowedInternal: []string{"lucy_read_file", "lucy_recall"},
		AllowExternal:   true,
	},
	"coding": {
		Name:            "coding",
		Tier:            "code",
		Instruction:     "You are a coding assistant. Produce working code, verify it in the workbench, and return only the final artifact.",
		AllowedInternal: []string{"lucy_read_file", "lucy_write_file"},
		AllowExternal:   true,
	},
	"data": {
		Name:            "data",
		Tier:            "default",
		Instruction:     "You are a data assistant. Pull real numbers, state their source and time range, and return the figures.",
		AllowedInternal: []string{"lucy_read_file"},
		AllowExternal:   true,
	},
}

// SubAgentSpecFor resolves a delegation target, applying default caps.
func SubAgentSpecFor(target string) (SubAgentSpec, bool) {
	spec, ok := subAgentSpecs[target]
	if !ok {
		return SubAgentSpec{}, false
	}
	spec.MaxTurns = SubAgentMaxTurns
	spec.MaxPayloadChars = SubAgentMaxPayload
	spec.WallClock = SubAgentWallClock
	return spec, true
}

// SubAgentTargets lists the available delegation targets.
func SubAgentTargets() []string {
	return []string{"coding", "data", "research"}
}

// DelegationDefinitions returns a delegation tool schema per target.
func DelegationDefinitions() []Tool {
	var out []Tool
	for _, target := range SubAgentTargets() {
		name := fmt.Sprintf("delegate_to_%s_agent", target)
		out = append(out, Tool{Def: def(name,
			fmt.Sprintf("Hand a self-contained %s task to a focused assistant and get its result back.", target),
			objSchema(map[string]any{
				"task": map[string]any{"type": "string", "description": "Complete task description with all needed context"},
			}, "task"))})
	}
	return out
}

// SubAgentRunner executes an isolated agent loop for a spec. Wired by the
// gateway to avoid a package cycle with the agent.
type SubAgentRunner func(ctx context.Context, spec SubAgentSpec, task string) (string, error)
