package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lucy-agent/lucy/internal/providers"
	"github.com/lucy-agent/lucy/internal/workspace"
)

// CronService is implemented by the scheduler. Tools go through it instead
// of writing job documents directly so the trigger registry stays in sync
// with the filesystem.
type CronService interface {
	Upsert(ctx context.Context, workspaceID string, doc *workspace.CronDoc) error
	Remove(ctx context.Context, workspaceID, slug string) error
}

type scheduledRunKey struct{}

// WithScheduledRun marks a context as belonging to a cron-initiated run.
func WithScheduledRun(ctx context.Context) context.Context {
	return context.WithValue(ctx, scheduledRunKey{}, true)
}

// IsScheduledRun reports whether this run was started by the scheduler.
// Scheduled runs may not create or modify crons.
func IsScheduledRun(ctx context.Context) bool {
	v, _ := ctx.Value(scheduledRunKey{}).(bool)
	return v
}

func objSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func def(name, description string, params map[string]any) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        name,
			Description: description,
			Parameters:  params,
		},
	}
}

// RegisterBuiltins installs the workspace-local tool set.
func RegisterBuiltins(r *Registry, crons CronService) {
	r.Register(Tool{
		Def: def("lucy_remember",
			"Save a durable fact about this team or its work. Use for things worth knowing next week.",
			objSchema(map[string]any{
				"text":     map[string]any{"type": "string", "description": "The fact, one sentence"},
				"category": map[string]any{"type": "string", "enum": []string{"company", "team", "session"}},
			}, "text")),
		Handler: handleRemember,
	})

	r.Register(Tool{
		Def: def("lucy_recall",
			"List the facts currently remembered for this team.",
			objSchema(map[string]any{})),
		Handler: handleRecall,
	})

	r.Register(Tool{
		Def: def("lucy_read_file",
			"Read a document from the team workspace.",
			objSchema(map[string]any{
				"path": map[string]any{"type": "string", "description": "Workspace-relative path"},
			}, "path")),
		Handler: handleReadFile,
	})

	r.Register(Tool{
		Def: def("lucy_write_file",
			"Write a document into the team workspace.",
			objSchema(map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			}, "path", "content")),
		Handler: handleWriteFile,
	})

	r.Register(Tool{
		Def: def("lucy_list_skills",
			"List the skills available in this workspace with their trigger keywords.",
			objSchema(map[string]any{})),
		Handler: handleListSkills,
	})

	r.Register(Tool{
		Def: def("lucy_save_skill",
			"Save or update a skill document teaching a repeatable capability.",
			objSchema(map[string]any{
				"name":        map[string]any{"type": "string"},
				"description": map[string]any{"type": "string"},
				"triggers":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"body":        map[string]any{"type": "string"},
			}, "name", "body")),
		Handler: handleSaveSkill,
	})

	r.Register(Tool{
		Def: def("lucy_manage_cron",
			"Create, list, update, or delete a scheduled job for this team.",
			objSchema(map[string]any{
				"op":               map[string]any{"type": "string", "enum": []string{"create", "list", "update", "delete"}},
				"path":             map[string]any{"type": "string", "description": "Job identifier, e.g. /daily-report"},
				"cron":             map[string]any{"type": "string", "description": "Cron expression"},
				"title":            map[string]any{"type": "string"},
				"description":      map[string]any{"type": "string", "description": "What the job should do, written as instructions"},
				"delivery_mode":    map[string]any{"type": "string", "enum": []string{"channel", "directMessage"}},
				"delivery_channel": map[string]any{"type": "string"},
				"timezone":         map[string]any{"type": "string"},
				"max_runs":         map[string]any{"type": "integer"},
			}, "op")),
		Handler: cronHandler(crons),
	})

	r.Register(Tool{
		Def: def("lucy_manage_heartbeat",
			"Create, list, pause, resume, or delete a condition monitor for this team.",
			objSchema(map[string]any{
				"op":               map[string]any{"type": "string", "enum": []string{"create", "list", "pause", "resume", "delete"}},
				"slug":             map[string]any{"type": "string"},
				"kind":             map[string]any{"type": "string", "enum": []string{"api-health", "page-content", "metric-threshold", "custom"}},
				"config":           map[string]any{"type": "object", "description": "Kind-specific settings; include _alert_channel"},
				"interval_seconds": map[string]any{"type": "integer"},
				"cooldown_seconds": map[string]any{"type": "integer"},
			}, "op")),
		Handler: handleHeartbeat,
	})
}

func handleRemember(ctx context.Context, ws *workspace.Workspace, args map[string]any) *Result {
	text, ok := StringArg(args, "text")
	if !ok || strings.TrimSpace(text) == "" {
		return ErrorResult(KindParse, "text is required", false)
	}
	category := OptionalString(args, "category")
	if category == "" {
		category = "session"
	}
	if err := ws.AddFact(workspace.SessionFact{Text: text, Category: category, Source: "agent"}); err != nil {
		return ErrorResult(KindFatal, "could not save the fact", false)
	}
	return NewResult("Saved.")
}

func handleRecall(ctx context.Context, ws *workspace.Workspace, args map[string]any) *Result {
	facts, err := ws.Facts()
	if err != nil {
		return ErrorResult(KindFatal, "could not load facts", false)
	}
	if len(facts) == 0 {
		return NewResult("No facts saved yet.")
	}
	var sb strings.Builder
	for _, f := range facts {
		fmt.Fprintf(&sb, "- [%s] %s\n", f.Category, f.Text)
	}
	return NewResult(sb.String())
}

func handleReadFile(ctx context.Context, ws *workspace.Workspace, args map[string]any) *Result {
	path, ok := StringArg(args, "path")
	if !ok {
		return ErrorResult(KindParse, "path is required", false)
	}
	data, err := ws.ReadFile(path)
	if err != nil {
		return ErrorResult(KindFatal, fmt.Sprintf("could not read %s", path), false)
	}
	return NewResult(string(data))
}

func handleWriteFile(ctx context.Context, ws *workspace.Workspace, args map[string]any) *Result {
	path, ok := StringArg(args, "path")
	if !ok {
		return ErrorResult(KindParse, "path is required", false)
	}
	content, ok := StringArg(args, "content")
	if !ok {
		return ErrorResult(KindParse, "content is required", false)
	}
	if err := ws.WriteFile(path, []byte(content)); err != nil {
		return ErrorResult(KindFatal, fmt.Sprintf("could not write %s", path), false)
	}
	return NewResult("Written.")
}

func handleListSkills(ctx context.Context, ws *workspace.Workspace, args map[string]any) *Result {
	skills, err := ws.Skills()
	if err != nil {
		return ErrorResult(KindFatal, "could not load skills", false)
	}
	if len(skills) == 0 {
		return NewResult("No skills saved yet.")
	}
	var sb strings.Builder
	for _, sk := range skills {
		fmt.Fprintf(&sb, "- %s: %s (triggers: %s)\n", sk.Name, sk.Description, strings.Join(sk.Triggers, ", "))
	}
	return NewResult(sb.String())
}

func handleSaveSkill(ctx context.Context, ws *workspace.Workspace, args map[string]any) *Result {
	name, ok := StringArg(args, "name")
	if !ok {
		return ErrorResult(KindParse, "name is required", false)
	}
	body, ok := StringArg(args, "body")
	if !ok {
		return ErrorResult(KindParse, "body is required", false)
	}
	sk := workspace.Skill{
		Name:        name,
		Description: OptionalString(args, "description"),
		Body:        body,
	}
	if raw, ok := args["triggers"].([]any); ok {
		for _, t := range raw {
			if s, ok := t.(string); ok {
				sk.Triggers = append(sk.Triggers, s)
			}
		}
	}
	if err := ws.WriteSkill(sk); err != nil {
		return ErrorResult(KindFatal, "could not save the skill", false)
	}
	return NewResult("Skill saved.")
}

func cronHandler(crons CronService) Handler {
	return func(ctx context.Context, ws *workspace.Workspace, args map[string]any) *Result {
		op, ok := StringArg(args, "op")
		if !ok {
			return ErrorResult(KindParse, "op is required", false)
		}
		if op != "list" && IsScheduledRun(ctx) {
			return ErrorResult(KindFatal, "scheduled runs may not create or modify schedules", false)
		}

		switch op {
		case "list":
			docs, err := ws.Crons()
			if err != nil {
				return ErrorResult(KindFatal, "could not list jobs", false)
			}
			if len(docs) == 0 {
				return NewResult("No scheduled jobs.")
			}
			var sb strings.Builder
			for _, d := range docs {
				fmt.Fprintf(&sb, "- %s (%s): %s\n", d.Title, d.Cron, d.Path)
			}
			return NewResult(sb.String())

		case "create", "update":
			if crons == nil {
				return ErrorResult(KindFatal, "scheduling is not available", false)
			}
			doc := &workspace.CronDoc{
				Path:            OptionalString(args, "path"),
				Cron:            OptionalString(args, "cron"),
				Title:           OptionalString(args, "title"),
				Description:     OptionalString(args, "description"),
				Type:            "agent",
				DeliveryMode:    OptionalString(args, "delivery_mode"),
				DeliveryChannel: OptionalString(args, "delivery_channel"),
				Timezone:        OptionalString(args, "timezone"),
				MaxRuns:         OptionalInt(args, "max_runs"),
			}
			if op == "update" {
				if existing, err := ws.ReadCron(doc.Slug()); err == nil {
					merged := *existing
					if doc.Cron != "" {
						merged.Cron = doc.Cron
					}
					if doc.Title != "" {
						merged.Title = doc.Title
					}
					if doc.Description != "" {
						merged.Description = doc.Description
					}
					if doc.DeliveryMode != "" {
						merged.DeliveryMode = doc.DeliveryMode
					}
					if doc.DeliveryChannel != "" {
						merged.DeliveryChannel = doc.DeliveryChannel
					}
					if doc.Timezone != "" {
						merged.Timezone = doc.Timezone
					}
					if doc.MaxRuns != 0 {
						merged.MaxRuns = doc.MaxRuns
					}
					doc = &merged
				}
			}
			if err := crons.Upsert(ctx, ws.ID(), doc); err != nil {
				return ErrorResult(KindFatal, err.Error(), false)
			}
			return NewResult(fmt.Sprintf("Scheduled %q on %q.", doc.Title, doc.Cron))

		case "delete":
			if crons == nil {
				return ErrorResult(KindFatal, "scheduling is not available", false)
			}
			path, ok := StringArg(args, "path")
			if !ok {
				return ErrorResult(KindParse, "path is required", false)
			}
			doc := &workspace.CronDoc{Path: path}
			if err := crons.Remove(ctx, ws.ID(), doc.Slug()); err != nil {
				return ErrorResult(KindFatal, err.Error(), false)
			}
			return NewResult("Schedule removed.")
		}
		return ErrorResult(KindParse, fmt.Sprintf("unknown op %q", op), false)
	}
}

func handleHeartbeat(ctx context.Context, ws *workspace.Workspace, args map[string]any) *Result {
	op, ok := StringArg(args, "op")
	if !ok {
		return ErrorResult(KindParse, "op is required", false)
	}

	switch op {
	case "list":
		docs, err := ws.Heartbeats()
		if err != nil {
			return ErrorResult(KindFatal, "could not list monitors", false)
		}
		if len(docs) == 0 {
			return NewResult("No monitors configured.")
		}
		var sb strings.Builder
		for _, d := range docs {
			fmt.Fprintf(&sb, "- %s (%s, every %ds): %s\n", d.Slug, d.Kind, d.IntervalSeconds, d.Status)
		}
		return NewResult(sb.String())

	case "create":
		slug, ok := StringArg(args, "slug")
		if !ok {
			return ErrorResult(KindParse, "slug is required", false)
		}
		kind, ok := StringArg(args, "kind")
		if !ok {
			return ErrorResult(KindParse, "kind is required", false)
		}
		switch kind {
		case "api-health", "page-content", "metric-threshold", "custom":
		default:
			return ErrorResult(KindParse, fmt.Sprintf("unknown monitor kind %q", kind), false)
		}
		cfg, _ := args["config"].(map[string]any)
		raw, err := json.Marshal(cfg)
		if err != nil {
			return ErrorResult(KindParse, "config is not valid", false)
		}
		interval := OptionalInt(args, "interval_seconds")
		if interval <= 0 {
			interval = 300
		}
		cooldown := OptionalInt(args, "cooldown_seconds")
		if cooldown <= 0 {
			cooldown = 1800
		}
		doc := &workspace.HeartbeatDoc{
			Slug:            workspace.SanitizeSlug(slug),
			Kind:            kind,
			Config:          raw,
			IntervalSeconds: interval,
			CooldownSeconds: cooldown,
			Status:          workspace.HeartbeatActive,
		}
		if err := ws.WriteHeartbeat(doc); err != nil {
			return ErrorResult(KindFatal, err.Error(), false)
		}
		return NewResult(fmt.Sprintf("Monitor %q is active.", doc.Slug))

	case "pause", "resume":
		slug, ok := StringArg(args, "slug")
		if !ok {
			return ErrorResult(KindParse, "slug is required", false)
		}
		doc, err := ws.ReadHeartbeat(slug)
		if err != nil {
			return ErrorResult(KindFatal, fmt.Sprintf("no monitor named %q", slug), false)
		}
		if op == "pause" {
			doc.Status = workspace.HeartbeatPaused
		} else {
			doc.Status = workspace.HeartbeatActive
			doc.ConsecutiveFailures = 0
		}
		if err := ws.WriteHeartbeat(doc); err != nil {
			return ErrorResult(KindFatal, "could not update the monitor", false)
		}
		return NewResult(fmt.Sprintf("Monitor %q is now %s.", slug, doc.Status))

	case "delete":
		slug, ok := StringArg(args, "slug")
		if !ok {
			return ErrorResult(KindParse, "slug is required", false)
		}
		if err := ws.DeleteHeartbeat(slug); err != nil {
			return ErrorResult(KindFatal, "could not delete the monitor", false)
		}
		return NewResult("Monitor deleted.")
	}
	return ErrorResult(KindParse, fmt.Sprintf("unknown op %q", op), false)
}
