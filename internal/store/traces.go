package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Span types.
const (
	SpanTypeLLMCall    = "llm_call"
	SpanTypeToolCall   = "tool_call"
	SpanTypeAgent      = "agent"
	SpanTypeSupervisor = "supervisor"
)

// Span / trace statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// TraceData is the per-task observability record.
type TraceData struct {
	ID               uuid.UUID
	TaskID           uuid.UUID
	WorkspaceID      string
	Name             string
	Intent           string
	ModelChain       string // comma-joined models in escalation order
	Status           string
	Error            string
	InputPreview     string
	OutputPreview    string
	PromptTokens     int
	CompletionTokens int
	StartTime        time.Time
	EndTime          *time.Time
}

// SpanData is one timed unit inside a trace.
type SpanData struct {
	ID               uuid.UUID
	TraceID          uuid.UUID
	SpanType         string
	Name             string
	Status           string
	Error            string
	InputPreview     string
	OutputPreview    string
	PromptTokens     int
	CompletionTokens int
	Model            string
	ToolName         string
	StartTime        time.Time
	DurationMS       int
}

// CreateTrace inserts a running trace.
func (s *Store) CreateTrace(ctx context.Context, t *TraceData) error {
	if t.ID == uuid.Nil {
		t.ID = GenID()
	}
	if t.Status == "" {
		t.Status = StatusRunning
	}
	if t.StartTime.IsZero() {
		t.StartTime = time.Now().UTC()
	}
	var taskID *string
	if t.TaskID != uuid.Nil {
		str := t.TaskID.String()
		taskID = &str
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO traces (id, task_id, workspace_id, name, intent, model_chain, status, error, input_preview, output_preview, prompt_tokens, completion_tokens, start_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), taskID, t.WorkspaceID, t.Name, t.Intent, t.ModelChain, t.Status, t.Error,
		t.InputPreview, t.OutputPreview, t.PromptTokens, t.CompletionTokens, t.StartTime,
	)
	return err
}

// FinishTrace closes a trace with its final status and aggregates.
func (s *Store) FinishTrace(ctx context.Context, id uuid.UUID, status, errText, outputPreview, modelChain string, promptTokens, completionTokens int) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE traces SET status = ?, error = ?, output_preview = ?, model_chain = ?, prompt_tokens = ?, completion_tokens = ?, end_time = ? WHERE id = ?`,
		status, errText, outputPreview, modelChain, promptTokens, completionTokens, now, id.String(),
	)
	return err
}

// InsertSpan persists one span.
func (s *Store) InsertSpan(ctx context.Context, span *SpanData) error {
	if span.ID == uuid.Nil {
		span.ID = GenID()
	}
	if span.Status == "" {
		span.Status = StatusCompleted
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spans (id, trace_id, span_type, name, status, error, input_preview, output_preview, prompt_tokens, completion_tokens, model, tool_name, start_time, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		span.ID.String(), span.TraceID.String(), span.SpanType, span.Name, span.Status, span.Error,
		span.InputPreview, span.OutputPreview, span.PromptTokens, span.CompletionTokens,
		span.Model, span.ToolName, span.StartTime, span.DurationMS,
	)
	return err
}

// Spans returns a trace's spans in start order.
func (s *Store) Spans(ctx context.Context, traceID uuid.UUID) ([]*SpanData, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trace_id, span_type, name, status, error, input_preview, output_preview, prompt_tokens, completion_tokens, model, tool_name, start_time, duration_ms
		 FROM spans WHERE trace_id = ? ORDER BY start_time`, traceID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var spans []*SpanData
	for rows.Next() {
		var sp SpanData
		var id, tid string
		var errText, input, output, model, toolName *string
		if err := rows.Scan(&id, &tid, &sp.SpanType, &sp.Name, &sp.Status, &errText, &input, &output,
			&sp.PromptTokens, &sp.CompletionTokens, &model, &toolName, &sp.StartTime, &sp.DurationMS); err != nil {
			return nil, err
		}
		sp.ID = uuid.MustParse(id)
		sp.TraceID = uuid.MustParse(tid)
		if errText != nil {
			sp.Error = *errText
		}
		if input != nil {
			sp.InputPreview = *input
		}
		if output != nil {
			sp.OutputPreview = *output
		}
		if model != nil {
			sp.Model = *model
		}
		if toolName != nil {
			sp.ToolName = *toolName
		}
		spans = append(spans, &sp)
	}
	return spans, rows.Err()
}
