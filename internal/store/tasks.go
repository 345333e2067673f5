package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task lifecycle states. Transitions follow a DAG: forward only, exactly one
// terminal state, with a running<->pending_approval hop for approval waits.
const (
	TaskCreated         = "created"
	TaskPendingApproval = "pending_approval"
	TaskRunning         = "running"
	TaskCompleted       = "completed"
	TaskFailed          = "failed"
	TaskCancelled       = "cancelled"
	TaskTimeout         = "timeout"
)

// taskRank orders states along the lifecycle DAG. Terminal states share the
// top rank so no terminal state can replace another.
var taskRank = map[string]int{
	TaskCreated:         0,
	TaskPendingApproval: 1,
	TaskRunning:         2,
	TaskCompleted:       3,
	TaskFailed:          3,
	TaskCancelled:       3,
	TaskTimeout:         3,
}

// TaskData is one agent execution unit.
type TaskData struct {
	ID          uuid.UUID
	WorkspaceID string
	ChannelID   string
	ThreadID    string
	UserID      string
	Intent      string
	Tier        string
	Priority    string
	State       string
	Reason      string
	Result      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskStepData records one unit of work within a task.
type TaskStepData struct {
	ID        uuid.UUID
	TaskID    uuid.UUID
	Seq       int
	StepType  string // "llm_call", "tool_use", "approval_wait", "sub_agent"
	Detail    string
	Error     string
	StartedAt time.Time
	EndedAt   *time.Time
}

// Approval states.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
	ApprovalExpired  = "expired"
)

// ApprovalData is the persisted record of a destructive-tool approval.
type ApprovalData struct {
	ID          uuid.UUID
	TaskID      uuid.UUID
	WorkspaceID string
	ToolName    string
	State       string
	CreatedAt   time.Time
	ResolvedAt  *time.Time
}

// CreateTask inserts a task in state "created".
func (s *Store) CreateTask(ctx context.Context, task *TaskData) error {
	if task.ID == uuid.Nil {
		task.ID = GenID()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.State == "" {
		task.State = TaskCreated
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, workspace_id, channel_id, thread_id, user_id, intent, tier, priority, state, reason, result, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID.String(), task.WorkspaceID, task.ChannelID, task.ThreadID, task.UserID,
		task.Intent, task.Tier, task.Priority, task.State, task.Reason, task.Result, now, now,
	)
	return err
}

// TransitionTask moves a task forward along the lifecycle DAG. A transition
// that would move backwards, or out of a terminal state, is rejected, with
// one exception: a running task may park in pending_approval while a person
// rules on a destructive call, then resume running.
func (s *Store) TransitionTask(ctx context.Context, taskID uuid.UUID, state, reason string) error {
	newRank, ok := taskRank[state]
	if !ok {
		return fmt.Errorf("unknown task state %q", state)
	}

	var current string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM tasks WHERE id = ?`, taskID.String()).Scan(&current)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	curRank := taskRank[current]
	if curRank >= 3 {
		return fmt.Errorf("task %s already terminal (%s)", taskID, current)
	}
	suspend := current == TaskRunning && state == TaskPendingApproval
	if newRank < curRank && !suspend {
		return fmt.Errorf("task %s: illegal transition %s -> %s", taskID, current, state)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, reason = ?, updated_at = ? WHERE id = ?`,
		state, reason, time.Now().UTC(), taskID.String(),
	)
	return err
}

// SetTaskResult stores the final result payload.
func (s *Store) SetTaskResult(ctx context.Context, taskID uuid.UUID, result string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET result = ?, updated_at = ? WHERE id = ?`,
		result, time.Now().UTC(), taskID.String(),
	)
	return err
}

// GetTask loads one task.
func (s *Store) GetTask(ctx context.Context, taskID uuid.UUID) (*TaskData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, channel_id, thread_id, user_id, intent, tier, priority, state, reason, result, created_at, updated_at
		 FROM tasks WHERE id = ?`, taskID.String())
	return scanTask(row)
}

// ListTasks returns a workspace's tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, workspaceID string, limit int) ([]*TaskData, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_id, channel_id, thread_id, user_id, intent, tier, priority, state, reason, result, created_at, updated_at
		 FROM tasks WHERE workspace_id = ? ORDER BY created_at DESC LIMIT ?`, workspaceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*TaskData
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*TaskData, error) {
	var t TaskData
	var id string
	var threadID, reason, result *string
	if err := row.Scan(&id, &t.WorkspaceID, &t.ChannelID, &threadID, &t.UserID,
		&t.Intent, &t.Tier, &t.Priority, &t.State, &reason, &result, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.ID = uuid.MustParse(id)
	if threadID != nil {
		t.ThreadID = *threadID
	}
	if reason != nil {
		t.Reason = *reason
	}
	if result != nil {
		t.Result = *result
	}
	return &t, nil
}

// AddStep appends a step record to a task.
func (s *Store) AddStep(ctx context.Context, step *TaskStepData) error {
	if step.ID == uuid.Nil {
		step.ID = GenID()
	}
	if step.StartedAt.IsZero() {
		step.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_steps (id, task_id, seq, step_type, detail, error, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID.String(), step.TaskID.String(), step.Seq, step.StepType, step.Detail, step.Error, step.StartedAt, step.EndedAt,
	)
	return err
}

// Steps returns a task's steps in sequence order.
func (s *Store) Steps(ctx context.Context, taskID uuid.UUID) ([]*TaskStepData, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, seq, step_type, detail, error, started_at, ended_at
		 FROM task_steps WHERE task_id = ? ORDER BY seq`, taskID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*TaskStepData
	for rows.Next() {
		var st TaskStepData
		var id, tid string
		var detail, stepErr *string
		if err := rows.Scan(&id, &tid, &st.Seq, &st.StepType, &detail, &stepErr, &st.StartedAt, &st.EndedAt); err != nil {
			return nil, err
		}
		st.ID = uuid.MustParse(id)
		st.TaskID = uuid.MustParse(tid)
		if detail != nil {
			st.Detail = *detail
		}
		if stepErr != nil {
			st.Error = *stepErr
		}
		steps = append(steps, &st)
	}
	return steps, rows.Err()
}

// CreateApproval inserts a pending approval for a task.
func (s *Store) CreateApproval(ctx context.Context, a *ApprovalData) error {
	if a.ID == uuid.Nil {
		a.ID = GenID()
	}
	a.State = ApprovalPending
	a.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, task_id, workspace_id, tool_name, state, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.TaskID.String(), a.WorkspaceID, a.ToolName, a.State, a.CreatedAt,
	)
	return err
}

// ResolveApproval marks an approval approved, rejected, or expired.
// Only a pending approval can be resolved.
func (s *Store) ResolveApproval(ctx context.Context, id uuid.UUID, state string) error {
	switch state {
	case ApprovalApproved, ApprovalRejected, ApprovalExpired:
	default:
		return fmt.Errorf("invalid approval resolution %q", state)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET state = ?, resolved_at = ? WHERE id = ? AND state = ?`,
		state, time.Now().UTC(), id.String(), ApprovalPending,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("approval %s not pending", id)
	}
	return nil
}
