// Package queue bounds agent concurrency with a priority queue. Items pop in
// priority order, FIFO within a priority, with tenant round-robin inside each
// priority level so no single workspace starves the rest.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Priority levels, highest first.
type Priority int

const (
	High Priority = iota
	Normal
	Low
)

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Low:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority maps a name to a Priority, defaulting to Normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return High
	case "low":
		return Low
	default:
		return Normal
	}
}

// Handler is one unit of queued work.
type Handler func(ctx context.Context)

type item struct {
	workspaceID string
	requestID   string
	handler     Handler
}

// perPriority holds FIFO lanes per workspace plus a round-robin order.
type perPriority struct {
	lanes map[string][]*item
	order []string // workspaces with pending items, RR rotation
}

func newPerPriority() *perPriority {
	return &perPriority{lanes: make(map[string][]*item)}
}

func (pp *perPriority) push(it *item) {
	if _, ok := pp.lanes[it.workspaceID]; !ok {
		pp.order = append(pp.order, it.workspaceID)
	}
	pp.lanes[it.workspaceID] = append(pp.lanes[it.workspaceID], it)
}

// pop takes the head item from the next workspace in rotation.
func (pp *perPriority) pop() *item {
	if len(pp.order) == 0 {
		return nil
	}
	ws := pp.order[0]
	lane := pp.lanes[ws]
	it := lane[0]
	lane = lane[1:]
	if len(lane) == 0 {
		delete(pp.lanes, ws)
		pp.order = pp.order[1:]
	} else {
		pp.lanes[ws] = lane
		// Rotate so the next pop at this priority serves another tenant.
		pp.order = append(pp.order[1:], ws)
	}
	return it
}

// Queue is the process-wide admission gate for agent work.
type Queue struct {
	workers        int
	globalDepth    int
	workspaceDepth int

	mu         sync.Mutex
	cond       *sync.Cond
	priorities [3]*perPriority
	perWS      map[string]int // pending per workspace, across priorities
	pending    int
	inflight   int
	requestIDs map[string]bool
	closed     bool

	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// Options tune the queue; zero values take the defaults (10 workers,
// 200 global depth, 50 per workspace).
type Options struct {
	Workers        int
	GlobalDepth    int
	WorkspaceDepth int
}

func New(opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 10
	}
	if opts.GlobalDepth <= 0 {
		opts.GlobalDepth = 200
	}
	if opts.WorkspaceDepth <= 0 {
		opts.WorkspaceDepth = 50
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		workers:        opts.Workers,
		globalDepth:    opts.GlobalDepth,
		workspaceDepth: opts.WorkspaceDepth,
		perWS:          make(map[string]int),
		requestIDs:     make(map[string]bool),
		baseCtx:        ctx,
		cancel:         cancel,
	}
	q.cond = sync.NewCond(&q.mu)
	for i := range q.priorities {
		q.priorities[i] = newPerPriority()
	}
	for i := 0; i < opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue admits work for a workspace. Returns false on backpressure
// (global or per-workspace depth breached) or after shutdown. A duplicate
// requestID already in the queue is silently dropped and reported admitted.
func (q *Queue) Enqueue(workspaceID string, prio Priority, requestID string, handler Handler) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if requestID != "" && q.requestIDs[requestID] {
		return true
	}
	if q.pending >= q.globalDepth {
		slog.Warn("queue: global depth reached, rejecting", "workspace", workspaceID, "pending", q.pending)
		return false
	}
	if q.perWS[workspaceID] >= q.workspaceDepth {
		slog.Warn("queue: workspace depth reached, rejecting", "workspace", workspaceID)
		return false
	}

	q.priorities[prio].push(&item{workspaceID: workspaceID, requestID: requestID, handler: handler})
	q.perWS[workspaceID]++
	q.pending++
	if requestID != "" {
		q.requestIDs[requestID] = true
	}
	q.cond.Signal()
	return true
}

// IsBusy reports whether callers should surface a backpressure indicator.
func (q *Queue) IsBusy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending >= 2*q.workers
}

// Depth returns current pending count.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for q.pending == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.pending == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		var it *item
		for _, pp := range q.priorities {
			if it = pp.pop(); it != nil {
				break
			}
		}
		q.pending--
		q.perWS[it.workspaceID]--
		if q.perWS[it.workspaceID] == 0 {
			delete(q.perWS, it.workspaceID)
		}
		if it.requestID != "" {
			delete(q.requestIDs, it.requestID)
		}
		q.inflight++
		q.mu.Unlock()

		it.handler(q.baseCtx)

		q.mu.Lock()
		q.inflight--
		q.mu.Unlock()
	}
}

// Shutdown stops admission and drains: queued and in-flight handlers run to
// completion until the deadline, after which their context is cancelled.
func (q *Queue) Shutdown(deadline time.Duration) {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		slog.Warn("queue: drain deadline reached, cancelling in-flight work")
		q.cancel()
		<-done
	}
	q.cancel()
}
