// Package tracing records per-task traces and spans. Spans are persisted
// asynchronously to the store and mirrored to an OpenTelemetry tracer so an
// external backend can be attached without touching call sites.
package tracing

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/lucy-agent/lucy/internal/store"
)

// Collector buffers spans and writes them to the store off the hot path.
type Collector struct {
	store  *store.Store
	tracer oteltrace.Tracer

	spanCh chan store.SpanData
	wg     sync.WaitGroup
	once   sync.Once
}

func NewCollector(st *store.Store) *Collector {
	c := &Collector{
		store:  st,
		tracer: otel.Tracer("lucy/agent"),
		spanCh: make(chan store.SpanData, 512),
	}
	c.wg.Add(1)
	go c.drain()
	return c
}

func (c *Collector) drain() {
	defer c.wg.Done()
	for span := range c.spanCh {
		if err := c.store.InsertSpan(context.Background(), &span); err != nil {
			slog.Warn("tracing: failed to persist span", "span", span.Name, "error", err)
		}
	}
}

// CreateTrace opens a trace record.
func (c *Collector) CreateTrace(ctx context.Context, t *store.TraceData) error {
	return c.store.CreateTrace(ctx, t)
}

// FinishTrace closes a trace record.
func (c *Collector) FinishTrace(ctx context.Context, id uuid.UUID, status, errText, outputPreview, modelChain string, promptTokens, completionTokens int) {
	if err := c.store.FinishTrace(ctx, id, status, errText, outputPreview, modelChain, promptTokens, completionTokens); err != nil {
		slog.Warn("tracing: failed to finish trace", "trace", id, "error", err)
	}
}

// EmitSpan queues a span for persistence and mirrors it to the otel tracer.
// Never blocks the agent loop: a full buffer drops the span with a warning.
func (c *Collector) EmitSpan(span store.SpanData) {
	endTime := span.StartTime.Add(time.Duration(span.DurationMS) * time.Millisecond)
	_, otelSpan := c.tracer.Start(context.Background(), span.Name,
		oteltrace.WithTimestamp(span.StartTime),
		oteltrace.WithAttributes(
			attribute.String("lucy.span_type", span.SpanType),
			attribute.String("lucy.model", span.Model),
			attribute.String("lucy.tool", span.ToolName),
			attribute.String("lucy.status", span.Status),
		),
	)
	otelSpan.End(oteltrace.WithTimestamp(endTime))

	select {
	case c.spanCh <- span:
	default:
		slog.Warn("tracing: span buffer full, dropping span", "span", span.Name)
	}
}

// Flush stops the drain goroutine after persisting everything queued.
// Called once at shutdown.
func (c *Collector) Flush() {
	c.once.Do(func() {
		close(c.spanCh)
		c.wg.Wait()
	})
}

type traceIDKey struct{}

// WithTraceID stores the active trace ID in the context.
func WithTraceID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

// TraceIDFromContext returns the active trace ID, or uuid.Nil.
func TraceIDFromContext(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(traceIDKey{}).(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}

// TruncatePreview trims s to maxLen bytes without cutting a rune in half.
func TruncatePreview(s string, maxLen int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}
