// Package heartbeat runs cheap periodic condition monitors. No LLM is ever
// involved: each check is an HTTP fetch, a JSON comparison, or a sandboxed
// script, and alerts go straight to chat with a cooldown.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lucy-agent/lucy/internal/bus"
	"github.com/lucy-agent/lucy/internal/config"
	"github.com/lucy-agent/lucy/internal/tools"
	"github.com/lucy-agent/lucy/internal/workspace"
)

// Evaluator kinds.
const (
	KindAPIHealth       = "api-health"
	KindPageContent     = "page-content"
	KindMetricThreshold = "metric-threshold"
	KindCustom          = "custom"
)

// maxBodyBytes bounds how much of a fetched page a check will read.
const maxBodyBytes = 1 << 20

// Monitor owns the process-wide heartbeat loop.
type Monitor struct {
	cfg     *config.Config
	manager *workspace.Manager
	bus     *bus.MessageBus
	sandbox tools.Sandbox
	client  *http.Client

	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func New(cfg *config.Config, manager *workspace.Manager, sandbox tools.Sandbox, mbus *bus.MessageBus) *Monitor {
	return &Monitor{
		cfg:     cfg,
		manager: manager,
		bus:     mbus,
		sandbox: sandbox,
		client:  &http.Client{Timeout: time.Duration(cfg.Heartbeat.HTTPTimeoutSec) * time.Second},
		now:     time.Now,
	}
}

// Start begins the tick loop.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(time.Duration(m.cfg.Heartbeat.TickSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Tick(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	slog.Info("heartbeat monitor started", "tick_seconds", m.cfg.Heartbeat.TickSeconds)
}

// Stop halts the loop and waits for the in-flight tick.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Tick evaluates every due active monitor across all workspaces.
func (m *Monitor) Tick(ctx context.Context) {
	ids, err := m.manager.List()
	if err != nil {
		slog.Warn("heartbeat: workspace discovery failed", "error", err)
		return
	}
	for _, id := range ids {
		ws, err := m.manager.Get(id)
		if err != nil {
			continue
		}
		docs, err := ws.Heartbeats()
		if err != nil {
			slog.Warn("heartbeat: cannot list monitors", "workspace", id, "error", err)
			continue
		}
		for _, doc := range docs {
			if m.due(doc) {
				m.check(ctx, ws, doc)
			}
		}
	}
}

func (m *Monitor) due(doc *workspace.HeartbeatDoc) bool {
	if doc.Status != workspace.HeartbeatActive {
		return false
	}
	interval := time.Duration(doc.IntervalSeconds) * time.Second
	return !doc.LastChecked.Add(interval).After(m.now())
}

// check evaluates one monitor and persists the outcome.
func (m *Monitor) check(ctx context.Context, ws *workspace.Workspace, doc *workspace.HeartbeatDoc) {
	triggered, detail, err := m.evaluate(ctx, doc)
	doc.LastChecked = m.now()

	if err != nil {
		doc.ConsecutiveFailures++
		doc.LastResult = "evaluator error: " + err.Error()
		if doc.ConsecutiveFailures >= m.cfg.Heartbeat.MaxConsecutive {
			doc.Status = workspace.HeartbeatError
			slog.Warn("heartbeat: monitor disabled after repeated errors",
				"workspace", ws.ID(), "monitor", doc.Slug, "failures", doc.ConsecutiveFailures)
		}
		m.persist(ws, doc)
		return
	}

	doc.ConsecutiveFailures = 0
	doc.LastResult = detail
	if triggered && m.cooldownElapsed(doc) {
		m.alert(ws, doc, detail)
		doc.LastAlerted = m.now()
	}
	m.persist(ws, doc)
}

func (m *Monitor) cooldownElapsed(doc *workspace.HeartbeatDoc) bool {
	cooldown := time.Duration(doc.CooldownSeconds) * time.Second
	return !doc.LastAlerted.Add(cooldown).After(m.now())
}

func (m *Monitor) persist(ws *workspace.Workspace, doc *workspace.HeartbeatDoc) {
	if err := ws.WriteHeartbeat(doc); err != nil {
		slog.Warn("heartbeat: persist failed", "workspace", ws.ID(), "monitor", doc.Slug, "error", err)
	}
}

func (m *Monitor) alert(ws *workspace.Workspace, doc *workspace.HeartbeatDoc, detail string) {
	channel := alertChannel(doc.Config)
	if m.bus == nil || channel == "" {
		return
	}
	text := fmt.Sprintf("Heads up: %s tripped.", doc.Slug)
	if detail != "" {
		text += " " + detail
	}
	m.bus.PublishOutbound(bus.OutboundMessage{ChannelID: channel, Text: text})
	_ = ws.AppendActivity("Heartbeat alert: " + doc.Slug)
	_ = ws.WriteSnapshot("heartbeat-alerts", map[string]string{
		"monitor": doc.Slug,
		"kind":    doc.Kind,
		"detail":  detail,
		"at":      m.now().UTC().Format(time.RFC3339),
	})
}

// alertChannel pulls the destination out of the kind-dependent config blob.
func alertChannel(raw json.RawMessage) string {
	var cfg struct {
		AlertChannel string `json:"_alert_channel"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return ""
	}
	return cfg.AlertChannel
}

// evaluate runs the kind-specific check. Returns triggered plus a short
// human-readable detail for the alert text.
func (m *Monitor) evaluate(ctx context.Context, doc *workspace.HeartbeatDoc) (bool, string, error) {
	switch doc.Kind {
	case KindAPIHealth:
		return m.evalAPIHealth(ctx, doc.Config)
	case KindPageContent:
		return m.evalPageContent(ctx, doc.Config)
	case KindMetricThreshold:
		return m.evalMetricThreshold(ctx, doc.Config)
	case KindCustom:
		return m.evalCustom(ctx, doc.Config)
	default:
		return false, "", fmt.Errorf("unknown heartbeat kind %q", doc.Kind)
	}
}

func (m *Monitor) evalAPIHealth(ctx context.Context, raw json.RawMessage) (bool, string, error) {
	var cfg struct {
		URL            string `json:"url"`
		ExpectedStatus int    `json:"expectedStatus"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil || cfg.URL == "" {
		return false, "", fmt.Errorf("bad api-health config")
	}
	if cfg.ExpectedStatus == 0 {
		cfg.ExpectedStatus = http.StatusOK
	}

	status, _, err := m.fetch(ctx, cfg.URL)
	if err != nil {
		// Unreachable is the condition, not an evaluator failure.
		return true, fmt.Sprintf("%s is unreachable (%s)", cfg.URL, err), nil
	}
	if status != cfg.ExpectedStatus {
		return true, fmt.Sprintf("%s answered %d, expected %d", cfg.URL, status, cfg.ExpectedStatus), nil
	}
	return false, fmt.Sprintf("%s healthy (%d)", cfg.URL, status), nil
}

func (m *Monitor) evalPageContent(ctx context.Context, raw json.RawMessage) (bool, string, error) {
	var cfg struct {
		URL             string `json:"url"`
		ContainsText    string `json:"containsText"`
		NotContainsText string `json:"notContainsText"`
		Regex           string `json:"regex"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil || cfg.URL == "" {
		return false, "", fmt.Errorf("bad page-content config")
	}

	_, body, err := m.fetch(ctx, cfg.URL)
	if err != nil {
		return false, "", err
	}
	if cfg.ContainsText != "" && strings.Contains(body, cfg.ContainsText) {
		return true, fmt.Sprintf("found %q on %s", cfg.ContainsText, cfg.URL), nil
	}
	if cfg.NotContainsText != "" && !strings.Contains(body, cfg.NotContainsText) {
		return true, fmt.Sprintf("%q is missing from %s", cfg.NotContainsText, cfg.URL), nil
	}
	if cfg.Regex != "" {
		re, err := regexp.Compile(cfg.Regex)
		if err != nil {
			return false, "", fmt.Errorf("bad regex: %w", err)
		}
		if match := re.FindString(body); match != "" {
			return true, fmt.Sprintf("pattern matched %q on %s", match, cfg.URL), nil
		}
	}
	return false, "page unchanged", nil
}

func (m *Monitor) evalMetricThreshold(ctx context.Context, raw json.RawMessage) (bool, string, error) {
	var cfg struct {
		URL       string  `json:"url"`
		JSONPath  string  `json:"jsonPath"`
		Operator  string  `json:"operator"`
		Threshold float64 `json:"threshold"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil || cfg.URL == "" || cfg.JSONPath == "" {
		return false, "", fmt.Errorf("bad metric-threshold config")
	}

	_, body, err := m.fetch(ctx, cfg.URL)
	if err != nil {
		return false, "", err
	}
	var payload any
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return false, "", fmt.Errorf("metric endpoint returned non-JSON: %w", err)
	}
	value, err := navigate(payload, cfg.JSONPath)
	if err != nil {
		return false, "", err
	}

	triggered, err := compare(value, cfg.Operator, cfg.Threshold)
	if err != nil {
		return false, "", err
	}
	detail := fmt.Sprintf("%s = %g (threshold %s %g)", cfg.JSONPath, value, cfg.Operator, cfg.Threshold)
	return triggered, detail, nil
}

func (m *Monitor) evalCustom(ctx context.Context, raw json.RawMessage) (bool, string, error) {
	var cfg struct {
		Script string `json:"script"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil || cfg.Script == "" {
		return false, "", fmt.Errorf("bad custom config")
	}
	if m.sandbox == nil {
		return false, "", fmt.Errorf("no sandbox configured")
	}

	res, err := m.sandbox.RunCode(ctx, cfg.Script)
	if err != nil {
		return false, "", err
	}
	if res.ExitCode != 0 {
		return false, "", fmt.Errorf("script exited %d", res.ExitCode)
	}
	var out struct {
		Triggered bool   `json:"triggered"`
		Detail    string `json:"detail"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &out); err != nil {
		return false, "", fmt.Errorf("script output is not the expected JSON: %w", err)
	}
	return out.Triggered, out.Detail, nil
}

func (m *Monitor) fetch(ctx context.Context, url string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, string(body), nil
}

// navigate walks a dot-separated path through decoded JSON. Numeric
// segments index arrays.
func navigate(payload any, path string) (float64, error) {
	cur := payload
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return 0, fmt.Errorf("path %q: no key %q", path, seg)
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return 0, fmt.Errorf("path %q: bad index %q", path, seg)
			}
			cur = node[i]
		default:
			return 0, fmt.Errorf("path %q: cannot descend into %T at %q", path, cur, seg)
		}
	}
	switch v := cur.(type) {
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("path %q: value %q is not numeric", path, v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("path %q: value is %T, not a number", path, cur)
	}
}

func compare(value float64, operator string, threshold float64) (bool, error) {
	switch operator {
	case ">":
		return value > threshold, nil
	case ">=":
		return value >= threshold, nil
	case "<":
		return value < threshold, nil
	case "<=":
		return value <= threshold, nil
	case "==", "=":
		return value == threshold, nil
	case "!=":
		return value != threshold, nil
	default:
		return false, fmt.Errorf("unknown operator %q", operator)
	}
}
