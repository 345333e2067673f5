package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucy-agent/lucy/internal/agent"
	"github.com/lucy-agent/lucy/internal/approval"
	"github.com/lucy-agent/lucy/internal/bus"
	"github.com/lucy-agent/lucy/internal/config"
	"github.com/lucy-agent/lucy/internal/gateway"
	"github.com/lucy-agent/lucy/internal/heartbeat"
	"github.com/lucy-agent/lucy/internal/prompt"
	"github.com/lucy-agent/lucy/internal/providers"
	"github.com/lucy-agent/lucy/internal/queue"
	"github.com/lucy-agent/lucy/internal/ratelimit"
	"github.com/lucy-agent/lucy/internal/scheduler"
	"github.com/lucy-agent/lucy/internal/sessions"
	"github.com/lucy-agent/lucy/internal/store"
	"github.com/lucy-agent/lucy/internal/supervisor"
	"github.com/lucy-agent/lucy/internal/tools"
	"github.com/lucy-agent/lucy/internal/tracing"
	"github.com/lucy-agent/lucy/internal/workspace"
)

const drainDeadline = 30 * time.Second

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the Lucy core",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %s\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %s\n", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store: %s\n", err)
		os.Exit(1)
	}
	collector := tracing.NewCollector(st)

	workspaces := workspace.NewManager(cfg.Workspaces.Root)
	limiter := ratelimit.New()
	q := queue.New(queue.Options{
		Workers:        cfg.Queue.Workers,
		GlobalDepth:    cfg.Queue.GlobalDepth,
		WorkspaceDepth: cfg.Queue.WorkspaceDepth,
	})
	mbus := bus.NewMessageBus()

	skillCache, err := prompt.NewSkillCache()
	if err != nil {
		slog.Warn("skill cache watcher unavailable, skills load uncached", "error", err)
	}
	assembler := prompt.NewAssembler(skillCache)
	sess := sessions.NewManager(filepath.Join(cfg.Workspaces.Root, "sessions"))
	approvals := approval.NewManager(time.Duration(cfg.Agent.ApprovalTTLSeconds) * time.Second)
	provider := providers.NewOpenAIProvider("openai", cfg.LLM.APIKey, cfg.LLM.BaseURL)

	registry := tools.NewRegistry()
	dispatcher := &tools.Dispatcher{Registry: registry, Limiter: limiter}

	gw := gateway.New(gateway.Options{
		Config:     cfg,
		Bus:        mbus,
		Workspaces: workspaces,
		Store:      st,
		Collector:  collector,
		Queue:      q,
		Assembler:  assembler,
		Sessions:   sess,
		Approvals:  approvals,
		Registry:   registry,
	})
	dispatcher.SubAgent = gw.SubAgentRunner()

	sched := scheduler.New(cfg, workspaces, dispatcher.Sandbox, gw.ScheduledRunner(), mbus)
	tools.RegisterBuiltins(registry, sched)

	loop := agent.NewLoop(agent.LoopConfig{
		Config:     cfg,
		Provider:   provider,
		Dispatcher: dispatcher,
		Limiter:    limiter,
		Supervisor: supervisor.New(provider, cfg.ModelForTier("fast"), limiter),
		Approvals:  approvals,
		Store:      st,
		Collector:  collector,
		Notifier:   gw,
	})
	gw.AttachLoop(loop)

	hb := heartbeat.New(cfg, workspaces, dispatcher.Sandbox, mbus)

	// The transport adapter subscribes here in a real deployment. Without
	// one, outbound messages land in the log so the core stays observable.
	mbus.SubscribeOutbound(func(msg bus.OutboundMessage) {
		slog.Info("outbound message",
			"channel", msg.ChannelID, "thread", msg.ThreadID, "user", msg.UserID,
			"text", tracing.TruncatePreview(msg.Text, 200))
	})

	if err := sched.Start(); err != nil {
		slog.Error("scheduler start failed", "error", err)
	}
	hb.Start()
	gw.Start()
	slog.Info("lucy gateway running", "version", Version, "workers", cfg.Queue.Workers)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	slog.Info("shutting down")

	gw.Stop()
	sched.Stop()
	hb.Stop()
	q.Shutdown(drainDeadline)
	sess.SaveAll()
	collector.Flush()
	if skillCache != nil {
		_ = skillCache.Close()
	}
	if err := st.Close(); err != nil {
		slog.Warn("store close failed", "error", err)
	}
}
