package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/adhocore/gronx"
	"github.com/spf13/cobra"

	"github.com/lucy-agent/lucy/internal/config"
	"github.com/lucy-agent/lucy/internal/store"
	"github.com/lucy-agent/lucy/internal/workspace"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and environment health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

// runDoctor is an offline health check: config, credentials, store, and the
// persisted cron documents of every workspace. It never talks to the LLM or
// the chat transport.
func runDoctor() {
	fmt.Println("lucy doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (not found, using defaults + env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println("\n  Credentials:")
	printCheck("LUCY_LLM_API_KEY", cfg.LLM.APIKey != "")
	printCheck("LUCY_SLACK_TOKEN", cfg.Chat.BotToken != "")

	fmt.Println("\n  Models:")
	for _, tier := range []string{"fast", "default", "code", "research", "document", "frontier"} {
		fmt.Printf("    %-10s %s\n", tier+":", cfg.ModelForTier(tier))
	}

	fmt.Println("\n  Workspaces:")
	fmt.Printf("    Root:     %s", cfg.Workspaces.Root)
	if err := os.MkdirAll(cfg.Workspaces.Root, 0o755); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Printf("    Store:    %s", cfg.Store.Path)
	if st, err := store.Open(cfg.Store.Path); err != nil {
		fmt.Printf(" (OPEN FAILED: %s)\n", err)
	} else {
		st.Close()
		fmt.Println(" (OK)")
	}

	checkCrons(cfg)
}

// checkCrons validates every persisted job expression across all workspaces.
func checkCrons(cfg *config.Config) {
	manager := workspace.NewManager(cfg.Workspaces.Root)
	ids, err := manager.List()
	if err != nil || len(ids) == 0 {
		return
	}

	fmt.Println("\n  Scheduled jobs:")
	gron := gronx.New()
	for _, id := range ids {
		ws, err := manager.Get(id)
		if err != nil {
			continue
		}
		docs, err := ws.Crons()
		if err != nil {
			fmt.Printf("    %s: list failed (%s)\n", id, err)
			continue
		}
		for _, doc := range docs {
			status := "OK"
			if !gron.IsValid(doc.Cron) {
				status = fmt.Sprintf("INVALID expression %q", doc.Cron)
			}
			fmt.Printf("    %s/%s: %s\n", id, doc.Slug(), status)
		}
	}
}

func printCheck(name string, ok bool) {
	if ok {
		fmt.Printf("    %-18s set\n", name+":")
	} else {
		fmt.Printf("    %-18s MISSING\n", name+":")
	}
}
