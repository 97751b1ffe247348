package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/envoyhq/envoy/internal/config"
	"github.com/envoyhq/envoy/internal/integrations"
	"github.com/envoyhq/envoy/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("envoy doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Printf("  Env file: %s", cfg.Env.File)
	if _, err := os.Stat(cfg.Env.File); err != nil {
		fmt.Println(" (not present)")
	} else if err := integrations.LoadEnvFile(cfg.Env.File); err != nil {
		fmt.Printf(" (LOAD ERROR: %s)\n", err)
	} else {
		fmt.Println(" (OK)")
	}
	cfg, _ = config.Load(cfgPath)

	fmt.Println()
	fmt.Println("  LLM:")
	fmt.Printf("    %-10s %s\n", "Base URL:", cfg.LLM.BaseURL)
	fmt.Printf("    %-10s %s\n", "Model:", cfg.LLM.Model)
	if cfg.LLM.APIKey == "" {
		fmt.Printf("    %-10s (MISSING — set LLM_API_KEY)\n", "API key:")
	} else {
		fmt.Printf("    %-10s %s\n", "API key:", integrations.Mask(cfg.LLM.APIKey))
	}

	fmt.Println()
	fmt.Printf("  Database: %s", cfg.Database.Path)
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		fmt.Printf(" (OPEN ERROR: %s)\n", err)
		return
	}
	defer st.Close()
	fmt.Println(" (OK)")

	sessions, _ := st.ListSessions()
	toolRows, _ := st.ListCustomTools()
	taskRows, _ := st.ListScheduledTasks()
	fmt.Printf("    %-10s %d\n", "Sessions:", len(sessions))
	fmt.Printf("    %-10s %d\n", "Tools:", len(toolRows))
	fmt.Printf("    %-10s %d\n", "Tasks:", len(taskRows))

	fmt.Println()
	fmt.Printf("  Workspace: %s", cfg.Tools.FSRoot)
	if _, err := os.Stat(cfg.Tools.FSRoot); err != nil {
		fmt.Println(" (will be created on serve)")
	} else {
		fmt.Println(" (OK)")
	}
	if cfg.Tools.ShellEnabled {
		fmt.Println("  Shell:     enabled")
	} else {
		fmt.Println("  Shell:     disabled")
	}

	fmt.Println()
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Result: NOT READY — %s\n", err)
		return
	}
	fmt.Println("  Result: ready to serve")
}
