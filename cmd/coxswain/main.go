// Command coxswain drives a coding agent subprocess through complete turns:
// one-shot runs with automatic retry, interactive chat, and steered runs
// that accept mid-turn input from files or remote observers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Global flags (persistent across all commands)
var (
	workDir        string
	agentBin       string
	agentArgs      []string
	model          string
	approvalPolicy string
	autoApprove    bool
	verbose        bool
	logJSON        bool
)

var rootCmd = &cobra.Command{
	Use:   "coxswain",
	Short: "Turn orchestrator for coding agents",
	Long: `Coxswain runs a coding agent as a subprocess and drives it through
complete turns over its JSON-RPC stdio interface, with inactivity
watchdogs, approval gating, and live steering.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&workDir, "work-dir", ".", "Working directory for the agent")
	rootCmd.PersistentFlags().StringVar(&agentBin, "agent", "", "Agent binary (default from .coxswain.yaml, else codex)")
	rootCmd.PersistentFlags().StringSliceVar(&agentArgs, "agent-arg", nil, "Extra agent arguments (repeatable)")
	rootCmd.PersistentFlags().StringVar(&model, "model", "", "Model override")
	rootCmd.PersistentFlags().StringVar(&approvalPolicy, "approval-policy", "", "Agent-side approval policy")
	rootCmd.PersistentFlags().BoolVar(&autoApprove, "auto-approve", false, "Approve all agent requests (use with caution)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit logs as JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogger builds the process logger from verbosity flags.
func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if logJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// setupContext creates a cancellable context wired to SIGINT/SIGTERM. A
// second signal forces exit.
func setupContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "\nReceived %v, shutting down...\n", sig)
		cancel()
		sig = <-sigCh
		fmt.Fprintf(os.Stderr, "\nReceived second %v, forcing exit\n", sig)
		os.Exit(1)
	}()

	return ctx, cancel
}
