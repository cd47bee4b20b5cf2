package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bazelment/coxswain/appserver"
	"github.com/bazelment/coxswain/driver"
	"github.com/bazelment/coxswain/inputfeed"
	"github.com/bazelment/coxswain/relay"
)

var (
	steerFile string
	relayAddr string
	retries   int
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run one prompt to completion",
	Long: `Runs a single turn and retries on failure. With --steer-file or
--relay the turn accepts steering input while it runs.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTurn(strings.Join(args, " "))
	},
}

func init() {
	runCmd.Flags().StringVar(&steerFile, "steer-file", "", "File to tail for steering input")
	runCmd.Flags().StringVar(&relayAddr, "relay", "", "Listen address for websocket observers (e.g. 127.0.0.1:7777)")
	runCmd.Flags().IntVar(&retries, "retries", 0, "Max attempts for a failing turn (default from config, else 3)")
	rootCmd.AddCommand(runCmd)
}

func runTurn(prompt string) error {
	logger := setupLogger()
	ctx, cancel := setupContext()
	defer cancel()

	cfg, err := LoadFileConfig(workDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cfg)
	if steerFile == "" {
		steerFile = cfg.SteerFile
	}
	if relayAddr == "" {
		relayAddr = cfg.RelayAddr
	}

	feed := inputfeed.New()
	mode := driver.ModeSingle
	var stopInputs []func()

	if steerFile != "" {
		mode = driver.ModeSteered
		ws, err := inputfeed.Watch(ctx, feed, steerFile, logger)
		if err != nil {
			return fmt.Errorf("watch steer file: %w", err)
		}
		stopInputs = append(stopInputs, ws.Stop)
		logger.Info("steering enabled", "file", steerFile)
	}

	var relaySrv *relay.Server
	if relayAddr != "" {
		mode = driver.ModeSteered
		relaySrv = relay.NewServer(feed, logger)
		srv := &http.Server{Addr: relayAddr, Handler: relaySrv}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("relay server failed", "error", err)
			}
		}()
		stopInputs = append(stopInputs, func() {
			relaySrv.Close()
			srv.Shutdown(context.Background())
		})
		logger.Info("relay listening", "addr", relayAddr)
	}

	stopAll := func() {
		for _, stop := range stopInputs {
			stop()
		}
	}
	var onEvent func(driver.Event)
	if relaySrv != nil {
		onEvent = relaySrv.Publish
	}
	d, conn, err := buildDriver(cfg, logger, feed, mode, prompt, onEvent, stopAll)
	if err != nil {
		return err
	}
	if err := conn.Start(ctx); err != nil {
		stopAll()
		return fmt.Errorf("start agent: %w", err)
	}

	results, err := d.Run(ctx)
	if err != nil {
		var tf *driver.TurnFailedError
		if errors.As(err, &tf) {
			printResults(results)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
		return err
	}

	printResults(results)
	return nil
}

// applyFlagOverrides lets command-line flags win over .coxswain.yaml.
func applyFlagOverrides(cfg *FileConfig) {
	if agentBin != "" {
		cfg.Agent = agentBin
	}
	if len(agentArgs) > 0 {
		cfg.AgentArgs = agentArgs
	}
	if model != "" {
		cfg.Model = model
	}
	if approvalPolicy != "" {
		cfg.ApprovalPolicy = approvalPolicy
	}
	if retries > 0 {
		cfg.MaxAttempts = retries
	}
}

// buildDriver assembles the connection and driver from config.
func buildDriver(cfg *FileConfig, logger *slog.Logger, feed *inputfeed.Feed, mode driver.Mode, prompt string, onEvent func(driver.Event), stopInputs func()) (*driver.Driver, *appserver.Conn, error) {
	gate := appserver.NewGate(selectPolicy(cfg))
	gate.SetLogger(logger)

	opts := []appserver.Option{
		appserver.WithBinaryPath(cfg.Agent),
		appserver.WithBinaryArgs(cfg.AgentArgs...),
		appserver.WithWorkDir(workDir),
		appserver.WithGate(gate),
		appserver.WithLogger(logger),
		appserver.WithStderrHandler(func(b []byte) {
			logger.Debug("agent stderr", "output", string(b))
		}),
	}
	conn := appserver.NewConn(opts...)

	threadParams := appserver.ThreadStartParams{}
	if cfg.Model != "" {
		threadParams.Model = &cfg.Model
	}
	if cfg.ApprovalPolicy != "" {
		threadParams.ApprovalPolicy = &cfg.ApprovalPolicy
	}
	if cfg.Sandbox != "" {
		threadParams.Sandbox = &cfg.Sandbox
	}

	dcfg := driver.Config{
		Conn:         conn,
		Feed:         feed,
		Logger:       logger,
		Mode:         mode,
		Prompt:       prompt,
		ThreadParams: threadParams,
		GracePeriod:  time.Duration(cfg.GracePeriod),
		IdlePeriod:   time.Duration(cfg.IdlePeriod),
		MaxAttempts:  cfg.MaxAttempts,
		StopInputs:   stopInputs,
		OnEvent:      onEvent,
	}

	return driver.New(dcfg), conn, nil
}

// selectPolicy maps config to an approval policy. Nothing configured means
// decline everything.
func selectPolicy(cfg *FileConfig) appserver.Policy {
	if autoApprove {
		return appserver.AutoAcceptPolicy()
	}
	if len(cfg.AllowedCommands) > 0 || cfg.AllowFileEdits {
		return &appserver.RulePolicy{
			AllowedCommands: cfg.AllowedCommands,
			AllowFileEdits:  cfg.AllowFileEdits,
		}
	}
	return appserver.DeclineAllPolicy()
}

func printResults(results []driver.Result) {
	for _, r := range results {
		if r.Failed() {
			fmt.Fprintf(os.Stderr, "[turn %s] %s\n", r.TurnID, r.Status)
			if r.FailureText != "" {
				fmt.Fprintln(os.Stderr, r.FailureText)
			} else if r.ErrorText != "" {
				fmt.Fprintln(os.Stderr, r.ErrorText)
			}
			continue
		}
		if r.Message != "" {
			fmt.Println(r.Message)
		}
		if r.Usage != nil {
			fmt.Fprintf(os.Stderr, "[turn %s] tokens: %d in, %d out, %d total\n",
				r.TurnID, r.Usage.InputTokens, r.Usage.OutputTokens, r.Usage.TotalTokens)
		}
	}
}
