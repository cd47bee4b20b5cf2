package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ergochat/readline"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bazelment/coxswain/driver"
	"github.com/bazelment/coxswain/inputfeed"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Run an interactive session",
	Long: `Starts an interactive session against one agent thread. Each line
starts a turn; a line typed while a turn is running steers it.
Ctrl+D ends the session after the current turn finishes.`,
	RunE: runChatCmd,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChatCmd(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	ctx, cancel := setupContext()
	defer cancel()

	cfg, err := LoadFileConfig(workDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cfg)

	feed := inputfeed.New()
	onEvent := func(ev driver.Event) {
		switch ev.Kind {
		case driver.EventAgentMessage:
			fmt.Println(ev.Text)
		case driver.EventTurnCompleted:
			if ev.Status != "completed" {
				fmt.Fprintf(os.Stderr, "[turn %s: %s]\n", ev.TurnID, ev.Status)
			}
		}
	}
	d, conn, err := buildDriver(cfg, logger, feed, driver.ModeChat, "", onEvent, nil)
	if err != nil {
		return err
	}
	if err := conn.Start(ctx); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	go readTerminal(feed)

	results, err := d.Run(ctx)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	fmt.Printf("\nSession finished: %d turns\n", len(results))
	return nil
}

// readTerminal feeds stdin lines into the session until EOF, with line
// editing when stdin is a real terminal.
func readTerminal(feed *inputfeed.Feed) {
	defer feed.Close()

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			push(feed, scanner.Text())
		}
		return
	}

	rl, err := readline.NewFromConfig(&readline.Config{Prompt: "> "})
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline unavailable: %v\n", err)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.ReadLine()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			return
		}
		push(feed, line)
	}
}

func push(feed *inputfeed.Feed, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if err := feed.Push("terminal", line); err != nil {
		return
	}
}
