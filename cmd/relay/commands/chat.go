package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/relay/pkg/relay/channels/console"
	"github.com/jholhewres/relay/pkg/relay/engine"
)

// replyTimeout bounds the wait for a single-shot chat answer.
const replyTimeout = 2 * time.Minute

// newChatCmd creates the `relay chat` command for terminal conversations.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the assistant via terminal",
		Long: `Talk to the assistant directly in the terminal. Pass a message as an
argument for a single answer, or run without arguments for an interactive
session. The terminal chat uses the same tools and reminders as the
platform channels.

Examples:
  relay chat "remind me to stretch in 20 minutes"
  relay chat`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().StringP("model", "m", "", "override the configured model")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if model, _ := cmd.Flags().GetString("model"); model != "" {
		cfg.API.Model = model
	}
	if cfg.API.APIKey == "" {
		return fmt.Errorf("no API key configured. Run 'relay setup' or set RELAY_API_KEY")
	}

	// Platform channels stay out of a terminal session.
	cfg.Discord.Token = ""
	cfg.Gateway.Enabled = false

	logger := newLogger(cmd, true)
	e, err := engine.New(engine.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}

	term := console.New(os.Stdout, logger)
	if err := e.Channels().Register(term); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer e.Stop(context.Background())

	if len(args) > 0 {
		return singleShot(term, args[0])
	}
	return runInteractiveChat(e, term, cfg.Assistant.Name)
}

// singleShot sends one message and prints nothing itself; the console
// adapter already writes the reply to stdout.
func singleShot(term *console.Console, message string) error {
	if err := term.Input(userName(), message); err != nil {
		return err
	}
	select {
	case <-term.Replies():
		return nil
	case <-time.After(replyTimeout):
		return fmt.Errorf("no answer within %s", replyTimeout)
	}
}

func userName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "you"
}

var chatCommands = []string{"/quit", "/exit", "/tools", "/help"}

func chatCompleter() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("/quit"),
		readline.PcItem("/exit"),
		readline.PcItem("/tools"),
		readline.PcItem("/help"),
	)
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	dir := filepath.Join(home, ".relay")
	_ = os.MkdirAll(dir, 0o700)
	return filepath.Join(dir, "chat_history")
}

// runInteractiveChat runs the REPL loop with readline history and
// completion.
func runInteractiveChat(e *engine.Engine, term *console.Console, assistantName string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "\033[36myou>\033[0m ",
		HistoryFile:       historyFile(),
		HistoryLimit:      1000,
		AutoComplete:      chatCompleter(),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Println()
	fmt.Printf("  \033[1m%s\033[0m — terminal chat\n", assistantName)
	fmt.Println("  Type a message and press Enter. Ctrl+D or /quit to leave.")
	fmt.Printf("  Commands: %s\n", strings.Join(chatCommands, ", "))
	fmt.Println()

	name := userName()
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			fmt.Println("\n  Bye!")
			return nil
		}
		if err != nil {
			return err
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		switch strings.ToLower(input) {
		case "/quit", "/exit", "/q":
			fmt.Println("  Bye!")
			return nil
		case "/tools":
			names := e.Tools()
			sort.Strings(names)
			fmt.Printf("  Tools: %s\n", strings.Join(names, ", "))
			continue
		case "/help":
			fmt.Printf("  Commands: %s\n", strings.Join(chatCommands, ", "))
			continue
		}

		if err := term.Input(name, input); err != nil {
			return err
		}
		select {
		case <-term.Replies():
			// The adapter already printed it.
		case <-time.After(replyTimeout):
			fmt.Println("  (no answer, still working?)")
		}
	}
}
