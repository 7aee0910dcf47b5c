// ABOUTME: Interactive chat command with live streaming output.
// ABOUTME: Slash commands cover session switching, abort, and inspection.

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-control/internal/client"
)

var (
	streamColor = color.New(color.FgGreen)
	dimColor    = color.New(color.Faint)
	errColor    = color.New(color.FgRed)
	toolColor   = color.New(color.FgYellow)
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat with live streaming",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		interrupts := make(chan os.Signal, 1)
		signal.Notify(interrupts, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(interrupts)

		sink := newConsoleSink()
		c, cfg, err := connect(ctx, sink)
		if err != nil {
			return err
		}
		defer c.Close()
		sink.store = c.Store()

		hello := c.Hello()
		fmt.Printf("Connected to %s %s (session %q)\n", hello.Server, hello.Version, cfg.Chat.SessionKey)
		fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C aborts a run, or quits when idle.")
		fmt.Println()

		if err := runChatLoop(ctx, c, interrupts); err != nil {
			return err
		}
		fmt.Println("\nGoodbye!")
		return nil
	},
}

func runChatLoop(ctx context.Context, c *client.Client, interrupts <-chan os.Signal) error {
	// One reader goroutine for the whole loop; an interrupt must not leave
	// two scanners competing for stdin.
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			readErr <- err
		} else {
			readErr <- io.EOF
		}
	}()

	for {
		prompt := fmt.Sprintf("[%s]> ", c.Store().ActiveKey())
		if run := c.Store().Run(c.Store().ActiveKey()); run != nil {
			prompt = fmt.Sprintf("[%s*]> ", c.Store().ActiveKey())
		}
		fmt.Print(prompt)

		var input string
		select {
		case <-ctx.Done():
			return nil
		case <-interrupts:
			key := c.Store().ActiveKey()
			if c.Store().Run(key) == nil {
				return nil
			}
			fmt.Println()
			if err := c.Chat().Abort(ctx, key); err != nil {
				errColor.Printf("[error] %v\n", err)
			}
			continue
		case err := <-readErr:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-lines:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			quit, err := handleCommand(ctx, c, input)
			if err != nil {
				errColor.Printf("[error] %v\n", err)
			}
			if quit {
				return nil
			}
			fmt.Println()
			continue
		}

		if err := c.Chat().Send(ctx, input); err != nil {
			errColor.Printf("[error] %v\n", err)
		}
	}
}

func handleCommand(ctx context.Context, c *client.Client, input string) (quit bool, err error) {
	cmd, args, _ := strings.Cut(input, " ")
	args = strings.TrimSpace(args)

	switch cmd {
	case "/quit", "/exit", "/q":
		return true, nil

	case "/help":
		printChatHelp()

	case "/sessions":
		sessions, err := c.ListSessions(ctx, false)
		if err != nil {
			return false, err
		}
		printSessions(sessions, c.Store().ActiveKey())

	case "/use":
		if args == "" {
			return false, fmt.Errorf("usage: /use <session-key>")
		}
		if err := c.Chat().SwitchSession(ctx, args); err != nil {
			return false, err
		}
		fmt.Printf("Now on session %s\n", args)
		printTranscript(c, args)

	case "/history":
		if err := c.Chat().RefreshHistory(ctx, c.Store().ActiveKey()); err != nil {
			return false, err
		}
		printTranscript(c, c.Store().ActiveKey())

	case "/abort":
		key := c.Store().ActiveKey()
		if c.Store().Run(key) == nil {
			fmt.Println("Nothing to abort")
			return false, nil
		}
		return false, c.Chat().Abort(ctx, key)

	case "/queue":
		key := c.Store().ActiveKey()
		queue := c.Store().Queue(key)
		if args != "" {
			n, convErr := strconv.Atoi(args)
			if convErr != nil || n < 1 || n > len(queue) {
				return false, fmt.Errorf("usage: /queue [number-to-remove]")
			}
			c.Chat().RemoveQueued(key, queue[n-1].ID)
			fmt.Printf("Removed: %s\n", truncate(queue[n-1].Text, 70))
			return false, nil
		}
		if len(queue) == 0 {
			fmt.Println("Queue is empty")
			return false, nil
		}
		for i, msg := range queue {
			fmt.Printf("  %d. %s\n", i+1, truncate(msg.Text, 70))
		}

	case "/status":
		status, err := c.Status(ctx)
		if err != nil {
			return false, err
		}
		printStatus(status, c.Online())

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return false, nil
}

func printChatHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /sessions      List sessions on the gateway")
	fmt.Println("  /use <key>     Switch to a session")
	fmt.Println("  /history       Reload and show the transcript")
	fmt.Println("  /abort         Stop the active run")
	fmt.Println("  /queue [n]     Show waiting messages, or remove the nth")
	fmt.Println("  /status        Gateway status")
	fmt.Println("  /help          Show this help")
	fmt.Println("  /quit          Exit")
}

func printTranscript(c *client.Client, key string) {
	msgs, thinking := c.Store().Transcript(key)
	if len(msgs) == 0 {
		dimColor.Println("(empty transcript)")
		return
	}
	fmt.Println(strings.Repeat("-", 60))
	for _, msg := range msgs {
		text := msg.Text()
		if text == "" {
			continue
		}
		switch msg.Role {
		case "user":
			fmt.Printf("you: %s\n", text)
		case "assistant":
			streamColor.Printf("agent: ")
			fmt.Println(text)
		default:
			dimColor.Printf("[%s] %s\n", msg.Role, truncate(text, 80))
		}
	}
	fmt.Println(strings.Repeat("-", 60))
	if thinking != "" {
		dimColor.Printf("thinking level: %s\n", thinking)
	}
}

// consoleSink renders coordinator notifications for the active session.
// Stream deltas are cumulative, so it prints only the unseen suffix.
type consoleSink struct {
	mu      sync.Mutex
	printed map[string]int // runID -> chars already written
	store   storeView
}

type storeView interface {
	ActiveKey() string
}

func newConsoleSink() *consoleSink {
	return &consoleSink{printed: make(map[string]int)}
}

func (s *consoleSink) active(key string) bool {
	return s.store == nil || s.store.ActiveKey() == key
}

func (s *consoleSink) TranscriptUpdated(string) {}

func (s *consoleSink) StreamUpdated(key, runID, text string) {
	if !s.active(key) {
		return
	}
	s.mu.Lock()
	n := s.printed[runID]
	s.printed[runID] = len(text)
	s.mu.Unlock()

	if n < len(text) {
		streamColor.Print(text[n:])
	}
}

func (s *consoleSink) RunStarted(key, runID string) {}

func (s *consoleSink) RunEnded(key, runID, state string) {
	s.mu.Lock()
	n := s.printed[runID]
	delete(s.printed, runID)
	s.mu.Unlock()

	if !s.active(key) {
		return
	}
	if n > 0 {
		fmt.Println()
	}
	switch state {
	case "aborted":
		toolColor.Println("[aborted]")
	case "error":
		// ErrorReported already printed the message
	default:
		dimColor.Printf("[done %s]\n", time.Now().Format("15:04:05"))
	}
}

func (s *consoleSink) QueueChanged(key string, depth int) {
	if !s.active(key) || depth == 0 {
		return
	}
	dimColor.Printf("[queued, %d waiting]\n", depth)
}

func (s *consoleSink) ErrorReported(key, message string) {
	if !s.active(key) {
		return
	}
	errColor.Printf("[error] %s\n", message)
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
