// ABOUTME: Read-only subcommands: history, sessions, status, logs, call.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-control/internal/protocol"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print a session's transcript",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		c, cfg, err := connect(ctx, nil)
		if err != nil {
			return err
		}
		defer c.Close()

		result, err := c.History(ctx, cfg.Chat.SessionKey)
		if err != nil {
			return err
		}
		if len(result.Messages) == 0 {
			fmt.Println("No messages")
			return nil
		}
		for _, msg := range result.Messages {
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
				dimColor.Printf("[%s] %s\n", msg.Role, text)
			}
		}
		return nil
	},
}

var sessionsActiveOnly bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions on the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		c, cfg, err := connect(ctx, nil)
		if err != nil {
			return err
		}
		defer c.Close()

		sessions, err := c.ListSessions(ctx, sessionsActiveOnly)
		if err != nil {
			return err
		}
		printSessions(sessions, cfg.Chat.SessionKey)
		return nil
	},
}

func printSessions(sessions []protocol.SessionInfo, activeKey string) {
	if len(sessions) == 0 {
		fmt.Println("No sessions")
		return
	}
	for _, s := range sessions {
		marker := "  "
		if s.Key == activeKey {
			marker = "* "
		}
		line := marker + s.Key
		if s.DisplayName != "" && s.DisplayName != s.Key {
			line += "  (" + s.DisplayName + ")"
		}
		if s.LastActivity > 0 {
			line += "  " + time.UnixMilli(s.LastActivity).Format("2006-01-02 15:04")
		}
		if s.Active {
			streamColor.Println(line)
		} else {
			fmt.Println(line)
		}
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		c, _, err := connect(ctx, nil)
		if err != nil {
			return err
		}
		defer c.Close()

		status, err := c.Status(ctx)
		if err != nil {
			return err
		}
		printStatus(status, c.Online())
		return nil
	},
}

func printStatus(status *protocol.StatusResult, online bool) {
	link := errColor.Sprint("offline")
	if online {
		link = streamColor.Sprint("online")
	}
	fmt.Printf("gateway:     %s %s (%s)\n", status.Server, status.Version, link)
	fmt.Printf("uptime:      %s\n", (time.Duration(status.UptimeSecs) * time.Second).String())
	fmt.Printf("sessions:    %d\n", status.Sessions)
	fmt.Printf("active runs: %d\n", status.ActiveRuns)
}

var logsLimit int

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Tail recent gateway logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		c, _, err := connect(ctx, nil)
		if err != nil {
			return err
		}
		defer c.Close()

		entries, err := c.TailLogs(ctx, logsLimit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			ts := time.UnixMilli(e.Timestamp).Format("15:04:05")
			line := fmt.Sprintf("%s %-5s %s", ts, strings.ToUpper(e.Level), e.Message)
			switch strings.ToLower(e.Level) {
			case "error":
				errColor.Println(line)
			case "warn", "warning":
				toolColor.Println(line)
			default:
				fmt.Println(line)
			}
		}
		return nil
	},
}

var callCmd = &cobra.Command{
	Use:   "call <method> [params-json]",
	Short: "Issue a raw RPC and print the JSON result",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		var params json.RawMessage
		if len(args) == 2 {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("params must be valid JSON")
			}
			params = json.RawMessage(args[1])
		}

		c, _, err := connect(ctx, nil)
		if err != nil {
			return err
		}
		defer c.Close()

		var result json.RawMessage
		if err := c.Call(ctx, args[0], params, &result); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	sessionsCmd.Flags().BoolVar(&sessionsActiveOnly, "active", false, "only sessions with a live run")
	logsCmd.Flags().IntVarP(&logsLimit, "limit", "n", 100, "number of log lines")

	// color respects NO_COLOR and non-TTY output on its own; --no-color
	// forces it off for scripts that scrape stdout
	rootCmd.PersistentFlags().BoolVar(&color.NoColor, "no-color", color.NoColor, "disable colored output")
}
