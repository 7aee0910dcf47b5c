// ABOUTME: One-shot send command: dispatch a message and stream the reply.

package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/coven-control/internal/protocol"
)

var sendWait time.Duration

var sendCmd = &cobra.Command{
	Use:   "send <message...>",
	Short: "Send one message and wait for the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		sink := &oneShotSink{done: make(chan string, 1)}
		c, _, err := connect(ctx, sink)
		if err != nil {
			return err
		}
		defer c.Close()

		message := strings.Join(args, " ")
		if err := c.Chat().Send(ctx, message); err != nil {
			return err
		}

		select {
		case state := <-sink.done:
			if state != protocol.ChatStateFinal {
				return fmt.Errorf("run ended with state %s", state)
			}
			return nil
		case <-time.After(sendWait):
			return fmt.Errorf("no completion within %s", sendWait)
		case <-ctx.Done():
			// Let the gateway finish without us; the run is server-side
			return ctx.Err()
		}
	},
}

func init() {
	sendCmd.Flags().DurationVar(&sendWait, "wait", 5*time.Minute, "how long to wait for the run to finish")
}

// oneShotSink streams the run to stdout and signals its terminal state.
type oneShotSink struct {
	mu      sync.Mutex
	printed int
	done    chan string
}

func (s *oneShotSink) TranscriptUpdated(string) {}

func (s *oneShotSink) StreamUpdated(_, _ string, text string) {
	s.mu.Lock()
	n := s.printed
	s.printed = len(text)
	s.mu.Unlock()
	if n < len(text) {
		streamColor.Print(text[n:])
	}
}

func (s *oneShotSink) RunStarted(string, string) {}

func (s *oneShotSink) RunEnded(_, _, state string) {
	s.mu.Lock()
	n := s.printed
	s.mu.Unlock()
	if n > 0 {
		fmt.Println()
	}
	select {
	case s.done <- state:
	default:
	}
}

func (s *oneShotSink) QueueChanged(string, int) {}

func (s *oneShotSink) ErrorReported(_, message string) {
	errColor.Printf("[error] %s\n", message)
}
