// ABOUTME: Typed helper for the logs.tail RPC.

package client

import (
	"context"

	"github.com/2389/coven-control/internal/protocol"
)

// TailLogs returns the gateway's most recent log lines, oldest first.
// limit <= 0 asks for the server default.
func (c *Client) TailLogs(ctx context.Context, limit int) ([]protocol.LogEntry, error) {
	var result protocol.LogsTailResult
	err := c.Call(ctx, protocol.MethodLogsTail, protocol.LogsTailParams{Limit: limit}, &result)
	if err != nil {
		return nil, err
	}
	return result.Entries, nil
}
