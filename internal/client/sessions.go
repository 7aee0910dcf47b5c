// ABOUTME: Typed helper for the sessions.list RPC.

package client

import (
	"context"

	"github.com/2389/coven-control/internal/protocol"
)

// ListSessions returns the sessions the gateway knows about.
func (c *Client) ListSessions(ctx context.Context, activeOnly bool) ([]protocol.SessionInfo, error) {
	var result protocol.SessionsListResult
	err := c.Call(ctx, protocol.MethodSessionsList,
		protocol.SessionsListParams{ActiveOnly: activeOnly}, &result)
	if err != nil {
		return nil, err
	}
	return result.Sessions, nil
}
