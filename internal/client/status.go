// ABOUTME: Typed helper for the status RPC.

package client

import (
	"context"

	"github.com/2389/coven-control/internal/protocol"
)

// Status returns a point-in-time snapshot of the gateway.
func (c *Client) Status(ctx context.Context) (*protocol.StatusResult, error) {
	var result protocol.StatusResult
	if err := c.Call(ctx, protocol.MethodStatus, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
