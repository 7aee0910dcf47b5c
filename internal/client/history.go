// ABOUTME: Typed helper for the chat.history RPC.

package client

import (
	"context"

	"github.com/2389/coven-control/internal/protocol"
)

// History fetches a session's transcript directly, without touching the
// local session state. The chat coordinator's RefreshHistory is the
// stateful counterpart.
func (c *Client) History(ctx context.Context, sessionKey string) (*protocol.ChatHistoryResult, error) {
	var result protocol.ChatHistoryResult
	err := c.Call(ctx, protocol.MethodChatHistory,
		protocol.ChatHistoryParams{SessionKey: sessionKey}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}
