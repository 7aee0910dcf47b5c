// Package client is the top-level gateway client.
//
// # Overview
//
// A Client owns one persistent WebSocket connection and everything that
// rides on it: multiplexed RPC calls, server-push chat streaming, the
// session state store, and the chat coordinator. Construction wires the
// pieces together; Connect brings the link up and loads the active
// session's transcript.
//
// # Wiring
//
// Inbound frames flow transport -> events.Router, which hands responses
// to the rpc.Correlator and chat events to the chat.Coordinator. On
// disconnect every pending call fails fast; on resume the coordinator
// refreshes history and drains queued messages.
//
// # Usage
//
//	c := client.New(client.Options{
//	    URL:   "wss://gateway.example.com/ws",
//	    Token: token,
//	    Sink:  ui,
//	})
//	if err := c.Connect(ctx); err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	err = c.Chat().Send(ctx, "deploy the staging branch")
package client
