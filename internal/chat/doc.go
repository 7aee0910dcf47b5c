// Package chat drives the conversation lifecycle against the gateway.
//
// # Overview
//
// The Coordinator is the single owner of chat state transitions. A send
// either dispatches immediately and becomes the session's active run, or
// joins the session's FIFO queue when a run is already in flight or the
// gateway is unreachable. Each session has at most one active run.
//
// # Runs and idempotency
//
// A run's id is also the idempotency key of the chat.send that started
// it. The gateway echoes it back on every chat event, which is how the
// coordinator tells its own runs apart from runs started by other
// clients on the same session. Events that name a foreign run are
// dropped.
//
// # Streaming
//
// Delta events carry the cumulative partial message, not an increment.
// The merge is monotonic on length: a delta shorter than what is already
// displayed is stale and ignored, so reordered frames can never make the
// visible text flicker backwards.
//
// # Terminal states
//
// final, aborted, and error all end the run and unlock the queue. On
// final the transcript is re-fetched from the gateway, which holds the
// authoritative copy; on error a synthetic assistant entry surfaces the
// failure inline in the conversation. A disconnect ends every in-flight
// run the same way an abort would: its remaining events can never arrive
// on this connection, and the resync on resume settles what the gateway
// actually produced.
//
// # Threading
//
// HandleChatEvent runs on the transport's read goroutine. Anything that
// issues RPCs in response (history refresh, queue drain) is pushed onto a
// background goroutine, because an RPC blocks until its response is read
// by that same goroutine.
package chat
