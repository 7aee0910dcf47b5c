// Package transport maintains the WebSocket connection to the gateway.
//
// A Session dials, authenticates with the hello exchange, then delivers
// every inbound frame to OnFrame from a single read goroutine. When the
// link drops it redials with exponential backoff until Close; a handshake
// rejection (bad token, protocol mismatch) is permanent and stops the
// retries. OnDisconnect and OnResumed bracket each outage so upper layers
// can fail pending calls and re-sync state.
package transport
