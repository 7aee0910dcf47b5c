// Package protocol defines the JSON frame format and typed RPC payloads
// exchanged with the gateway.
package protocol
