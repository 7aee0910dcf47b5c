// Package rpc multiplexes request/response calls over one connection.
//
// The Correlator tags each outbound request with a UUID and parks the
// caller on a channel until the response frame with that id comes back.
// Responses may arrive in any order; a reply that lands after its caller
// timed out is logged and dropped. FailAll unblocks every pending call
// when the connection dies.
package rpc
