// Package session tracks per-session client state: the transcript, the
// active run with its stream buffer, and the queue of messages waiting to
// be sent.
package session
