// Package dedupe tracks idempotency keys in a time-based cache so a
// message is never dispatched twice within the dedupe window.
package dedupe
