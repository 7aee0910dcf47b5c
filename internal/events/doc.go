// Package events fans inbound frames out to their consumers: response
// frames to the pending-call sink, event frames to topic subscribers.
package events
