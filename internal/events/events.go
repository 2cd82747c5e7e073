// Package events publishes link lifecycle events for downstream consumers.
package events

import (
	"context"
	"time"
)

// Event types.
const (
	TypeLinkCreated  = "link.created"
	TypeLinkResolved = "link.resolved"
)

// LinkEvent is the JSON payload written for each shortener event. Code is the message key.
type LinkEvent struct {
	Type          string    `json:"type"`
	Code          string    `json:"code"`
	Target        string    `json:"target"`
	OccurredAt    time.Time `json:"occurredAt"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// Publisher accepts events without blocking the request path.
type Publisher interface {
	Publish(ctx context.Context, ev LinkEvent)
	Close(ctx context.Context) error
}

// NopPublisher discards events. Used when events are disabled.
type NopPublisher struct{}

// Publish discards ev.
func (NopPublisher) Publish(context.Context, LinkEvent) {}

// Close is a no-op.
func (NopPublisher) Close(context.Context) error { return nil }
