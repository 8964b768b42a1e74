package grab

import (
	"context"
	"time"
)

// Store writes fetched payloads to a destination and answers existence
// checks used for idempotent skips.
type Store interface {
	Exists(ctx context.Context, dest DestinationContext, name string) (bool, error)
	Put(ctx context.Context, dest DestinationContext, name string, contentType string, data []byte) (string, error)
}

// Publisher pushes batch completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Extractor parses a target into media candidates. The context passed
// in is bound to a leased rendering session; implementations drive the
// page through it and push every candidate they find into captures,
// which the caller drains synchronously for the operation's lifetime.
type Extractor interface {
	Extract(ctx context.Context, locator string, captures chan<- MediaCandidate) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces batch IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
