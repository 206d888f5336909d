package event

import "time"

// Built-in topics created by NewPublisher.
const (
	// ReloadConfig carries a freshly loaded configuration.
	ReloadConfig = "ReloadConfig"
	// SessionOpened carries a connection that was just bound to a link.
	SessionOpened = "SessionOpened"
	// SessionClosed carries a connection whose disconnection was handled.
	SessionClosed = "SessionClosed"
)

// DefaultTimeout bounds how long Publish waits for a built-in topic's
// subscribers.
const DefaultTimeout = 3 * time.Second

// Subscriber receives published values.
type Subscriber func(param any)

// Topic is the subscription list of a single topic.
type Topic struct {
	timeout     time.Duration
	subscribers []Subscriber
}
