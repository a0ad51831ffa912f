package bus

import "time"

// Event is one domain event published on the bus. Topic is a dot-separated
// name ("doc.message.created", "conv.messages", ...); subscribers match on
// topic prefixes.
type Event struct {
	Topic   string
	At      time.Time
	Payload any
}
