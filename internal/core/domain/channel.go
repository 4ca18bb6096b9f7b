package domain

// Frame is one encoded envelope queued for a channel.
type Frame struct {
	Data []byte
	// Ephemeral frames may be dropped when the receiver falls behind.
	Ephemeral bool
}

// Channel is the relay side of a client connection. Send must not block:
// implementations enqueue and return.
type Channel interface {
	Send(frame Frame) error
}
