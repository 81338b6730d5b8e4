package stream

import "errors"

// Connection is one open protocol connection paying out a requested token
// fraction. The loop treats it as opaque: it only waits for completion and
// tears it down on shutdown.
type Connection interface {
	// Done is closed when the connection finishes, cleanly or not.
	Done() <-chan struct{}
	// Err returns the terminal error once Done is closed; nil on clean close.
	Err() error
	// End requests a graceful shutdown.
	End()
	// Destroy tears the connection down immediately with the given cause.
	Destroy(err error)
}

// RejectError is a terminal rejection surfaced by the receiver side of a
// connection.
type RejectError struct {
	Message string
}

func (e *RejectError) Error() string {
	return "stream rejected: " + e.Message
}

const exhaustedMessage = "exhausted capacity."

// IsExhausted reports whether err is the expected end-of-capacity signal,
// meaning the requested amount was fully consumed. Callers treat it as a
// normal close, not a failure.
//
// The check compares an unauthenticated message field, so the signal could
// be forged by the peer. Any future receipt verification belongs here.
func IsExhausted(err error) bool {
	var rej *RejectError
	return errors.As(err, &rej) && rej.Message == exhaustedMessage
}
