package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrClosed = errors.New("session closed")

// ReplyError is returned by Push and Join when the server answers with an error status.
type ReplyError struct {
	Event  string
	Reason string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Event, e.Reason)
}

// Session is a joined topic on which requests can be pushed and server messages received.
type Session interface {
	// Push sends event and waits for the matching reply. The response body of an ok reply is returned.
	Push(ctx context.Context, event string, payload any) (json.RawMessage, error)
	// On registers a handler for server-initiated messages of the given event.
	On(event string, handler func(payload json.RawMessage))
	// Leave ends the session. It may be called more than once.
	Leave() error
	// Closed is closed once the session has ended for any reason.
	Closed() <-chan struct{}
}

// Joiner opens sessions.
type Joiner interface {
	Join(ctx context.Context, topic string, params any) (Session, error)
}
