// Package transport delivers outbound replies to the messaging channel. The
// Sender interface is the seam the dispatcher talks to; the production
// implementation is a Twilio-style REST client.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrTransient marks a delivery failure that is worth one more attempt.
var ErrTransient = errors.New("transport: transient failure")

// Sender delivers one message to a channel address and returns the
// provider-assigned message sid.
type Sender interface {
	Send(ctx context.Context, to, body string) (sid string, err error)
}

// transient tags err as retryable while preserving the original message.
func transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
