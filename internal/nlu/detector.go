// Package nlu defines the detect-intent collaborator boundary: the Detector
// interface consumed by the conversation pipeline and the error taxonomy used
// to decide whether a failed call is worth retrying.
package nlu

import (
	"context"
	"errors"
	"fmt"
)

// Result is the outcome of one detect-intent call: the reply texts the agent
// produced, in order, and the session parameters after the turn.
type Result struct {
	// Texts are the agent's response messages for this turn. May be empty
	// when the agent matched an intent with no fulfillment text.
	Texts []string
	// Parameters are the session parameters after the turn. Values can be
	// scalars or nested maps, as decoded from JSON.
	Parameters map[string]any
}

// Detector resolves an end-user utterance into agent replies and updated
// session parameters. Implementations must honor ctx cancellation.
type Detector interface {
	DetectIntent(ctx context.Context, sessionID, text string) (*Result, error)
}

// TransientError wraps a failure that is likely to clear on retry: network
// trouble, timeouts, 5xx and 429 responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("nlu transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so IsTransient reports true. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err (or anything it wraps) marks a retryable
// failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
