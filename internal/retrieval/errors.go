package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/grantvault/orgmemory/internal/resilience"
)

var (
	// ErrRetrievalFailure covers embedding or index provider failures.
	ErrRetrievalFailure = eris.New("retrieval: provider failure")
	// ErrTimeout is returned when a deadline expires before results arrive.
	ErrTimeout = eris.New("retrieval: timeout")
	// ErrInvalidRequest is returned for an empty query, tenant or topK < 1.
	ErrInvalidRequest = eris.New("retrieval: invalid request")
)

// Error carries the failing step alongside its classification.
type Error struct {
	Kind error  // one of the sentinels above
	Op   string // "embed" or "query"
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap exposes both the classification and the cause to errors.Is.
func (e *Error) Unwrap() []error { return []error{e.Kind, e.Err} }

// classify turns a collaborator error into a typed retrieval error.
// Cancellation by the caller is returned as the context error.
func classify(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return eris.Wrapf(ctx.Err(), "retrieval: %s", op)
	}
	kind := ErrRetrievalFailure
	if resilience.IsTimeout(err) {
		kind = ErrTimeout
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
