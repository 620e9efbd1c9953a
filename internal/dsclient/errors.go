package dsclient

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies a failed server call by what the caller should do next.
type Kind int

const (
	// KindNetwork is a transport failure. The request may be retried.
	KindNetwork Kind = iota
	// KindAwaitingAck means the request was sent but the response did not
	// arrive in time. The server may still apply it.
	KindAwaitingAck
	// KindWrongEpoch means the group moved on and the commit no longer
	// applies.
	KindWrongEpoch
	// KindRejected is any other server-side refusal. Retrying will not help.
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAwaitingAck:
		return "awaiting_ack"
	case KindWrongEpoch:
		return "wrong_epoch"
	default:
		return "rejected"
	}
}

// Error is returned by every Client call that fails.
type Error struct {
	Method string
	Kind   Kind
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Method, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func classify(method string, err error) error {
	if err == nil {
		return nil
	}
	kind := KindRejected
	switch status.Code(err) {
	case codes.Unavailable, codes.Canceled, codes.ResourceExhausted, codes.Aborted:
		kind = KindNetwork
	case codes.DeadlineExceeded:
		kind = KindAwaitingAck
	case codes.FailedPrecondition:
		kind = KindWrongEpoch
	case codes.Unknown:
		// Errors that never reached the wire carry no status.
		if _, ok := status.FromError(err); !ok {
			kind = KindNetwork
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindAwaitingAck
	}
	return &Error{Method: method, Kind: kind, Err: err}
}

// KindOf returns the Kind of err, and false if err did not come from Client.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsRetryable reports whether err is a transport failure worth retrying.
func IsRetryable(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindNetwork
}
