package pending

import (
	"fmt"

	"github.com/phnx-im/air-sub001/internal/dsclient"
	"github.com/phnx-im/air-sub001/internal/store"
)

// RetryExhaustedError is returned once, by the attempt that gives up on an
// operation. The operation is deleted when it is returned.
type RetryExhaustedError struct {
	GroupID  string
	Type     store.OperationType
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("pending %s operation for group %s abandoned after %d attempts: %v", e.Type, e.GroupID, e.Attempts, e.Last)
	}
	return fmt.Sprintf("pending %s operation for group %s abandoned after %d attempts", e.Type, e.GroupID, e.Attempts)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }

// OperationError is a server refusal that the queue will not retry on its
// own. Kind tells whether the operation was dropped (KindRejected) or left
// waiting for the queue response (KindWrongEpoch).
type OperationError struct {
	GroupID string
	Type    store.OperationType
	Kind    dsclient.Kind
	Err     error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("pending %s operation for group %s failed (%s): %v", e.Type, e.GroupID, e.Kind, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }
