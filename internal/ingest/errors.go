package ingest

import "fmt"

// DecryptionError means the push payload could not be opened.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string { return fmt.Sprintf("decrypt push payload: %v", e.Err) }

func (e *DecryptionError) Unwrap() error { return e.Err }

// DecodeError means the envelope or the decrypted payload is malformed.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode push payload: %v", e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }

// StoreUnavailableError means the store could not be opened. Locked is set
// when the files exist but the device has not made them readable yet.
type StoreUnavailableError struct {
	Path   string
	Locked bool
	Err    error
}

func (e *StoreUnavailableError) Error() string {
	if e.Locked {
		return fmt.Sprintf("store %s is locked: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("store %s not found: %v", e.Path, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }
