package protocol

import (
	"errors"
	"fmt"
)

// ErrConnectionClosed reports that the peer went away (or the network failed)
// while a frame was being read.
var ErrConnectionClosed = errors.New("connection closed")

// DecodeError reports a malformed frame. Stage names the step that failed.
type DecodeError struct {
	Stage string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is (or wraps) a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
