package bus

import (
	"errors"
	"fmt"

	"github.com/arloliu/go-poolbus/frame"
)

var (
	ErrMalformedRequest = errors.New("poolbus: malformed request")
	ErrNoResponse       = errors.New("poolbus: no response")
	ErrCanceled         = errors.New("poolbus: request canceled")
	ErrConnClosed       = errors.New("poolbus: connection closed")
	ErrNotConnected     = errors.New("poolbus: port not connected")
	ErrConfigNil        = errors.New("poolbus: connection config is nil")
	ErrTransportNil     = errors.New("poolbus: transport is nil")
)

// CommandError is returned by a request that failed after it was sent.
type CommandError struct {
	Msg      *frame.Message
	Attempts int
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("poolbus: %s failed after %d attempt(s): %v", e.Msg, e.Attempts, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedRequest, fmt.Sprintf(format, args...))
}
