package radio

import (
	"errors"
	"fmt"
)

var (
	// ErrRejected marks a command the radio refused synchronously.
	ErrRejected = errors.New("command rejected")
	// ErrClosed is returned by commands issued after the radio shut down.
	ErrClosed = errors.New("radio closed")
)

// CommandError carries the link-layer status code of a rejected command.
type CommandError struct {
	Command string
	Status  uint16
}

func (e *CommandError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: status 0x%04x", e.Command, e.Status)
}

// Is makes every CommandError match ErrRejected.
func (e *CommandError) Is(target error) bool {
	return target == ErrRejected
}
