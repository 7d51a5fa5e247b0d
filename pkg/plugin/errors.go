package plugin

import (
	"errors"
	"fmt"
)

// Op names a lifecycle operation.
type Op string

const (
	OpStart        Op = "start"
	OpStop         Op = "stop"
	OpConfigChange Op = "config-change"
)

// Error reports a failed lifecycle operation for one plugin.
type Error struct {
	Plugin  string
	Context Kind
	Op      Op
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("plugin %q: %s %s: %v", e.Plugin, e.Context, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Declined reports whether err is a soft failure.
func Declined(err error) bool {
	return errors.Is(err, ErrDeclined)
}
