package log

import (
	"errors"
	"fmt"
)

// ErrLogOutputRequired is returned by Configure when no log level is set.
var ErrLogOutputRequired = errors.New("you must specify a log level")

type invalidLogFormatError struct {
	format string
}

func (e invalidLogFormatError) Error() string {
	return fmt.Sprintf("logger format %s is invalid", e.format)
}
