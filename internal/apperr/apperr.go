// Package apperr classifies the failures a staging run can end with.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindUsage      Kind = "usage"
	KindContract   Kind = "contract"
	KindDescriptor Kind = "descriptor"
	KindCopy       Kind = "copy"
	KindPatch      Kind = "patch"
	KindInternal   Kind = "internal"
)

// Error is a failure tagged with the stage that produced it.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func New(kind Kind, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Usage(message string) error {
	return New(KindUsage, message, nil)
}

func Contract(message string) error {
	return New(KindContract, message, nil)
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindInternal when err carries none.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}
