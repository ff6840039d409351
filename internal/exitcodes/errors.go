package exitcodes

import "fmt"

// ErrorWithCode pins an exit code on a command error, overriding the
// kind-based mapping in CodeForError.
type ErrorWithCode struct {
	Code    int
	Message string
	Cause   error
}

func (e *ErrorWithCode) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *ErrorWithCode) Unwrap() error { return e.Cause }

// WrapError pins code on cause. cause may be nil.
func WrapError(code int, message string, cause error) *ErrorWithCode {
	return &ErrorWithCode{Code: code, Message: message, Cause: cause}
}

// InvalidArgsErrorf reports a bad flag or argument value.
func InvalidArgsErrorf(format string, args ...any) *ErrorWithCode {
	return WrapError(InvalidArgs, fmt.Sprintf(format, args...), nil)
}
