package exitcodes

import (
	"errors"

	"github.com/probestation/probe-agent/internal/otaerr"
)

// Exit codes returned by probe-agent commands.
const (
	Success = 0

	// GeneralError indicates a general/unknown error
	GeneralError = 1

	// InvalidArgs indicates invalid command-line arguments or flags
	InvalidArgs = 2

	// PreconditionFailed indicates the agent refused the request
	// (e.g., no release fetched yet, already up to date, updates disabled)
	PreconditionFailed = 3

	// NetworkError indicates the agent or the release host was unreachable
	NetworkError = 4

	// IntegrityError indicates a downloaded image failed validation
	IntegrityError = 5

	// Busy indicates a check or update is already running
	Busy = 6

	// ResourceError indicates missing partitions, oversize images or low memory
	ResourceError = 7
)

// CodeForError returns the exit code for err. Explicit ErrorWithCode values
// win; classified update errors map by kind; anything else is GeneralError.
func CodeForError(err error) int {
	if err == nil {
		return Success
	}

	var ec *ErrorWithCode
	if errors.As(err, &ec) {
		return ec.Code
	}

	switch otaerr.KindOf(err) {
	case otaerr.Network:
		return NetworkError
	case otaerr.Protocol:
		return NetworkError
	case otaerr.Integrity:
		return IntegrityError
	case otaerr.Busy:
		return Busy
	case otaerr.Resource:
		return ResourceError
	case otaerr.Precondition:
		return PreconditionFailed
	}
	return GeneralError
}
