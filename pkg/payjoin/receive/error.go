package receive

import (
	"errors"
	"fmt"
)

// BIP 78 receiver error codes, returned to the sender verbatim in the
// error response body.
const (
	CodeOriginalPsbtRejected = "original-psbt-rejected"
	CodeUnavailable          = "unavailable"
	CodeNotEnoughMoney       = "not-enough-money"
	CodeVersionUnsupported   = "version-unsupported"
)

// ProtocolError is a deterministic rejection of the original proposal
// or a negotiation parameter. It is not retryable without changing the
// input data.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func rejectOriginal(format string, args ...any) *ProtocolError {
	return &ProtocolError{
		Code:    CodeOriginalPsbtRejected,
		Message: fmt.Sprintf(format, args...),
	}
}

// ServerError wraps a failure inside a host-supplied predicate, so the
// caller can tell "this transaction is invalid" apart from "my lookup
// failed" and decide whether to retry the callback.
type ServerError struct {
	Err error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %v", e.Err)
}

func (e *ServerError) Unwrap() error {
	return e.Err
}

var (
	// ErrStageConsumed is returned when a pipeline stage transition is
	// attempted twice on the same value.
	ErrStageConsumed = errors.New("pipeline stage already consumed")

	// ErrOutputSubstitutionDisabled is returned when the receiver tries
	// to replace its outputs after the sender forbade substitution.
	ErrOutputSubstitutionDisabled = errors.New("output substitution is disabled by the sender")

	// ErrEmptyCandidates is returned by the coin selection when no
	// candidate inputs were supplied.
	ErrEmptyCandidates = errors.New("no candidate inputs to select from")

	// ErrNoPrivacyPreservingCandidate is returned when every candidate
	// would mark the transaction with the unnecessary-input heuristic.
	ErrNoPrivacyPreservingCandidate = errors.New("no candidate input avoids the unnecessary input heuristic")
)

// IsProtocolRejection reports whether err belongs to the protocol
// rejection class rather than the host/server or transport classes.
func IsProtocolRejection(err error) bool {
	var protoErr *ProtocolError
	return errors.As(err, &protoErr)
}
