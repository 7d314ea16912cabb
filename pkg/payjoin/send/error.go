package send

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrStageConsumed is returned when a builder, sender or response
// context is used after it already produced its successor.
var ErrStageConsumed = errors.New("stage already consumed")

// ValidationError reports a receiver proposal that fails the sender's
// checks. The original transaction must still be broadcast; the
// proposal is discarded.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payjoin proposal: %s", e.Reason)
}

func invalidProposal(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ResponseError is a well-formed BIP 78 error response from the
// receiver endpoint.
type ResponseError struct {
	Code    string
	Message string
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// parseResponseError decodes the {"errorCode": ..., "message": ...}
// body receivers return on rejection. Unknown shapes degrade to an
// opaque error rather than leaking receiver-controlled text upstream.
func parseResponseError(body []byte) error {
	var payload struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.ErrorCode == "" {
		return &ResponseError{Code: "unrecognized-error"}
	}
	switch payload.ErrorCode {
	case "version-unsupported", "unavailable", "not-enough-money", "original-psbt-rejected":
		return &ResponseError{Code: payload.ErrorCode, Message: payload.Message}
	default:
		return &ResponseError{Code: "unrecognized-error"}
	}
}
