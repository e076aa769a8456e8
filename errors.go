package chatsync

import "errors"

// Error codes surfaced by the engine.
const (
	CodeTransportDisconnected = "TRANSPORT_DISCONNECTED"
	CodePinLimitExceeded      = "PIN_LIMIT_EXCEEDED"
	CodeInvalidPIN            = "INVALID_PIN"
	CodePINRequired           = "PIN_REQUIRED"
	CodeMutationTimeout       = "MUTATION_TIMEOUT"
	CodeMutationRejected      = "MUTATION_REJECTED"
	CodeProfileFetchFailed    = "PROFILE_FETCH_FAILED"
	CodeConversationNotFound  = "CONVERSATION_NOT_FOUND"
)

// Error is a coded engine error. Two errors match under errors.Is when their
// codes are equal, so a rejection carrying a server message still matches
// ErrMutationRejected.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

var (
	ErrTransportDisconnected = &Error{Code: CodeTransportDisconnected}
	ErrPinLimitExceeded      = &Error{Code: CodePinLimitExceeded}
	ErrInvalidPIN            = &Error{Code: CodeInvalidPIN}
	ErrPINRequired           = &Error{Code: CodePINRequired}
	ErrMutationTimeout       = &Error{Code: CodeMutationTimeout}
	ErrMutationRejected      = &Error{Code: CodeMutationRejected}
	ErrProfileFetchFailed    = &Error{Code: CodeProfileFetchFailed}
	ErrConversationNotFound  = &Error{Code: CodeConversationNotFound}
)
