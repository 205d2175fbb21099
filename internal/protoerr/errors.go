// Package protoerr defines the error taxonomy shared by the wire, crypto,
// transport, auth, chat, and persistence layers.
package protoerr

import "fmt"

// Kind is a short machine-readable error classification.
type Kind string

const (
	KindMalformedFrame      Kind = "malformed_frame"
	KindAuthFailure         Kind = "auth_failure"
	KindReplayRejected      Kind = "replay_rejected"
	KindNonceExhausted      Kind = "nonce_exhausted"
	KindRequestTimeout      Kind = "request_timeout"
	KindEndpointClosed      Kind = "endpoint_closed"
	KindTransportError      Kind = "transport_error"
	KindUserExists          Kind = "user_exists"
	KindUserUnknown         Kind = "user_unknown"
	KindCredentialInvalid   Kind = "credential_invalid"
	KindNotAuthenticated    Kind = "not_authenticated"
	KindAlreadyAuthenticated Kind = "already_authenticated"
	KindRecipientUnknown    Kind = "recipient_unknown"
	KindRecipientOffline    Kind = "recipient_offline"
	KindEmptyMessage        Kind = "empty_message"
	KindStoreCorrupt        Kind = "store_corrupt"
	KindStoreIoError        Kind = "store_io_error"
)

// Error is the structured error returned to callers of core operations.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on Kind via a sentinel constructed with New.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}
