// Package errors defines the kind taxonomy shared by every subsystem of the
// MCP client runtime, per the error handling design in the specification.
package errors

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a runtime error. Kinds are grouped by the
// subsystem that raises them; callers should switch on Kind rather than on
// error strings.
type Kind string

// Config kinds.
const (
	KindSchemaInvalid        Kind = "schema_invalid"
	KindServerSpecIncomplete Kind = "server_spec_incomplete"
)

// Transport kinds.
const (
	KindTransportInit    Kind = "transport_init"
	KindTransportFaulted Kind = "transport_faulted"
	KindTimeout          Kind = "timeout"
)

// Lifecycle kinds.
const (
	KindDisabled         Kind = "disabled"
	KindNotConnected     Kind = "not_connected"
	KindConnectFailed    Kind = "connect_failed"
	KindAlreadyConnected Kind = "already_connected"
)

// Invocation kinds.
const (
	KindValidationError  Kind = "validation_error"
	KindToolError        Kind = "tool_error"
	KindPromptNotFound   Kind = "prompt_not_found"
	KindResourceNotFound Kind = "resource_not_found"
	KindUnsupportedMime  Kind = "unsupported_mime"
)

// Auth kinds.
const (
	KindMissingConfig       Kind = "missing_config"
	KindAuthorizationDenied Kind = "authorization_denied"
	KindInvalidCallback     Kind = "invalid_callback"
	KindTokenExchangeFailed Kind = "token_exchange_failed"
	KindTokenRefreshFailed  Kind = "token_refresh_failed"
)

// Crypto kinds.
const (
	KindNoKey             Kind = "no_key"
	KindKeyIDMismatch     Kind = "key_id_mismatch"
	KindKeyRevoked        Kind = "key_revoked"
	KindSignatureExpired  Kind = "signature_expired"
	KindSignatureInFuture Kind = "signature_in_future"
	KindSignatureInvalid  Kind = "signature_invalid"
	KindMessageModified   Kind = "message_modified"
	KindMalformed         Kind = "malformed"
)

// Storage kinds.
const (
	KindInvalidEncryptedFormat Kind = "invalid_encrypted_format"
	KindDecryptionFailed       Kind = "decryption_failed"
	KindIOError                Kind = "io_error"
)

// Error is the concrete error type returned across package boundaries. It
// never embeds secret material, private paths, or cryptographic internals in
// Message -- callers are expected to pass only semantic, user-safe text.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// Paths carries the failing JSON-Schema/argument paths for
	// KindValidationError; empty for every other kind.
	Paths []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an Error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NewValidation constructs a KindValidationError carrying the failing paths.
func NewValidation(message string, paths []string) *Error {
	return &Error{Kind: KindValidationError, Message: message, Paths: paths}
}

// IsKind reports whether err is an *Error of the given kind anywhere in its
// unwrap chain.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
