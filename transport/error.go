package transport

import (
	"errors"
	"fmt"

	"github.com/scylladb/scylla-go-driver/frame"
	"github.com/scylladb/scylla-go-driver/frame/response"
)

// LibraryErrorKind enumerates the driver-local failure prefixes of §7
// ("Library" errors) that never originate from a server response.
type LibraryErrorKind string

const (
	ErrBadParams          LibraryErrorKind = "BAD_PARAMS"
	ErrInvalidOption      LibraryErrorKind = "INVALID_OPTION"
	ErrInvalidOptionSize  LibraryErrorKind = "INVALID_OPTION_SIZE"
	ErrUnableToInit       LibraryErrorKind = "UNABLE_TO_INIT"
	ErrMessageEncode      LibraryErrorKind = "MESSAGE_ENCODE"
	ErrNoStreamIDsKind    LibraryErrorKind = "NO_AVAILABLE_STREAM_IDS"
	ErrNoDataWritten      LibraryErrorKind = "NO_DATA_WRITTEN"
	ErrCallbackAlreadySet LibraryErrorKind = "CALLBACK_ALREADY_SET"
	ErrIndexOutOfBounds   LibraryErrorKind = "INDEX_OUT_OF_BOUNDS"
	ErrNoCustomPayload    LibraryErrorKind = "NO_CUSTOM_PAYLOAD"
	ErrNoTracingID        LibraryErrorKind = "NO_TRACING_ID"
	ErrInvalidFutureType  LibraryErrorKind = "INVALID_FUTURE_TYPE"
	ErrWriteErrorKind     LibraryErrorKind = "WRITE_ERROR"
	ErrIdentityMismatch   LibraryErrorKind = "IDENTITY_MISMATCH"
)

// LibraryError is a driver-local failure: no server round-trip happened,
// or the server's response could not be used (encoding/decoding/stream
// exhaustion). Host is set when the failure is attributable to a
// specific node.
type LibraryError struct {
	Kind LibraryErrorKind
	Msg  string
	Host string
}

func (e *LibraryError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("%s: %s (host %s)", e.Kind, e.Msg, e.Host)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func NewLibraryError(kind LibraryErrorKind, format string, args ...any) *LibraryError {
	return &LibraryError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// responseAsError converts a non-RESULT response into the richest error
// value available: a typed response.CodedError when the server sent
// ERROR, or a generic wrap for any other unexpected opcode (a protocol
// violation by itself).
func responseAsError(res frame.Response) error {
	if v, ok := res.(response.CodedError); ok {
		return v
	}
	return fmt.Errorf("unexpected response %T, %+v", res, res)
}

// IsCritical reports whether err should take the owning pool straight
// to CRITICAL (auth failure, protocol violation, known-fatal server
// error) rather than scheduling a reconnect (§4.4, §7).
func IsCritical(err error) bool {
	var coded response.CodedError
	if errors.As(err, &coded) {
		return coded.Code().IsCritical()
	}
	return false
}
