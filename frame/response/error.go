// Package response implements the server->client messages of the CQL
// binary protocol: ERROR, READY, SUPPORTED, the AUTHENTICATE/
// AUTH_CHALLENGE/AUTH_SUCCESS exchange, RESULT and EVENT.
package response

import (
	"fmt"

	"github.com/scylladb/scylla-go-driver/frame"
)

// ErrorCode is the four-byte error code carried in every ERROR body
// (§7, "one code per ERROR body").
type ErrorCode int32

const (
	ErrServerError        ErrorCode = 0x0000
	ErrProtocolError      ErrorCode = 0x000A
	ErrAuthenticationErr  ErrorCode = 0x0100
	ErrUnavailable        ErrorCode = 0x1000
	ErrOverloaded         ErrorCode = 0x1001
	ErrIsBootstrapping    ErrorCode = 0x1002
	ErrTruncateError      ErrorCode = 0x1003
	ErrWriteTimeout       ErrorCode = 0x1100
	ErrReadTimeout        ErrorCode = 0x1200
	ErrReadFailure        ErrorCode = 0x1300
	ErrFunctionFailure    ErrorCode = 0x1400
	ErrWriteFailure       ErrorCode = 0x1500
	ErrSyntaxError        ErrorCode = 0x2000
	ErrUnauthorized       ErrorCode = 0x2100
	ErrInvalid            ErrorCode = 0x2200
	ErrConfigError        ErrorCode = 0x2300
	ErrAlreadyExists      ErrorCode = 0x2400
	ErrUnprepared         ErrorCode = 0x2500
)

func (c ErrorCode) String() string {
	switch c {
	case ErrServerError:
		return "SERVER_ERROR"
	case ErrProtocolError:
		return "PROTOCOL_ERROR"
	case ErrAuthenticationErr:
		return "AUTHENTICATION_ERROR"
	case ErrUnavailable:
		return "UNAVAILABLE"
	case ErrOverloaded:
		return "OVERLOADED"
	case ErrIsBootstrapping:
		return "IS_BOOTSTRAPPING"
	case ErrTruncateError:
		return "TRUNCATE_ERROR"
	case ErrWriteTimeout:
		return "WRITE_TIMEOUT"
	case ErrReadTimeout:
		return "READ_TIMEOUT"
	case ErrReadFailure:
		return "READ_FAILURE"
	case ErrFunctionFailure:
		return "FUNCTION_FAILURE"
	case ErrWriteFailure:
		return "WRITE_FAILURE"
	case ErrSyntaxError:
		return "SYNTAX_ERROR"
	case ErrUnauthorized:
		return "UNAUTHORIZED"
	case ErrInvalid:
		return "INVALID"
	case ErrConfigError:
		return "CONFIG_ERROR"
	case ErrAlreadyExists:
		return "ALREADY_EXISTS"
	case ErrUnprepared:
		return "UNPREPARED"
	default:
		return fmt.Sprintf("ERROR(0x%04x)", int32(c))
	}
}

// IsCritical reports whether the error makes the connection or the pool
// it belongs to unrecoverable: auth failures and protocol violations,
// per §4.4's CRITICAL pool transition and §7.
func (c ErrorCode) IsCritical() bool {
	return c == ErrAuthenticationErr || c == ErrProtocolError
}

// CodedError is implemented by every parsed ERROR body so callers can
// type-switch or errors.As down to the structured fields §7 requires.
type CodedError interface {
	error
	Code() ErrorCode
}

// Error is the base ERROR body: code + message, with Host set by the
// connection that received it (§7, "optional originating host").
type Error struct {
	ErrorCode ErrorCode
	Message   string
	Host      string
}

func (e *Error) Code() ErrorCode { return e.ErrorCode }

func (e *Error) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("%s: %s (host %s)", e.ErrorCode, e.Message, e.Host)
	}
	return fmt.Sprintf("%s: %s", e.ErrorCode, e.Message)
}

func (e *Error) OpCode() frame.OpCode { return frame.OpError }

// UnavailableError carries the replica counts for an UNAVAILABLE error.
type UnavailableError struct {
	Error
	Consistency frame.Consistency
	Required    int32
	Alive       int32
}

// WriteTimeoutError / ReadTimeoutError carry ack counts for timeouts.
type WriteTimeoutError struct {
	Error
	Consistency frame.Consistency
	Received    int32
	BlockFor    int32
	WriteType   frame.WriteType
}

type ReadTimeoutError struct {
	Error
	Consistency frame.Consistency
	Received    int32
	BlockFor    int32
	DataPresent bool
}

// WriteFailureError / ReadFailureError additionally carry a per-endpoint
// failure-reason map (endpoint -> reason code), flattened to a count
// here since endpoint identity is not needed by the retry policy.
type WriteFailureError struct {
	Error
	Consistency frame.Consistency
	Received    int32
	BlockFor    int32
	NumFailures int32
	WriteType   frame.WriteType
}

type ReadFailureError struct {
	Error
	Consistency frame.Consistency
	Received    int32
	BlockFor    int32
	NumFailures int32
	DataPresent bool
}

type FunctionFailureError struct {
	Error
	Keyspace string
	Function string
	ArgTypes []string
}

type AlreadyExistsError struct {
	Error
	Keyspace string
	Table    string
}

// UnpreparedError carries the prepared-statement id whose server-side
// cache entry expired; the execution engine re-prepares transparently
// and never surfaces this on the first occurrence (§4.7, §7).
type UnpreparedError struct {
	Error
	UnknownID []byte
}

// ParseError fully decodes an ERROR body into the richest typed error
// available, preserving the structured fields §7 requires (consistency,
// received, required, write-type, keyspace, table, function, argument
// types). Every non-error-specific tail field still round-trips through
// the embedded Error for callers that only need code+message.
func ParseError(b *frame.Buffer) CodedError {
	code := ErrorCode(b.ReadInt())
	msg := b.ReadString()
	base := Error{ErrorCode: code, Message: msg}

	switch code {
	case ErrUnavailable:
		cl := b.ReadConsistency()
		required := b.ReadInt()
		alive := b.ReadInt()
		return &UnavailableError{Error: base, Consistency: cl, Required: required, Alive: alive}
	case ErrWriteTimeout:
		cl := b.ReadConsistency()
		received := b.ReadInt()
		blockFor := b.ReadInt()
		wt := frame.WriteType(b.ReadString())
		return &WriteTimeoutError{Error: base, Consistency: cl, Received: received, BlockFor: blockFor, WriteType: wt}
	case ErrReadTimeout:
		cl := b.ReadConsistency()
		received := b.ReadInt()
		blockFor := b.ReadInt()
		dataPresent := b.ReadByte() != 0
		return &ReadTimeoutError{Error: base, Consistency: cl, Received: received, BlockFor: blockFor, DataPresent: dataPresent}
	case ErrWriteFailure:
		cl := b.ReadConsistency()
		received := b.ReadInt()
		blockFor := b.ReadInt()
		numFailures := b.ReadInt()
		wt := frame.WriteType(b.ReadString())
		return &WriteFailureError{Error: base, Consistency: cl, Received: received, BlockFor: blockFor, NumFailures: numFailures, WriteType: wt}
	case ErrReadFailure:
		cl := b.ReadConsistency()
		received := b.ReadInt()
		blockFor := b.ReadInt()
		numFailures := b.ReadInt()
		dataPresent := b.ReadByte() != 0
		return &ReadFailureError{Error: base, Consistency: cl, Received: received, BlockFor: blockFor, NumFailures: numFailures, DataPresent: dataPresent}
	case ErrFunctionFailure:
		ks := b.ReadString()
		fn := b.ReadString()
		args := b.ReadStringList()
		return &FunctionFailureError{Error: base, Keyspace: ks, Function: fn, ArgTypes: args}
	case ErrAlreadyExists:
		ks := b.ReadString()
		table := b.ReadString()
		return &AlreadyExistsError{Error: base, Keyspace: ks, Table: table}
	case ErrUnprepared:
		id := b.ReadShortBytes()
		return &UnpreparedError{Error: base, UnknownID: id}
	default:
		return &base
	}
}
