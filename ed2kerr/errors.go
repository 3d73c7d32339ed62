// Package ed2kerr defines the error taxonomy shared across the engine.
//
// Errors the engine raises itself are *Error values carrying a Kind
// (the broad propagation-policy bucket from the design: serialization,
// protocol, transport, transfer, storage) and a Code identifying the exact
// condition; errors from the underlying socket or file are in some paths
// returned unwrapped. Callers use errors.Is against the Code sentinels below; the
// Kind is what a caller like session/transfer uses to decide how far the
// failure propagates (close one peer vs. pause a transfer vs. surface an
// alert).
package ed2kerr

import "fmt"

// Kind buckets an error by how far it propagates before being contained.
type Kind int

const (
	// KindSerialization covers decode errors, invalid tag types, oversize
	// blobs, and unexpected EOF while parsing the wire format.
	KindSerialization Kind = iota
	// KindProtocol covers unsupported protocol ids, invalid packet sizes,
	// and opcodes that are invalid in the connection's current state.
	KindProtocol
	// KindTransport covers socket-level and session-resource failures:
	// closing, timeouts, self-connection, duplicate peers, too many
	// connections, filter bans.
	KindTransport
	// KindTransfer covers transfer-lifecycle failures: duplicate
	// transfer, operating on a paused/finished/aborted/removed transfer,
	// an invalid handle, or a hash mismatch.
	KindTransfer
	// KindStorage covers disk-level failures: unavailable files, files
	// too short, file collisions, missing pieces, invalid slot lists.
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindSerialization:
		return "serialization"
	case KindProtocol:
		return "protocol"
	case KindTransport:
		return "transport"
	case KindTransfer:
		return "transfer"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Code identifies the specific condition within a Kind. Codes are stable
// sentinels so callers can errors.Is against them regardless of message
// text.
type Code int

const (
	CodeUnknown Code = iota

	// Serialization
	CodeDecodePacketError
	CodeInvalidTagType
	CodeBlobTooLong
	CodeUnexpectedEOF

	// Protocol
	CodeUnsupportedProtocol
	CodeInvalidPacketSize
	CodeInvalidOpcodeForState
	CodeInvalidArgument

	// Transport
	CodeSessionClosing
	CodeTimedOut
	CodeSelfConnection
	CodeDuplicatePeer
	CodeTooManyConnections
	CodeBannedByFilter

	// Transfer
	CodeDuplicateTransfer
	CodeTransferPaused
	CodeTransferFinished
	CodeTransferAborted
	CodeTransferRemoved
	CodeInvalidHandle
	CodeMismatchingHash

	// Storage
	CodeFileUnavailable
	CodeFileTooShort
	CodeFileCollision
	CodeMissingPieces
	CodeInvalidSlotList
)

func (c Code) String() string {
	switch c {
	case CodeDecodePacketError:
		return "decode-packet-error"
	case CodeInvalidTagType:
		return "invalid-tag-type"
	case CodeBlobTooLong:
		return "blob-too-long"
	case CodeUnexpectedEOF:
		return "unexpected-eof"
	case CodeUnsupportedProtocol:
		return "unsupported-protocol"
	case CodeInvalidPacketSize:
		return "invalid-packet-size"
	case CodeInvalidOpcodeForState:
		return "invalid-opcode-for-state"
	case CodeInvalidArgument:
		return "invalid-argument"
	case CodeSessionClosing:
		return "session-closing"
	case CodeTimedOut:
		return "timed-out"
	case CodeSelfConnection:
		return "self-connection"
	case CodeDuplicatePeer:
		return "duplicate-peer"
	case CodeTooManyConnections:
		return "too-many-connections"
	case CodeBannedByFilter:
		return "banned-by-filter"
	case CodeDuplicateTransfer:
		return "duplicate-transfer"
	case CodeTransferPaused:
		return "transfer-paused"
	case CodeTransferFinished:
		return "transfer-finished"
	case CodeTransferAborted:
		return "transfer-aborted"
	case CodeTransferRemoved:
		return "transfer-removed"
	case CodeInvalidHandle:
		return "invalid-handle"
	case CodeMismatchingHash:
		return "mismatching-hash"
	case CodeFileUnavailable:
		return "file-unavailable"
	case CodeFileTooShort:
		return "file-too-short"
	case CodeFileCollision:
		return "file-collision"
	case CodeMissingPieces:
		return "missing-pieces"
	case CodeInvalidSlotList:
		return "invalid-slot-list"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned across the engine.
type Error struct {
	Kind Kind
	Code Code
	Msg  string
	Err  error // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("ed2k: %s: %s", e.Kind, e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("ed2k: %s: %s: %s: %v", e.Kind, e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("ed2k: %s: %s: %s", e.Kind, e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ed2kerr.New(kind, code, "")) match on Kind+Code
// alone, ignoring Msg/Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// New constructs an *Error with no wrapped cause.
func New(kind Kind, code Code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// Wrap constructs an *Error wrapping cause.
func Wrap(kind Kind, code Code, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Err: cause}
}

// sentinel values usable directly with errors.Is, one per Code, to mirror
// the teacher's pieces/errors.go pair of sentinel errors generalized across
// the full taxonomy.
var (
	ErrDecodePacket         = New(KindSerialization, CodeDecodePacketError, "")
	ErrInvalidTagType       = New(KindSerialization, CodeInvalidTagType, "")
	ErrBlobTooLong          = New(KindSerialization, CodeBlobTooLong, "")
	ErrUnexpectedEOF        = New(KindSerialization, CodeUnexpectedEOF, "")
	ErrUnsupportedProtocol  = New(KindProtocol, CodeUnsupportedProtocol, "")
	ErrInvalidPacketSize    = New(KindProtocol, CodeInvalidPacketSize, "")
	ErrInvalidOpcodeState   = New(KindProtocol, CodeInvalidOpcodeForState, "")
	ErrInvalidArgument      = New(KindProtocol, CodeInvalidArgument, "")
	ErrSessionClosing       = New(KindTransport, CodeSessionClosing, "")
	ErrTimedOut             = New(KindTransport, CodeTimedOut, "")
	ErrSelfConnection       = New(KindTransport, CodeSelfConnection, "")
	ErrDuplicatePeer        = New(KindTransport, CodeDuplicatePeer, "")
	ErrTooManyConnections   = New(KindTransport, CodeTooManyConnections, "")
	ErrBannedByFilter       = New(KindTransport, CodeBannedByFilter, "")
	ErrDuplicateTransfer    = New(KindTransfer, CodeDuplicateTransfer, "")
	ErrTransferPaused       = New(KindTransfer, CodeTransferPaused, "")
	ErrTransferFinished     = New(KindTransfer, CodeTransferFinished, "")
	ErrTransferAborted      = New(KindTransfer, CodeTransferAborted, "")
	ErrTransferRemoved      = New(KindTransfer, CodeTransferRemoved, "")
	ErrInvalidHandle        = New(KindTransfer, CodeInvalidHandle, "")
	ErrMismatchingHash      = New(KindTransfer, CodeMismatchingHash, "")
	ErrFileUnavailable      = New(KindStorage, CodeFileUnavailable, "")
	ErrFileTooShort         = New(KindStorage, CodeFileTooShort, "")
	ErrFileCollision        = New(KindStorage, CodeFileCollision, "")
	ErrMissingPieces        = New(KindStorage, CodeMissingPieces, "")
	ErrInvalidSlotList      = New(KindStorage, CodeInvalidSlotList, "")
)
