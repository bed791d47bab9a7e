package protocol

import (
	"errors"
	"fmt"
)

const (
	// Local misuse, recoverable.
	ErrUnknownAgent = "E_UNKNOWN_AGENT"

	// Per-message, dropped with log; the tick continues.
	ErrEncode    = "E_ENCODE"
	ErrDecode    = "E_DECODE"
	ErrTransport = "E_TRANSPORT"
	ErrQueueFull = "E_QUEUE_FULL"

	// Run-terminating. Lock-step consistency cannot be locally repaired.
	ErrSchemaVersion  = "E_SCHEMA_VERSION"
	ErrBarrierTimeout = "E_BARRIER_TIMEOUT"
)

var knownCodes = map[string]struct{}{
	ErrUnknownAgent:   {},
	ErrEncode:         {},
	ErrDecode:         {},
	ErrTransport:      {},
	ErrQueueFull:      {},
	ErrSchemaVersion:  {},
	ErrBarrierTimeout: {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Fatal reports whether an error code must terminate the whole run.
func Fatal(code string) bool {
	return code == ErrSchemaVersion || code == ErrBarrierTimeout
}

// CodeError pairs a protocol error code with a human-readable detail.
type CodeError struct {
	Code   string
	Detail string
}

func (e *CodeError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return e.Code + ": " + e.Detail
}

func errCode(code, detail string) error {
	return &CodeError{Code: code, Detail: detail}
}

// NewError builds a CodeError; unknown codes are mapped to E_DECODE so a
// bad peer can never mint a fatal code we do not recognize.
func NewError(code string, format string, args ...any) error {
	if !IsKnownCode(code) {
		code = ErrDecode
	}
	return &CodeError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the protocol code from err, or "" if it carries none.
func CodeOf(err error) string {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
