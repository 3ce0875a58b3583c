// Package exception provides the error type shared by every component of the provenance pipeline.
// Errors are categorized by Kind so that callers can decide between dropping a record,
// degrading a lookup, dropping a window, or shutting the process down.
package exception

import (
	"errors"
	"fmt"
	"runtime"
)

// Kind classifies a ProvError.
type Kind string

const (
	// KindConfig is a missing or invalid configuration value.
	KindConfig Kind = "CONFIG"
	// KindConn is a broker connection failure or loss.
	KindConn Kind = "CONN"
	// KindChannel is a broker channel failure.
	KindChannel Kind = "CHANNEL"
	// KindClose is a failure while releasing broker resources.
	KindClose Kind = "CLOSE"
	// KindRPC is a failed or malformed RPC exchange.
	KindRPC Kind = "RPC"
	// KindCodec is a malformed agent payload or record.
	KindCodec Kind = "CODEC"
	// KindScheduler is an HTTP or accounting lookup failure.
	KindScheduler Kind = "SCHEDULER"
	// KindStore is a document or time-series store failure.
	KindStore Kind = "STORE"
	// KindFatal is unrecoverable and shuts the process down.
	KindFatal Kind = "FATAL"
)

// ProvError is the error type raised by pipeline components.
type ProvError struct {
	// Kind is the error category.
	Kind Kind
	// Module names the component that raised the error (e.g., "broker", "codec", "mongo").
	Module string
	// Message is a concise description of the error.
	Message string
	// OriginalErr is the wrapped original error.
	OriginalErr error
	// StackTrace is captured for fatal and transport errors only.
	StackTrace string
}

// NewProvError creates a new ProvError.
func NewProvError(kind Kind, module, message string, originalErr error) *ProvError {
	e := &ProvError{
		Kind:        kind,
		Module:      module,
		Message:     message,
		OriginalErr: originalErr,
	}
	if kind == KindFatal || IsTransportKind(kind) {
		buf := make([]byte, 2048)
		n := runtime.Stack(buf, false)
		e.StackTrace = string(buf[:n])
	}
	return e
}

// NewProvErrorf creates a new ProvError using a format string.
// If the last argument is an error it is wrapped and not used for formatting.
//
// Example:
// NewProvErrorf(KindCodec, "codec", "unknown host %q", host)
// NewProvErrorf(KindStore, "mongo", "upsert failed for %s", uid, err)
func NewProvErrorf(kind Kind, module, format string, a ...interface{}) *ProvError {
	var originalErr error
	args := a
	if len(args) > 0 {
		if err, ok := args[len(args)-1].(error); ok {
			originalErr = err
			args = args[:len(args)-1]
		}
	}
	return NewProvError(kind, module, fmt.Sprintf(format, args...), originalErr)
}

// Error implements the error interface.
func (e *ProvError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("%s [%s] %s: %v", e.Kind, e.Module, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("%s [%s] %s", e.Kind, e.Module, e.Message)
}

// Unwrap returns the original error for errors.Unwrap.
func (e *ProvError) Unwrap() error {
	return e.OriginalErr
}

// IsTransportKind reports whether kind belongs to the TRANSPORT family.
func IsTransportKind(kind Kind) bool {
	switch kind {
	case KindConn, KindChannel, KindClose, KindRPC:
		return true
	}
	return false
}

// KindOf returns the Kind of the first ProvError in err's chain, or "" when there is none.
func KindOf(err error) Kind {
	var pe *ProvError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether err's chain holds a ProvError of the given kind.
func IsKind(err error, kind Kind) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if pe, ok := e.(*ProvError); ok && pe.Kind == kind {
			return true
		}
	}
	return false
}

// IsTransport reports whether err is a CONN, CHANNEL, CLOSE or RPC error.
func IsTransport(err error) bool {
	return IsTransportKind(KindOf(err))
}

// IsFatal reports whether err must terminate the enclosing process.
// Transport errors are fatal for the engine: supervisor restart is the recovery.
func IsFatal(err error) bool {
	k := KindOf(err)
	return k == KindFatal || IsTransportKind(k)
}

// ExtractErrorMessage returns the Message of a ProvError, or err.Error() otherwise.
func ExtractErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var pe *ProvError
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}
