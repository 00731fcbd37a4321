package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies orchestration failures by what the caller should
// do about them, not by where they happened.
type ErrorKind string

const (
	// ErrTransport covers unreachable endpoints and failed HTTP calls.
	ErrTransport ErrorKind = "transport"
	// ErrCapacity means no viable node or no pool VM was available.
	ErrCapacity ErrorKind = "capacity"
	// ErrTimeout marks an exhausted retry or polling budget.
	ErrTimeout ErrorKind = "timeout"
	// ErrRemoteExec covers failed commands on a reached VM.
	ErrRemoteExec ErrorKind = "remote_exec"
	// ErrDataIntegrity marks malformed or inconsistent stored state.
	ErrDataIntegrity ErrorKind = "data_integrity"
	// ErrConfig marks unusable local configuration.
	ErrConfig ErrorKind = "config"
)

// Error is the orchestrator's structured error. Callers use errors.As to
// branch on Kind, and read InstanceHash to decide whether a partially
// provisioned VM exists that repair (rather than re-create) should target:
//
//	var oerr *types.Error
//	if errors.As(err, &oerr) && oerr.InstanceHash != "" { ... }
type Error struct {
	Kind         ErrorKind
	Step         string // Deployment step that failed, when known
	InstanceHash string // Set when a created instance outlived the failure
	Msg          string
	Err          error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	if e.Step != "" {
		s = fmt.Sprintf("%s: %s: %s", e.Kind, e.Step, e.Msg)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an Error from a kind, a wrapped cause (may be nil) and a
// printf-style message.
func E(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// WithStep returns a copy of the error tagged with the failing step.
func (e *Error) WithStep(step string) *Error {
	c := *e
	c.Step = step
	return &c
}

// WithInstance returns a copy of the error carrying the instance hash.
func (e *Error) WithInstance(hash string) *Error {
	c := *e
	c.InstanceHash = hash
	return &c
}

// KindOf reports the kind of err, or empty when err is not an Error.
func KindOf(err error) ErrorKind {
	var oerr *Error
	if errors.As(err, &oerr) {
		return oerr.Kind
	}
	return ""
}

// IsKind checks whether err is an Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// InstanceHashFrom extracts the instance hash carried by err, if any.
func InstanceHashFrom(err error) string {
	var oerr *Error
	if errors.As(err, &oerr) {
		return oerr.InstanceHash
	}
	return ""
}
