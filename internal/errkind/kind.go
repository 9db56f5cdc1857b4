// Package errkind classifies errors into the handful of kinds the rest of
// Avena reacts to: Transient, Protocol, Auth, Conflict, Fatal. Classification
// is built on top of containerd/errdefs predicates rather than a bespoke
// error type hierarchy, so any wrapped error from the transport or unit
// lifecycle layers (which already return errdefs-classified errors) is
// recognized automatically.
package errkind

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Kind is one of the five error categories from the error handling design.
type Kind int

const (
	Unknown Kind = iota
	Transient
	Protocol
	Auth
	Conflict
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Protocol:
		return "protocol"
	case Auth:
		return "auth"
	case Conflict:
		return "conflict"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify inspects err and returns the Kind the rest of the system should
// react to. Unrecognized errors default to Transient: the caller's state
// machine retries rather than silently dropping them.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return Unknown
	case errdefs.IsAlreadyExists(err), errdefs.IsFailedPrecondition(err):
		return Conflict
	case errdefs.IsPermissionDenied(err), errdefs.IsUnauthenticated(err):
		return Auth
	case errdefs.IsInvalidArgument(err), errdefs.IsNotImplemented(err):
		return Protocol
	case errdefs.IsUnavailable(err), errdefs.IsDeadlineExceeded(err), errdefs.IsCanceled(err), errdefs.IsAborted(err):
		return Transient
	case errdefs.IsInternal(err), errdefs.IsDataLoss(err):
		return Fatal
	default:
		return Transient
	}
}

// wrapped carries a Kind alongside a message so callers that need to surface
// structured context (e.g. the operator CLI's exit codes) can recover it
// with errors.As without needing the original errdefs error in scope.
type wrapped struct {
	kind Kind
	msg  string
	err  error
}

func (w *wrapped) Error() string {
	if w.err != nil {
		return fmt.Sprintf("%s: %s: %v", w.kind, w.msg, w.err)
	}
	return fmt.Sprintf("%s: %s", w.kind, w.msg)
}

func (w *wrapped) Unwrap() error { return w.err }

// New builds a Kind-tagged error wrapping the errdefs-classified cause.
func New(kind Kind, msg string, cause error) error {
	switch kind {
	case Conflict:
		if cause == nil {
			cause = errdefs.ErrFailedPrecondition
		}
	case Auth:
		if cause == nil {
			cause = errdefs.ErrPermissionDenied
		}
	case Protocol:
		if cause == nil {
			cause = errdefs.ErrInvalidArgument
		}
	case Transient:
		if cause == nil {
			cause = errdefs.ErrUnavailable
		}
	case Fatal:
		if cause == nil {
			cause = errdefs.ErrInternal
		}
	}
	return &wrapped{kind: kind, msg: msg, err: cause}
}

// Is reports whether err classifies as kind, either because it was built
// with New or because its wrapped errdefs cause matches.
func Is(err error, kind Kind) bool {
	var w *wrapped
	if errors.As(err, &w) {
		return w.kind == kind
	}
	return Classify(err) == kind
}
