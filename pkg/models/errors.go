package models

import (
	"errors"
	"fmt"
)

// Kind is the stable machine-readable classification every engine error
// carries. Components translate internal failures into the nearest kind at
// their boundary; the cause chain stays attached for logs.
type Kind string

const (
	KindContentHashMismatch Kind = "integrity.content_hash_mismatch"
	KindSignatureInvalid    Kind = "integrity.signature_verification_failed"
	KindMerkleChainBroken   Kind = "integrity.merkle_chain_broken"

	KindStoreNotFound  Kind = "store.not_found"
	KindStoreConflict  Kind = "store.conflict"
	KindStoreTransient Kind = "store.transient" // retried with backoff by callers

	KindOverlayFailed Kind = "overlay.failed" // isolated inside cascades

	KindHopBudgetExceeded Kind = "cascade.hop_budget_exceeded" // dropped silently, metric only
	KindCycleDetected     Kind = "cascade.cycle_detected"

	KindCacheTooLarge    Kind = "cache.too_large" // never fails the compute
	KindCacheUnavailable Kind = "cache.backend_unavailable"

	KindPartitionFull        Kind = "partition.full" // auto-recovered by synthesizing a partition
	KindPartitionRebalancing Kind = "partition.rebalancing"
	KindPartitionNotFound    Kind = "partition.not_found"

	KindLineageBaseMismatch Kind = "lineage.base_hash_mismatch"

	KindFederationHandshake   Kind = "federation.handshake"
	KindFederationSignature   Kind = "federation.signature" // includes stale timestamps
	KindFederationTimeout     Kind = "federation.timeout"
	KindFederationRateLimited Kind = "federation.rate_limited"

	KindConfig Kind = "config.invalid" // fatal at startup only
)

// Error is the tagged error the engine passes across component boundaries.
type Error struct {
	Kind   Kind
	Msg    string
	Detail string // kind-specific context, e.g. the first bad capsule id of a broken chain
	Cause  error
}

func (e *Error) Error() string {
	switch {
	case e.Cause != nil && e.Detail != "":
		return fmt.Sprintf("%s: %s (%s): %v", e.Kind, e.Msg, e.Detail, e.Cause)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Msg, e.Detail)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches by kind so errors.Is works against a bare kind sentinel
// built with NewError(kind, "").
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// NewError builds a tagged error.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError tags a cause with a kind while preserving the chain for logs.
func WrapError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf walks the chain and returns the first tagged kind, or "" if the
// error carries no tag.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
