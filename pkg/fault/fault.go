// Package fault carries the bridge's error taxonomy across package
// boundaries. A Fault pairs a stable machine-readable Kind with a wrapped
// cause; handlers map Kinds onto the HTTP surface, the orchestrator maps
// them onto retry/DLQ policy. Only KindInternal conditions are unexpected.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the stable identifier of a failure class.
type Kind string

const (
	KindInvalidSignature  Kind = "invalid_signature"
	KindInvalidPayload    Kind = "invalid_payload"
	KindRequestTooLarge   Kind = "request_too_large"
	KindRateLimited       Kind = "rate_limited"
	KindDuplicateInFlight Kind = "duplicate_in_flight"
	KindAlreadyProcessed  Kind = "already_processed"
	KindMappingMissing    Kind = "mapping_missing"
	KindMappingOrphaned   Kind = "mapping_orphaned"
	KindUpstreamTransient Kind = "upstream_transient"
	KindUpstreamPermanent Kind = "upstream_permanent"
	KindTimeout           Kind = "timeout"
	KindInternal          Kind = "internal"
)

// Fault is an error with a classified Kind.
type Fault struct {
	Kind  Kind
	Op    string
	cause error
}

// New creates a Fault with a formatted message as its cause.
func New(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, cause: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. Returns nil when err is nil.
func Wrap(kind Kind, op string, err error) *Fault {
	if err == nil {
		return nil
	}
	return &Fault{Kind: kind, Op: op, cause: err}
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Op != "" {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Op, f.cause)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.cause)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (f *Fault) Unwrap() error { return f.cause }

// KindOf extracts the Kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the failure class is worth retrying against the
// upstream. Admission errors and permanent upstream failures are not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstreamTransient, KindTimeout:
		return true
	default:
		return false
	}
}
