// Package kerr defines the error kinds the translator core surfaces.
//
// Every operation that can fail in a way callers need to distinguish (fatal
// vs. logged vs. latched) returns a *kerr.Error wrapping the
// underlying cause, so callers can branch on Kind via errors.As instead of
// string matching.
package kerr

import "fmt"

// Kind identifies which class of failure occurred.
type Kind int

const (
	// Unknown is the zero value; never returned deliberately.
	Unknown Kind = iota
	// OverlapWindow: a host window add overlapped an existing window.
	OverlapWindow
	// NoWindow: no host window covers the requested IOVA range.
	NoWindow
	// Alignment: a section was misaligned and not on the safe list.
	Alignment
	// BackendMapFail: the kernel backend rejected a map call.
	BackendMapFail
	// BackendUnmapFail: the kernel backend rejected an unmap call.
	BackendUnmapFail
	// FeatureUnsupported: a requested feature (DMA copy, dirty tracking) is absent.
	FeatureUnsupported
	// DiscardIncompatible: a RAM-discard mapping estimate exceeds dma_max_mappings.
	DiscardIncompatible
	// InitLatched: the first error seen during container initialization.
	InitLatched
	// NotFound: an exact-match lookup (e.g. window del) found nothing.
	NotFound
)

func (k Kind) String() string {
	switch k {
	case OverlapWindow:
		return "overlap_window"
	case NoWindow:
		return "no_window"
	case Alignment:
		return "alignment"
	case BackendMapFail:
		return "backend_map_fail"
	case BackendUnmapFail:
		return "backend_unmap_fail"
	case FeatureUnsupported:
		return "feature_unsupported"
	case DiscardIncompatible:
		return "discard_incompatible"
	case InitLatched:
		return "init_latched"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by this module's packages.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap builds an *Error wrapping cause, or returns nil if cause is nil.
func Wrap(kind Kind, op string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if ae, ok := err.(*Error); ok {
		e = ae
	} else {
		return false
	}
	return e.Kind == kind
}
