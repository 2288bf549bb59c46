package series

import (
	"time"
)

// Occurrence is a read-only projection of a single expanded instance of a
// series: the canonical record's identity with start and end shifted to one
// concrete occurrence. Projections are for display; there is deliberately no
// way to save one. Mutations go through the Controller against the
// canonical row.
type Occurrence struct {
	SeriesID int64
	UID      string
	Summary  string

	Start time.Time
	End   time.Time

	// IsFirst marks the canonical first occurrence of the series.
	IsFirst bool
}

// MutationKind enumerates the series mutations reported to the OnMutation
// hook.
type MutationKind int

const (
	MutationCreate MutationKind = iota
	MutationExclude
	MutationSplit
	MutationDetach
	MutationDelete
	MutationTruncate
)

// String provides a human-readable representation of the MutationKind.
func (k MutationKind) String() string {
	switch k {
	case MutationCreate:
		return "create"
	case MutationExclude:
		return "exclude"
	case MutationSplit:
		return "split"
	case MutationDetach:
		return "detach"
	case MutationDelete:
		return "delete"
	case MutationTruncate:
		return "truncate"
	default:
		return "unknown"
	}
}

// MutationEvent describes a completed series mutation. Notification and
// audit side effects belong to collaborators subscribing to these events,
// not to the engine.
type MutationEvent struct {
	Kind     MutationKind
	SeriesID int64
	// NewSeriesID is set for mutations that create a second row (split,
	// detach).
	NewSeriesID int64
	// Date is the occurrence the mutation was applied to, when applicable.
	Date time.Time
}
