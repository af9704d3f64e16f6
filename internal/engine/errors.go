package engine

import "errors"

var (
	// ErrInconsistentState is returned when the store snapshots violate the
	// cell/press binding invariant. The engine never guesses its way out of
	// a corrupted binding; the operator has to fix the table.
	ErrInconsistentState = errors.New("inconsistent cell/press state")

	// ErrTimeout is returned when the exact 3D matching search exceeds its
	// wall-clock budget before proving optimality.
	ErrTimeout = errors.New("exact matching timed out")
)
