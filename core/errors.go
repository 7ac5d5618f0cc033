package core

import "errors"

var (
	// ErrNotFound means the referenced job (or related record) does not
	// exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict means the operation is illegal for the job's current
	// status, or another transition won the race.
	ErrConflict = errors.New("conflict")

	// ErrInvalid means the request itself was malformed (empty task,
	// oversized task, bad payload shape).
	ErrInvalid = errors.New("invalid request")

	// ErrSaturated is returned by Spawn only when hard-refusal is
	// configured and both the sentinel and the slot count say no.
	ErrSaturated = errors.New("admission refused: host saturated")

	// ErrStopped is returned for mutations after the engine begins
	// shutting down.
	ErrStopped = errors.New("engine stopped")
)
