package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrWorkflowNotFound is returned when an operation references a
	// workflow ID with no stored row.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrHistoryDiverged is returned when replay produces a step whose
	// location or version does not match the recorded history. This is
	// fatal for the run: the operator code is non-deterministic.
	ErrHistoryDiverged = errors.New("workflow history diverged")

	// ErrInvalidTags is returned when dispatch receives a tag with an
	// empty key.
	ErrInvalidTags = errors.New("invalid workflow tags")

	// ErrMissingEventData is returned when a stored history event lacks a
	// field its kind requires.
	ErrMissingEventData = errors.New("missing event data")

	// ErrDeserializeEventData is returned when a stored history event
	// field fails to decode.
	ErrDeserializeEventData = errors.New("failed to deserialize event data")

	// ErrIntegerConversion is returned when a stored integer does not fit
	// its target type.
	ErrIntegerConversion = errors.New("integer conversion out of range")

	// ErrTaggedSignalsDisabled is returned when a signal is published
	// without a recipient workflow ID. Signals are addressed to exact
	// workflows; tag-routed signals are rejected.
	ErrTaggedSignalsDisabled = errors.New("tagged signals are disabled")
)

// DivergedError wraps ErrHistoryDiverged with replay context.
func DivergedError(workflowID uuid.UUID, loc Location, detail string) error {
	return fmt.Errorf("%w: workflow %s at %s: %s", ErrHistoryDiverged, workflowID, loc, detail)
}
