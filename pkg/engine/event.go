package engine

import (
	"encoding/json"

	"github.com/google/uuid"
)

// EventKind identifies the type of a history event.
type EventKind string

const (
	EventActivity     EventKind = "activity"
	EventSignal       EventKind = "signal"
	EventSignalSend   EventKind = "signal_send"
	EventMessageSend  EventKind = "message_send"
	EventSubWorkflow  EventKind = "sub_workflow"
	EventLoop         EventKind = "loop"
	EventSleep        EventKind = "sleep"
	EventBranch       EventKind = "branch"
	EventRemoved      EventKind = "removed"
	EventVersionCheck EventKind = "version_check"
)

// SleepState tracks how a Sleep event resolved.
type SleepState string

const (
	// SleepStateNormal means the sleep is pending or completed on schedule.
	SleepStateNormal SleepState = "normal"
	// SleepStateInterrupted means the workflow woke before the deadline,
	// usually because a signal arrived.
	SleepStateInterrupted SleepState = "interrupted"
	// SleepStateFired means the deadline elapsed.
	SleepStateFired SleepState = "fired"
)

// Event is one recorded deterministic step of a workflow run. Exactly one
// kind applies; the optional fields used depend on it.
type Event struct {
	Location Location
	Version  int64
	Kind     EventKind
	CreateTs int64

	// Name is the activity, signal, message, or sub-workflow name.
	Name string

	// InputHash memoizes activity inputs so replay can detect divergence.
	InputHash uint64

	// Output is the recorded result body for activity, signal, and loop
	// events.
	Output json.RawMessage

	// Errors accumulates failed activity attempts at this location. The
	// event itself is not replaced on failure.
	Errors []string

	// SignalID is set on Signal and SignalSend events.
	SignalID uuid.UUID

	// SubWorkflowID is set on SubWorkflow events.
	SubWorkflowID uuid.UUID

	// Iteration is the loop counter on Loop events.
	Iteration int64

	// State is the loop carry state on Loop events.
	State json.RawMessage

	// DeadlineTs is the wake deadline on Sleep events.
	DeadlineTs int64

	// SleepState is set on Sleep events.
	SleepState SleepState
}
