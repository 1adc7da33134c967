package engine

import (
	"encoding/json"
	"sort"

	"github.com/google/uuid"
)

// Workflow is a durable, resumable computation identified by ID with an
// append-only history log.
type Workflow struct {
	ID       uuid.UUID
	Name     string
	CreateTs int64
	RayID    uuid.UUID
	Tags     map[string]string
	Input    json.RawMessage
	State    json.RawMessage
	Output   json.RawMessage
	Error    string

	// SilenceTs is set when a dead workflow's error has been acknowledged.
	SilenceTs int64

	HasWakeCondition bool
}

// Lifecycle returns the workflow's lifecycle state derived from its fields.
func (w *Workflow) Lifecycle() Lifecycle {
	switch {
	case w.Output != nil:
		return LifecycleComplete
	case w.Error != "" && !w.HasWakeCondition:
		return LifecycleDead
	case w.HasWakeCondition:
		return LifecyclePending
	default:
		return LifecycleSleeping
	}
}

// Lifecycle is the coarse workflow state.
type Lifecycle string

const (
	LifecyclePending  Lifecycle = "pending"
	LifecycleRunning  Lifecycle = "running"
	LifecycleSleeping Lifecycle = "sleeping"
	LifecycleComplete Lifecycle = "complete"
	LifecycleDead     Lifecycle = "dead"
)

// Signal is an asynchronous message delivered to a specific workflow.
type Signal struct {
	ID         uuid.UUID
	Name       string
	WorkflowID uuid.UUID
	CreateTs   int64
	RayID      uuid.UUID
	Body       json.RawMessage
	AckTs      int64
}

// WakeKind enumerates the triggers that enqueue a workflow for execution.
type WakeKind string

const (
	WakeImmediate   WakeKind = "immediate"
	WakeDeadline    WakeKind = "deadline"
	WakeSignal      WakeKind = "signal"
	WakeSubWorkflow WakeKind = "sub_workflow"
)

// WakeCondition is a single trigger for a sleeping workflow.
type WakeCondition struct {
	Kind WakeKind

	// DeadlineTs is set for WakeDeadline.
	DeadlineTs int64
	// SignalID is set for WakeSignal.
	SignalID uuid.UUID
	// SubWorkflowID is set for WakeSubWorkflow.
	SubWorkflowID uuid.UUID
}

// Immediate returns an immediate wake condition.
func Immediate() WakeCondition {
	return WakeCondition{Kind: WakeImmediate}
}

// DeadlineWake returns a wake condition that fires at ts.
func DeadlineWake(ts int64) WakeCondition {
	return WakeCondition{Kind: WakeDeadline, DeadlineTs: ts}
}

// SignalWake returns a wake condition for a received signal.
func SignalWake(signalID uuid.UUID) WakeCondition {
	return WakeCondition{Kind: WakeSignal, SignalID: signalID}
}

// SubWorkflowWake returns a wake condition for a completed sub-workflow.
func SubWorkflowWake(subID uuid.UUID) WakeCondition {
	return WakeCondition{Kind: WakeSubWorkflow, SubWorkflowID: subID}
}

// Lease records exclusive ownership of a workflow by a worker instance for
// one execution turn.
type Lease struct {
	WorkflowID       uuid.UUID
	WorkflowName     string
	WorkerInstanceID uuid.UUID
}

// WorkflowData is the full replay context for one pulled workflow.
type WorkflowData struct {
	ID       uuid.UUID
	Name     string
	CreateTs int64
	RayID    uuid.UUID
	Input    json.RawMessage
	State    json.RawMessage

	// WakeDeadlineTs is the earliest timestamp among the wake-index rows
	// that matched this pull, whatever their kind.
	WakeDeadlineTs int64

	// History holds the active events ordered by location.
	History []Event
}

// Event returns the active history event at location, or nil.
func (d *WorkflowData) Event(loc Location) *Event {
	for i := range d.History {
		if d.History[i].Location.Equal(loc) {
			return &d.History[i]
		}
	}
	return nil
}

// CanonicalTags serializes a tag map as sorted-key JSON so that equivalent
// maps pack to equivalent bytes when indexed or hashed.
func CanonicalTags(tags map[string]string) []byte {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(tags[k])
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	return append(buf, '}')
}
