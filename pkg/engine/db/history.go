package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/burrowops/burrow/pkg/engine"
	"github.com/burrowops/burrow/pkg/keyspace"
	"github.com/burrowops/burrow/pkg/kv"
)

// CommitActivityEvent appends an Activity history event.
func (d *Database) CommitActivityEvent(ctx context.Context, workflowID uuid.UUID, loc engine.Location, version int64, name string, inputHash uint64, output json.RawMessage) error {
	return d.commitEvent(ctx, workflowID, &engine.Event{
		Location:  loc,
		Version:   version,
		Kind:      engine.EventActivity,
		CreateTs:  nowMs(),
		Name:      name,
		InputHash: inputHash,
		Output:    output,
	})
}

// CommitActivityError appends a failed attempt to an Activity event without
// replacing it.
func (d *Database) CommitActivityError(ctx context.Context, workflowID uuid.UUID, loc engine.Location, msg string) error {
	return d.store.Update(ctx, func(tx *kv.Tx) error {
		return appendEventError(tx, workflowID, loc, msg)
	})
}

// CommitSignalSendEvent appends a SignalSend history event.
func (d *Database) CommitSignalSendEvent(ctx context.Context, workflowID uuid.UUID, loc engine.Location, version int64, signalID uuid.UUID, name string) error {
	return d.commitEvent(ctx, workflowID, &engine.Event{
		Location: loc,
		Version:  version,
		Kind:     engine.EventSignalSend,
		CreateTs: nowMs(),
		Name:     name,
		SignalID: signalID,
	})
}

// CommitMessageSendEvent appends a MessageSend history event.
func (d *Database) CommitMessageSendEvent(ctx context.Context, workflowID uuid.UUID, loc engine.Location, version int64, name string) error {
	return d.commitEvent(ctx, workflowID, &engine.Event{
		Location: loc,
		Version:  version,
		Kind:     engine.EventMessageSend,
		CreateTs: nowMs(),
		Name:     name,
	})
}

// CommitSleepEvent appends a Sleep history event with its deadline.
func (d *Database) CommitSleepEvent(ctx context.Context, workflowID uuid.UUID, loc engine.Location, version int64, deadlineTs int64) error {
	return d.commitEvent(ctx, workflowID, &engine.Event{
		Location:   loc,
		Version:    version,
		Kind:       engine.EventSleep,
		CreateTs:   nowMs(),
		DeadlineTs: deadlineTs,
		SleepState: engine.SleepStateNormal,
	})
}

// UpdateSleepEventState transitions a Sleep event among normal,
// interrupted, and fired.
func (d *Database) UpdateSleepEventState(ctx context.Context, workflowID uuid.UUID, loc engine.Location, state engine.SleepState) error {
	return d.store.Update(ctx, func(tx *kv.Tx) error {
		sub := historySub(workflowID, histActive)
		locKey := locationKey(loc)

		kindRaw, err := tx.Get(sub.Pack(keyspace.Tuple{locKey, fieldKind}))
		if err != nil {
			return err
		}
		if kindRaw == nil {
			return fmt.Errorf("%w: no event at %s", engine.ErrMissingEventData, loc)
		}
		if engine.EventKind(kindRaw) != engine.EventSleep {
			return fmt.Errorf("%w: event at %s is not a sleep", engine.ErrMissingEventData, loc)
		}
		return tx.Set(sub.Pack(keyspace.Tuple{locKey, fieldSleepState}), []byte(state))
	})
}

// CommitBranchEvent appends a Branch history event.
func (d *Database) CommitBranchEvent(ctx context.Context, workflowID uuid.UUID, loc engine.Location, version int64) error {
	return d.commitEvent(ctx, workflowID, &engine.Event{
		Location: loc,
		Version:  version,
		Kind:     engine.EventBranch,
		CreateTs: nowMs(),
	})
}

// CommitRemovedEvent appends a Removed history event marking a step that
// newer operator code no longer performs.
func (d *Database) CommitRemovedEvent(ctx context.Context, workflowID uuid.UUID, loc engine.Location, version int64, name string) error {
	return d.commitEvent(ctx, workflowID, &engine.Event{
		Location: loc,
		Version:  version,
		Kind:     engine.EventRemoved,
		CreateTs: nowMs(),
		Name:     name,
	})
}

// CommitVersionCheckEvent appends a VersionCheck history event.
func (d *Database) CommitVersionCheckEvent(ctx context.Context, workflowID uuid.UUID, loc engine.Location, version int64) error {
	return d.commitEvent(ctx, workflowID, &engine.Event{
		Location: loc,
		Version:  version,
		Kind:     engine.EventVersionCheck,
		CreateTs: nowMs(),
	})
}

func (d *Database) commitEvent(ctx context.Context, workflowID uuid.UUID, ev *engine.Event) error {
	return d.store.Update(ctx, func(tx *kv.Tx) error {
		return writeEvent(tx, workflowID, ev)
	})
}

// UpsertLoopEvent inserts a Loop event on iteration zero; on later
// iterations it updates the loop's carry state and moves the previous
// iteration's body events into the forgotten subspace.
func (d *Database) UpsertLoopEvent(ctx context.Context, workflowID uuid.UUID, loc engine.Location, version, iteration int64, state, output json.RawMessage) error {
	return d.store.Update(ctx, func(tx *kv.Tx) error {
		ev := engine.Event{
			Location:  loc,
			Version:   version,
			Kind:      engine.EventLoop,
			CreateTs:  nowMs(),
			Iteration: iteration,
			State:     state,
			Output:    output,
		}
		if err := writeEvent(tx, workflowID, &ev); err != nil {
			return err
		}
		if iteration > 0 {
			return forgetLoopEvents(tx, workflowID, loc, iteration)
		}
		return nil
	})
}

// ForgottenHistory reads the retained forgotten events of a loop, keyed by
// iteration. Debug surface; replay never consults it.
func (d *Database) ForgottenHistory(ctx context.Context, workflowID uuid.UUID, loopLoc engine.Location) (map[int64][]engine.Event, error) {
	out := map[int64][]engine.Event{}
	err := d.store.View(ctx, func(tx *kv.Tx) error {
		sub := historySub(workflowID, histForgotten).Sub(locationKey(loopLoc))
		begin, end := sub.Range()

		builders := map[int64]map[string]*eventBuilder{}
		err := tx.ForEachRange(begin, end, kv.RangeOptions{}, func(k, v []byte) error {
			tup, err := sub.Unpack(k)
			if err != nil {
				return err
			}
			iter, _ := tup[0].(int64)
			locRaw, ok := tup[1].([]byte)
			if !ok {
				return engine.ErrDeserializeEventData
			}

			group := builders[iter]
			if group == nil {
				group = map[string]*eventBuilder{}
				builders[iter] = group
			}
			b := group[string(locRaw)]
			if b == nil {
				loc, err := unpackLocation(locRaw)
				if err != nil {
					return err
				}
				b = newEventBuilder(loc)
				group[string(locRaw)] = b
			}
			return b.apply(tup[2:], v)
		})
		if err != nil {
			return err
		}

		for iter, group := range builders {
			for _, b := range group {
				ev, err := b.build()
				if err != nil {
					return err
				}
				out[iter] = append(out[iter], ev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
