package db

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/burrowops/burrow/pkg/engine"
	"github.com/burrowops/burrow/pkg/keyspace"
	"github.com/burrowops/burrow/pkg/kv"
)

// DispatchSubWorkflow dispatches a child workflow and records a SubWorkflow
// history event on the parent in the same transaction, so a replayed parent
// cannot dispatch the child twice.
func (d *Database) DispatchSubWorkflow(ctx context.Context, rayID, parentID uuid.UUID, loc engine.Location, version int64, subWorkflowID uuid.UUID, name string, tags map[string]string, input json.RawMessage, unique bool) (uuid.UUID, error) {
	if err := validateTags(tags); err != nil {
		return uuid.Nil, err
	}

	resultID := subWorkflowID
	err := d.store.Update(ctx, func(tx *kv.Tx) error {
		resultID = subWorkflowID

		if unique {
			existing, found, err := findWorkflowInner(tx, name, tags)
			if err != nil {
				return err
			}
			if found {
				resultID = existing
			}
		}

		if resultID == subWorkflowID {
			if err := dispatchWorkflowInner(tx, rayID, subWorkflowID, name, tags, input); err != nil {
				return err
			}
		}

		ev := engine.Event{
			Location:      loc,
			Version:       version,
			Kind:          engine.EventSubWorkflow,
			CreateTs:      nowMs(),
			Name:          name,
			SubWorkflowID: resultID,
		}
		return writeEvent(tx, parentID, &ev)
	})
	if err != nil {
		return uuid.Nil, err
	}

	d.WakeWorker()
	return resultID, nil
}

// GetSubWorkflow reads a child workflow for its parent. If the child has
// not produced output yet, a sub-workflow wake-index row is written so the
// parent wakes when the child completes; the read and the index write share
// a transaction, so completion cannot slip between them.
func (d *Database) GetSubWorkflow(ctx context.Context, parentID uuid.UUID, parentName string, subWorkflowID uuid.UUID) (*engine.Workflow, error) {
	var out *engine.Workflow
	err := d.store.Update(ctx, func(tx *kv.Tx) error {
		wf, err := readWorkflow(tx, subWorkflowID)
		if err != nil {
			return err
		}
		if wf == nil {
			return engine.ErrWorkflowNotFound
		}
		out = wf

		if wf.Output == nil {
			key := wakeSubWorkflowSub(subWorkflowID).Pack(keyspace.Tuple{parentID})
			if err := tx.Set(key, []byte(parentName)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
