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

// DispatchWorkflow creates a workflow with an immediate wake condition. If
// unique is set and a workflow with the same name and tags already exists,
// its ID is returned instead of inserting a new row.
func (d *Database) DispatchWorkflow(ctx context.Context, rayID, workflowID uuid.UUID, name string, tags map[string]string, input json.RawMessage, unique bool) (uuid.UUID, error) {
	if err := validateTags(tags); err != nil {
		return uuid.Nil, err
	}

	resultID := workflowID
	err := d.store.Update(ctx, func(tx *kv.Tx) error {
		resultID = workflowID

		if unique {
			existing, found, err := findWorkflowInner(tx, name, tags)
			if err != nil {
				return err
			}
			if found {
				resultID = existing
				return nil
			}
		}

		return dispatchWorkflowInner(tx, rayID, workflowID, name, tags, input)
	})
	if err != nil {
		return uuid.Nil, err
	}

	d.WakeWorker()
	return resultID, nil
}

func validateTags(tags map[string]string) error {
	for k := range tags {
		if k == "" {
			return fmt.Errorf("%w: empty tag key", engine.ErrInvalidTags)
		}
	}
	return nil
}

func dispatchWorkflowInner(tx *kv.Tx, rayID, workflowID uuid.UUID, name string, tags map[string]string, input json.RawMessage) error {
	now := nowMs()
	wf := workflowSub(workflowID)

	if err := tx.Set(wf.Pack(keyspace.Tuple{fieldCreateTs}), encodeTs(now)); err != nil {
		return err
	}
	if err := tx.Set(wf.Pack(keyspace.Tuple{fieldName}), []byte(name)); err != nil {
		return err
	}
	if err := tx.Set(wf.Pack(keyspace.Tuple{fieldRayID}), encodeUUID(rayID)); err != nil {
		return err
	}
	if err := keyspace.WriteChunked(tx, wf.Sub(fieldInput), input); err != nil {
		return err
	}

	if err := writeTagIndexes(tx, workflowID, name, tags); err != nil {
		return err
	}

	// Immediate wake so a worker picks the new workflow up.
	if err := writeWakeRow(tx, name, workflowID, engine.Immediate(), now); err != nil {
		return err
	}
	if err := tx.Set(wf.Pack(keyspace.Tuple{fieldHasWakeCond}), presentValue); err != nil {
		return err
	}

	return incGauge(tx, GaugeWorkflowSleeping, name)
}

// writeTagIndexes writes one index row per tag plus the null index row used
// for tagless lookups. Row values carry the workflow's remaining tags as
// canonical JSON so a scan can finish the superset check without a second
// read.
func writeTagIndexes(tx *kv.Tx, workflowID uuid.UUID, name string, tags map[string]string) error {
	byName := workflowByNameTagSub(name)
	wf := workflowSub(workflowID)

	nullRow := byName.Pack(keyspace.Tuple{nil, nil, workflowID})
	if err := tx.Set(nullRow, engine.CanonicalTags(tags)); err != nil {
		return err
	}

	for k, v := range tags {
		remaining := make(map[string]string, len(tags)-1)
		for k2, v2 := range tags {
			if k2 != k {
				remaining[k2] = v2
			}
		}
		row := byName.Pack(keyspace.Tuple{k, v, workflowID})
		if err := tx.Set(row, engine.CanonicalTags(remaining)); err != nil {
			return err
		}
		// Tag rows under the workflow let completion clear the index.
		if err := tx.Set(wf.Sub(fieldTag).Pack(keyspace.Tuple{k, v}), presentValue); err != nil {
			return err
		}
	}
	return nil
}

func clearTagIndexes(tx *kv.Tx, workflowID uuid.UUID, name string) error {
	wf := workflowSub(workflowID)
	byName := workflowByNameTagSub(name)

	tagSub := wf.Sub(fieldTag)
	begin, end := tagSub.Range()
	tags, err := tx.Range(begin, end, kv.RangeOptions{})
	if err != nil {
		return err
	}
	for _, pair := range tags {
		tup, err := tagSub.Unpack(pair.Key)
		if err != nil {
			return err
		}
		k, _ := tup[0].(string)
		v, _ := tup[1].(string)
		if err := tx.Clear(byName.Pack(keyspace.Tuple{k, v, workflowID})); err != nil {
			return err
		}
		if err := tx.Clear(pair.Key); err != nil {
			return err
		}
	}
	return tx.Clear(byName.Pack(keyspace.Tuple{nil, nil, workflowID}))
}

// writeWakeRow inserts one wake-index row keyed by (ts, workflow, kind) so
// workers scan due wakes in time order.
func writeWakeRow(tx *kv.Tx, name string, workflowID uuid.UUID, cond engine.WakeCondition, ts int64) error {
	sub := wakeWorkflowSub(name)
	switch cond.Kind {
	case engine.WakeImmediate:
		return tx.Set(sub.Pack(keyspace.Tuple{ts, workflowID, string(cond.Kind)}), presentValue)
	case engine.WakeDeadline:
		return tx.Set(sub.Pack(keyspace.Tuple{cond.DeadlineTs, workflowID, string(cond.Kind)}), presentValue)
	case engine.WakeSignal:
		return tx.Set(sub.Pack(keyspace.Tuple{ts, workflowID, string(cond.Kind), cond.SignalID}), presentValue)
	case engine.WakeSubWorkflow:
		return tx.Set(sub.Pack(keyspace.Tuple{ts, workflowID, string(cond.Kind), cond.SubWorkflowID}), presentValue)
	}
	return fmt.Errorf("unknown wake condition kind %q", cond.Kind)
}

// GetWorkflow reads one workflow.
func (d *Database) GetWorkflow(ctx context.Context, workflowID uuid.UUID) (*engine.Workflow, error) {
	wfs, err := d.GetWorkflows(ctx, []uuid.UUID{workflowID})
	if err != nil {
		return nil, err
	}
	if len(wfs) == 0 {
		return nil, engine.ErrWorkflowNotFound
	}
	return wfs[0], nil
}

// GetWorkflows batch-reads workflows. Unknown IDs are omitted from the
// result.
func (d *Database) GetWorkflows(ctx context.Context, workflowIDs []uuid.UUID) ([]*engine.Workflow, error) {
	var out []*engine.Workflow
	err := d.store.View(ctx, func(tx *kv.Tx) error {
		out = out[:0]
		for _, id := range workflowIDs {
			wf, err := readWorkflow(tx, id)
			if err != nil {
				return err
			}
			if wf != nil {
				out = append(out, wf)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func readWorkflow(tx *kv.Tx, workflowID uuid.UUID) (*engine.Workflow, error) {
	wf := workflowSub(workflowID)

	nameRaw, err := tx.Get(wf.Pack(keyspace.Tuple{fieldName}))
	if err != nil {
		return nil, err
	}
	if nameRaw == nil {
		return nil, nil
	}

	out := &engine.Workflow{ID: workflowID, Name: string(nameRaw)}

	if v, err := tx.Get(wf.Pack(keyspace.Tuple{fieldCreateTs})); err != nil {
		return nil, err
	} else {
		out.CreateTs = decodeTs(v)
	}
	if v, err := tx.Get(wf.Pack(keyspace.Tuple{fieldRayID})); err != nil {
		return nil, err
	} else if v != nil {
		if out.RayID, err = decodeUUID(v); err != nil {
			return nil, err
		}
	}
	if out.Input, err = keyspace.ReadChunked(tx, wf.Sub(fieldInput)); err != nil {
		return nil, err
	}
	if out.State, err = keyspace.ReadChunked(tx, wf.Sub(fieldState)); err != nil {
		return nil, err
	}
	if out.Output, err = keyspace.ReadChunked(tx, wf.Sub(fieldOutput)); err != nil {
		return nil, err
	}
	if v, err := tx.Get(wf.Pack(keyspace.Tuple{fieldError})); err != nil {
		return nil, err
	} else if v != nil {
		out.Error = string(v)
	}
	if v, err := tx.Get(wf.Pack(keyspace.Tuple{fieldSilenceTs})); err != nil {
		return nil, err
	} else if v != nil {
		out.SilenceTs = decodeTs(v)
	}
	if v, err := tx.Get(wf.Pack(keyspace.Tuple{fieldHasWakeCond})); err != nil {
		return nil, err
	} else {
		out.HasWakeCondition = v != nil
	}

	tagSub := wf.Sub(fieldTag)
	begin, end := tagSub.Range()
	err = tx.ForEachRange(begin, end, kv.RangeOptions{}, func(k, v []byte) error {
		tup, err := tagSub.Unpack(k)
		if err != nil {
			return err
		}
		if out.Tags == nil {
			out.Tags = map[string]string{}
		}
		key, _ := tup[0].(string)
		val, _ := tup[1].(string)
		out.Tags[key] = val
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindWorkflow returns the lowest-ID workflow of the given name whose tags
// are a superset of tags, if any.
func (d *Database) FindWorkflow(ctx context.Context, name string, tags map[string]string) (uuid.UUID, bool, error) {
	if err := validateTags(tags); err != nil {
		return uuid.Nil, false, err
	}

	var id uuid.UUID
	var found bool
	err := d.store.View(ctx, func(tx *kv.Tx) error {
		var err error
		id, found, err = findWorkflowInner(tx, name, tags)
		return err
	})
	return id, found, err
}

// findWorkflowInner scans the tag index. The first tag pair chooses the
// subspace; the remaining tags filter rows by their stored remainder.
func findWorkflowInner(tx *kv.Tx, name string, tags map[string]string) (uuid.UUID, bool, error) {
	byName := workflowByNameTagSub(name)

	var sub keyspace.Subspace
	remaining := map[string]string{}
	if len(tags) == 0 {
		sub = byName.Sub(nil, nil)
	} else {
		// Iterate once to pick an arbitrary-but-filterable first pair;
		// canonical JSON in row values makes the remainder check exact.
		var firstKey string
		for k := range tags {
			if firstKey == "" || k < firstKey {
				firstKey = k
			}
		}
		sub = byName.Sub(firstKey, tags[firstKey])
		for k, v := range tags {
			if k != firstKey {
				remaining[k] = v
			}
		}
	}

	var foundID uuid.UUID
	found := false
	begin, end := sub.Range()
	err := tx.ForEachRange(begin, end, kv.RangeOptions{}, func(k, v []byte) error {
		tup, err := sub.Unpack(k)
		if err != nil {
			return err
		}
		rowID, ok := tup[0].(uuid.UUID)
		if !ok {
			return fmt.Errorf("%w: tag index row key", engine.ErrDeserializeEventData)
		}

		var rowTags map[string]string
		if err := json.Unmarshal(v, &rowTags); err != nil {
			return fmt.Errorf("%w: tag index row value: %v", engine.ErrDeserializeEventData, err)
		}
		for k2, v2 := range remaining {
			if rowTags[k2] != v2 {
				return nil
			}
		}

		// Rows scan in ID order within the subspace, so track the lowest
		// matching ID across the scan.
		if !found || rowID.String() < foundID.String() {
			foundID = rowID
			found = true
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, false, err
	}
	return foundID, found, nil
}

// UpdateWorkflowTags replaces a workflow's tag index rows.
func (d *Database) UpdateWorkflowTags(ctx context.Context, workflowID uuid.UUID, name string, tags map[string]string) error {
	if err := validateTags(tags); err != nil {
		return err
	}
	return d.store.Update(ctx, func(tx *kv.Tx) error {
		exists, err := tx.Get(workflowSub(workflowID).Pack(keyspace.Tuple{fieldName}))
		if err != nil {
			return err
		}
		if exists == nil {
			return engine.ErrWorkflowNotFound
		}
		if err := clearTagIndexes(tx, workflowID, name); err != nil {
			return err
		}
		return writeTagIndexes(tx, workflowID, name, tags)
	})
}

// UpdateWorkflowState writes the workflow's opaque state blob.
func (d *Database) UpdateWorkflowState(ctx context.Context, workflowID uuid.UUID, state json.RawMessage) error {
	return d.store.Update(ctx, func(tx *kv.Tx) error {
		return keyspace.WriteChunked(tx, workflowSub(workflowID).Sub(fieldState), state)
	})
}
