package db

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/burrowops/burrow/pkg/engine"
	"github.com/burrowops/burrow/pkg/keyspace"
	"github.com/burrowops/burrow/pkg/kv"
)

// CommitOptions describes the wake conditions a workflow sleeps on after an
// execution turn ends without completing.
type CommitOptions struct {
	WakeImmediate     bool
	WakeDeadlineTs    int64
	WakeSignals       []string
	WakeSubWorkflowID uuid.UUID
	Error             string
}

// CommitWorkflow records a workflow's new wake conditions, releases its
// lease, and updates the lifecycle gauges. After the transaction commits a
// wake notification is always published: a concurrent writer may have
// inserted a wake condition while the operator ran, and without the
// notification the workflow could sleep despite being runnable.
func (d *Database) CommitWorkflow(ctx context.Context, workflowID uuid.UUID, name string, opts CommitOptions) error {
	err := d.store.Update(ctx, func(tx *kv.Tx) error {
		wf := workflowSub(workflowID)
		now := nowMs()

		// Replace any previously-recorded deadline wake.
		if v, err := tx.Get(wf.Pack(keyspace.Tuple{fieldWakeDeadline})); err != nil {
			return err
		} else if v != nil {
			old := decodeTs(v)
			if err := tx.Clear(wakeWorkflowSub(name).Pack(keyspace.Tuple{old, workflowID, string(engine.WakeDeadline)})); err != nil {
				return err
			}
			if err := tx.Clear(wf.Pack(keyspace.Tuple{fieldWakeDeadline})); err != nil {
				return err
			}
		}

		hasWake := false

		if opts.WakeImmediate {
			if err := writeWakeRow(tx, name, workflowID, engine.Immediate(), now); err != nil {
				return err
			}
			hasWake = true
		}
		if opts.WakeDeadlineTs > 0 {
			if err := writeWakeRow(tx, name, workflowID, engine.DeadlineWake(opts.WakeDeadlineTs), now); err != nil {
				return err
			}
			if err := tx.Set(wf.Pack(keyspace.Tuple{fieldWakeDeadline}), encodeTs(opts.WakeDeadlineTs)); err != nil {
				return err
			}
			hasWake = true
		}
		for _, signalName := range opts.WakeSignals {
			if err := tx.Set(wf.Sub(fieldWakeSignal).Pack(keyspace.Tuple{signalName}), presentValue); err != nil {
				return err
			}
			hasWake = true
		}
		if opts.WakeSubWorkflowID != uuid.Nil {
			if err := tx.Set(wf.Pack(keyspace.Tuple{fieldWakeSubWf}), encodeUUID(opts.WakeSubWorkflowID)); err != nil {
				return err
			}
			if err := tx.Set(wakeSubWorkflowSub(opts.WakeSubWorkflowID).Pack(keyspace.Tuple{workflowID}), []byte(name)); err != nil {
				return err
			}
			hasWake = true
		}

		if hasWake {
			if err := tx.Set(wf.Pack(keyspace.Tuple{fieldHasWakeCond}), presentValue); err != nil {
				return err
			}
		} else {
			if err := tx.Clear(wf.Pack(keyspace.Tuple{fieldHasWakeCond})); err != nil {
				return err
			}
		}

		if opts.Error != "" {
			if err := tx.Set(wf.Pack(keyspace.Tuple{fieldError}), []byte(opts.Error)); err != nil {
				return err
			}
		}

		if err := releaseLease(tx, workflowID); err != nil {
			return err
		}

		if hasWake {
			return moveGauge(tx, GaugeWorkflowActive, GaugeWorkflowSleeping, name)
		}
		if err := decGauge(tx, GaugeWorkflowActive, name); err != nil {
			return err
		}
		return incGauge(tx, GaugeWorkflowDead, name, opts.Error)
	})
	if err != nil {
		return err
	}

	d.WakeWorker()
	return nil
}

// CompleteWorkflow writes the workflow's output, wakes any parents waiting
// on it, clears its indexes, and releases the lease.
func (d *Database) CompleteWorkflow(ctx context.Context, workflowID uuid.UUID, name string, output json.RawMessage) error {
	err := d.store.Update(ctx, func(tx *kv.Tx) error {
		wf := workflowSub(workflowID)
		now := nowMs()

		// Wake every parent waiting on this workflow's completion.
		waiters := wakeSubWorkflowSub(workflowID)
		begin, end := waiters.Range()
		rows, err := tx.Range(begin, end, kv.RangeOptions{})
		if err != nil {
			return err
		}
		for _, pair := range rows {
			tup, err := waiters.Unpack(pair.Key)
			if err != nil {
				return err
			}
			parentID, ok := tup[0].(uuid.UUID)
			if !ok {
				return engine.ErrDeserializeEventData
			}
			parentName := string(pair.Value)
			if err := writeWakeRow(tx, parentName, parentID, engine.SubWorkflowWake(workflowID), now); err != nil {
				return err
			}
			if err := tx.Clear(pair.Key); err != nil {
				return err
			}
		}

		if err := clearTagIndexes(tx, workflowID, name); err != nil {
			return err
		}

		if v, err := tx.Get(wf.Pack(keyspace.Tuple{fieldWakeDeadline})); err != nil {
			return err
		} else if v != nil {
			old := decodeTs(v)
			if err := tx.Clear(wakeWorkflowSub(name).Pack(keyspace.Tuple{old, workflowID, string(engine.WakeDeadline)})); err != nil {
				return err
			}
			if err := tx.Clear(wf.Pack(keyspace.Tuple{fieldWakeDeadline})); err != nil {
				return err
			}
		}

		if err := tx.Clear(wf.Pack(keyspace.Tuple{fieldHasWakeCond})); err != nil {
			return err
		}

		if err := keyspace.WriteChunked(tx, wf.Sub(fieldOutput), output); err != nil {
			return err
		}

		if err := releaseLease(tx, workflowID); err != nil {
			return err
		}

		if err := decGauge(tx, GaugeWorkflowActive, name); err != nil {
			return err
		}
		return incGauge(tx, GaugeWorkflowComplete, name)
	})
	if err != nil {
		return err
	}

	d.WakeWorker()
	return nil
}

func releaseLease(tx *kv.Tx, workflowID uuid.UUID) error {
	if err := tx.Clear(leaseKey(workflowID)); err != nil {
		return err
	}
	return tx.Clear(workflowSub(workflowID).Pack(keyspace.Tuple{fieldWorkerInstance}))
}
