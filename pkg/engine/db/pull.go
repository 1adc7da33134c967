package db

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/burrowops/burrow/pkg/engine"
	"github.com/burrowops/burrow/pkg/keyspace"
	"github.com/burrowops/burrow/pkg/kv"
)

type leaseRecord struct {
	WorkflowName     string    `json:"workflow_name"`
	WorkerInstanceID uuid.UUID `json:"worker_instance_id"`
}

// PullWorkflows leases due workflows for the worker instance and loads
// their replay context. Runs as two transactions: one to claim leases from
// the wake indexes, one to load inputs and history for the claimed set.
func (d *Database) PullWorkflows(ctx context.Context, workerInstanceID uuid.UUID, names []string) ([]engine.WorkflowData, error) {
	claimed, err := d.claimDueWorkflows(ctx, workerInstanceID, names)
	if err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return nil, nil
	}
	return d.loadClaimedWorkflows(ctx, claimed)
}

type claimedWorkflow struct {
	id             uuid.UUID
	name           string
	wakeDeadlineTs int64
}

type dueWake struct {
	name       string
	earliestTs int64
	rows       [][]byte
}

func (d *Database) claimDueWorkflows(ctx context.Context, workerInstanceID uuid.UUID, names []string) ([]claimedWorkflow, error) {
	var claimed []claimedWorkflow

	err := d.store.Update(ctx, func(tx *kv.Tx) error {
		claimed = claimed[:0]
		cutoff := nowMs() + d.pollInterval.Milliseconds()

		// Scan each registered name's wake index up to the cutoff and
		// deduplicate by workflow ID, keeping the earliest deadline.
		due := map[uuid.UUID]*dueWake{}
		var order []uuid.UUID
		for _, name := range names {
			sub := wakeWorkflowSub(name)
			begin, _ := sub.Range()
			end := sub.Pack(keyspace.Tuple{cutoff + 1})

			err := tx.ForEachRange(begin, end, kv.RangeOptions{}, func(k, v []byte) error {
				tup, err := sub.Unpack(k)
				if err != nil {
					return err
				}
				ts, _ := tup[0].(int64)
				id, ok := tup[1].(uuid.UUID)
				if !ok {
					return engine.ErrDeserializeEventData
				}

				entry := due[id]
				if entry == nil {
					entry = &dueWake{name: name, earliestTs: ts}
					due[id] = entry
					order = append(order, id)
				} else if ts < entry.earliestTs {
					entry.earliestTs = ts
				}
				kc := make([]byte, len(k))
				copy(kc, k)
				entry.rows = append(entry.rows, kc)
				return nil
			})
			if err != nil {
				return err
			}
		}

		for _, id := range order {
			entry := due[id]

			// A held lease means another worker is already executing this
			// workflow; leave its wake rows for a later pull.
			existing, err := tx.Get(leaseKey(id))
			if err != nil {
				return err
			}
			if existing != nil {
				continue
			}

			lease, err := json.Marshal(leaseRecord{
				WorkflowName:     entry.name,
				WorkerInstanceID: workerInstanceID,
			})
			if err != nil {
				return err
			}
			if err := tx.Set(leaseKey(id), lease); err != nil {
				return err
			}

			wf := workflowSub(id)
			if err := tx.Set(wf.Pack(keyspace.Tuple{fieldWorkerInstance}), encodeUUID(workerInstanceID)); err != nil {
				return err
			}

			// Consume the wake rows that matched this pull.
			for _, row := range entry.rows {
				if err := tx.Clear(row); err != nil {
					return err
				}
			}

			// Clear signal and sub-workflow wake indexes; the operator
			// will re-establish them if it sleeps on them again.
			wsBegin, wsEnd := wf.Sub(fieldWakeSignal).Range()
			if err := tx.ClearRange(wsBegin, wsEnd); err != nil {
				return err
			}
			if v, err := tx.Get(wf.Pack(keyspace.Tuple{fieldWakeSubWf})); err != nil {
				return err
			} else if v != nil {
				childID, err := decodeUUID(v)
				if err != nil {
					return err
				}
				if err := tx.Clear(wakeSubWorkflowSub(childID).Pack(keyspace.Tuple{id})); err != nil {
					return err
				}
				if err := tx.Clear(wf.Pack(keyspace.Tuple{fieldWakeSubWf})); err != nil {
					return err
				}
			}

			if err := moveGauge(tx, GaugeWorkflowSleeping, GaugeWorkflowActive, entry.name); err != nil {
				return err
			}

			claimed = append(claimed, claimedWorkflow{
				id:             id,
				name:           entry.name,
				wakeDeadlineTs: entry.earliestTs,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (d *Database) loadClaimedWorkflows(ctx context.Context, claimed []claimedWorkflow) ([]engine.WorkflowData, error) {
	var out []engine.WorkflowData
	err := d.store.View(ctx, func(tx *kv.Tx) error {
		out = out[:0]
		for _, c := range claimed {
			wf := workflowSub(c.id)
			data := engine.WorkflowData{
				ID:             c.id,
				Name:           c.name,
				WakeDeadlineTs: c.wakeDeadlineTs,
			}

			if v, err := tx.Get(wf.Pack(keyspace.Tuple{fieldCreateTs})); err != nil {
				return err
			} else {
				data.CreateTs = decodeTs(v)
			}
			if v, err := tx.Get(wf.Pack(keyspace.Tuple{fieldRayID})); err != nil {
				return err
			} else if v != nil {
				var err error
				if data.RayID, err = decodeUUID(v); err != nil {
					return err
				}
			}
			var err error
			if data.Input, err = keyspace.ReadChunked(tx, wf.Sub(fieldInput)); err != nil {
				return err
			}
			if data.State, err = keyspace.ReadChunked(tx, wf.Sub(fieldState)); err != nil {
				return err
			}
			if data.History, err = readActiveHistory(tx, c.id); err != nil {
				return err
			}
			out = append(out, data)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
