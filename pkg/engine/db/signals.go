package db

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/burrowops/burrow/pkg/engine"
	"github.com/burrowops/burrow/pkg/keyspace"
	"github.com/burrowops/burrow/pkg/kv"
)

// PublishSignal delivers a signal to a workflow. The signal body is stored
// durably and a pending row is written under the recipient; if the
// recipient is currently sleeping on this signal name, an immediate wake
// condition is inserted in the same transaction.
func (d *Database) PublishSignal(ctx context.Context, rayID, workflowID, signalID uuid.UUID, name string, body json.RawMessage) error {
	if workflowID == uuid.Nil {
		return engine.ErrTaggedSignalsDisabled
	}

	err := d.store.Update(ctx, func(tx *kv.Tx) error {
		return publishSignalInner(tx, rayID, workflowID, signalID, name, body)
	})
	if err != nil {
		return err
	}

	d.WakeWorker()
	return nil
}

func publishSignalInner(tx *kv.Tx, rayID, workflowID, signalID uuid.UUID, name string, body json.RawMessage) error {
	wf := workflowSub(workflowID)

	wfName, err := tx.Get(wf.Pack(keyspace.Tuple{fieldName}))
	if err != nil {
		return err
	}
	if wfName == nil {
		return engine.ErrWorkflowNotFound
	}

	now := nowMs()
	sig := signalSub(signalID)

	if err := tx.Set(sig.Pack(keyspace.Tuple{fieldName}), []byte(name)); err != nil {
		return err
	}
	if err := tx.Set(sig.Pack(keyspace.Tuple{fieldCreateTs}), encodeTs(now)); err != nil {
		return err
	}
	if err := tx.Set(sig.Pack(keyspace.Tuple{fieldRayID}), encodeUUID(rayID)); err != nil {
		return err
	}
	if err := tx.Set(sig.Pack(keyspace.Tuple{fieldWorkflowID}), encodeUUID(workflowID)); err != nil {
		return err
	}
	if err := keyspace.WriteChunked(tx, sig.Sub(fieldBody), body); err != nil {
		return err
	}

	pending := wf.Sub(fieldPendingSignal, name).Pack(keyspace.Tuple{now, signalID})
	if err := tx.Set(pending, presentValue); err != nil {
		return err
	}

	// A wake-signal index row means the recipient went to sleep waiting
	// for this name; insert the wake condition that pulls it back in.
	waiting, err := tx.Get(wf.Sub(fieldWakeSignal).Pack(keyspace.Tuple{name}))
	if err != nil {
		return err
	}
	if waiting != nil {
		if err := writeWakeRow(tx, string(wfName), workflowID, engine.SignalWake(signalID), now); err != nil {
			return err
		}
		if err := tx.Set(wf.Pack(keyspace.Tuple{fieldHasWakeCond}), presentValue); err != nil {
			return err
		}
	}

	return incGauge(tx, GaugeSignalPending, name)
}

// PullNextSignal consumes the oldest pending signal among the filtered
// names and records it as a history event at location. When no signal is
// pending and lastTry is set, wake-signal index rows are written for every
// filter name so the workflow wakes when one arrives; the check and the
// index write share a transaction, so no signal can slip between them.
func (d *Database) PullNextSignal(ctx context.Context, workflowID uuid.UUID, filter []string, loc engine.Location, version int64, lastTry bool) (*engine.Signal, error) {
	var out *engine.Signal
	err := d.store.Update(ctx, func(tx *kv.Tx) error {
		out = nil
		wf := workflowSub(workflowID)

		// Oldest pending signal across all filtered name subspaces.
		var oldest *engine.Signal
		var oldestKey []byte
		for _, name := range filter {
			sub := wf.Sub(fieldPendingSignal, name)
			begin, end := sub.Range()
			err := tx.ForEachRange(begin, end, kv.RangeOptions{Limit: 1}, func(k, v []byte) error {
				tup, err := sub.Unpack(k)
				if err != nil {
					return err
				}
				ts, _ := tup[0].(int64)
				signalID, ok := tup[1].(uuid.UUID)
				if !ok {
					return engine.ErrDeserializeEventData
				}
				if oldest == nil || ts < oldest.CreateTs {
					oldest = &engine.Signal{
						ID:         signalID,
						Name:       name,
						WorkflowID: workflowID,
						CreateTs:   ts,
					}
					oldestKey = make([]byte, len(k))
					copy(oldestKey, k)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}

		if oldest == nil {
			if lastTry {
				for _, name := range filter {
					if err := tx.Set(wf.Sub(fieldWakeSignal).Pack(keyspace.Tuple{name}), presentValue); err != nil {
						return err
					}
				}
			}
			return nil
		}

		now := nowMs()
		sig := signalSub(oldest.ID)
		if err := tx.Set(sig.Pack(keyspace.Tuple{fieldAckTs}), encodeTs(now)); err != nil {
			return err
		}
		if err := tx.Clear(oldestKey); err != nil {
			return err
		}

		body, err := keyspace.ReadChunked(tx, sig.Sub(fieldBody))
		if err != nil {
			return err
		}
		oldest.Body = body
		oldest.AckTs = now

		if v, err := tx.Get(sig.Pack(keyspace.Tuple{fieldRayID})); err != nil {
			return err
		} else if v != nil {
			if oldest.RayID, err = decodeUUID(v); err != nil {
				return err
			}
		}

		ev := engine.Event{
			Location: loc,
			Version:  version,
			Kind:     engine.EventSignal,
			CreateTs: now,
			Name:     oldest.Name,
			SignalID: oldest.ID,
			Output:   body,
		}
		if err := writeEvent(tx, workflowID, &ev); err != nil {
			return err
		}

		if err := decGauge(tx, GaugeSignalPending, oldest.Name); err != nil {
			return err
		}

		out = oldest
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
