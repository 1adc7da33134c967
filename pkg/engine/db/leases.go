package db

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/burrowops/burrow/pkg/engine"
	"github.com/burrowops/burrow/pkg/keyspace"
	"github.com/burrowops/burrow/pkg/kv"
)

// UpdateWorkerPing heartbeats a worker instance. Leases owned by instances
// whose ping goes stale are reclaimed by ClearExpiredLeases.
func (d *Database) UpdateWorkerPing(ctx context.Context, workerInstanceID uuid.UUID) error {
	return d.store.Update(ctx, func(tx *kv.Tx) error {
		key := workerInstanceSub(workerInstanceID).Pack(keyspace.Tuple{"last_ping_ts"})
		return tx.Set(key, encodeTs(nowMs()))
	})
}

// ClearExpiredLeases scans every lease and reclaims those whose owning
// worker instance has not pinged within the lost threshold. Reclaimed
// workflows get an immediate wake condition so a live worker resumes them.
func (d *Database) ClearExpiredLeases(ctx context.Context) error {
	reclaimed := 0
	err := d.store.Update(ctx, func(tx *kv.Tx) error {
		reclaimed = 0
		now := nowMs()
		begin, end := leaseRange()

		leases, err := tx.Range(begin, end, kv.RangeOptions{})
		if err != nil {
			return err
		}

		for _, pair := range leases {
			var rec leaseRecord
			if err := json.Unmarshal(pair.Value, &rec); err != nil {
				return err
			}

			pingKey := workerInstanceSub(rec.WorkerInstanceID).Pack(keyspace.Tuple{"last_ping_ts"})
			pingRaw, err := tx.Get(pingKey)
			if err != nil {
				return err
			}
			lastPing := decodeTs(pingRaw)
			if now-lastPing < WorkerLostThreshold.Milliseconds() {
				continue
			}

			// The lease row itself is part of the decision; declare it so
			// a concurrent release conflicts rather than being overwritten.
			tx.AddReadConflict(pair.Key)

			workflowID, err := leaseWorkflowID(pair.Key)
			if err != nil {
				return err
			}

			if err := releaseLease(tx, workflowID); err != nil {
				return err
			}
			if err := writeWakeRow(tx, rec.WorkflowName, workflowID, engine.Immediate(), now); err != nil {
				return err
			}
			if err := tx.Set(workflowSub(workflowID).Pack(keyspace.Tuple{fieldHasWakeCond}), presentValue); err != nil {
				return err
			}
			if err := moveGauge(tx, GaugeWorkflowActive, GaugeWorkflowSleeping, rec.WorkflowName); err != nil {
				return err
			}
			reclaimed++
		}
		return nil
	})
	if err != nil {
		return err
	}

	if reclaimed > 0 {
		d.logger.Info().Int("count", reclaimed).Msg("reclaimed expired leases")
		d.WakeWorker()
	}
	return nil
}

func leaseWorkflowID(key []byte) (uuid.UUID, error) {
	sub := root.Sub("lease")
	tup, err := sub.Unpack(key)
	if err != nil {
		return uuid.Nil, err
	}
	id, ok := tup[0].(uuid.UUID)
	if !ok {
		return uuid.Nil, engine.ErrDeserializeEventData
	}
	return id, nil
}

type metricsLock struct {
	WorkerInstanceID uuid.UUID `json:"worker_instance_id"`
	ExpiresTs        int64     `json:"expires_ts"`
}

// GaugeValue is one published gauge sample.
type GaugeValue struct {
	Metric string
	Labels []string
	Value  int64
}

// PublishMetrics elects a single publisher via a compare-and-set lock with
// a TTL, then emits every gauge cell. Non-elected instances return without
// emitting.
func (d *Database) PublishMetrics(ctx context.Context, workerInstanceID uuid.UUID, emit func(GaugeValue)) error {
	var samples []GaugeValue
	elected := false

	err := d.store.Update(ctx, func(tx *kv.Tx) error {
		samples = samples[:0]
		elected = false
		now := nowMs()

		lockRaw, err := tx.Get(metricsLockKey())
		if err != nil {
			return err
		}
		if lockRaw != nil {
			var lock metricsLock
			if err := json.Unmarshal(lockRaw, &lock); err != nil {
				return err
			}
			if lock.ExpiresTs > now && lock.WorkerInstanceID != workerInstanceID {
				return nil
			}
		}

		newLock, err := json.Marshal(metricsLock{
			WorkerInstanceID: workerInstanceID,
			ExpiresTs:        now + metricsLockTTL.Milliseconds(),
		})
		if err != nil {
			return err
		}
		if err := tx.Set(metricsLockKey(), newLock); err != nil {
			return err
		}
		elected = true

		sub := gaugeSub()
		begin, end := sub.Range()
		return tx.ForEachRange(begin, end, kv.RangeOptions{}, func(k, v []byte) error {
			tup, err := sub.Unpack(k)
			if err != nil {
				return err
			}
			if len(tup) == 0 {
				return engine.ErrDeserializeEventData
			}
			metric, _ := tup[0].(string)
			labels := make([]string, 0, len(tup)-1)
			for _, elem := range tup[1:] {
				s, _ := elem.(string)
				labels = append(labels, s)
			}
			samples = append(samples, GaugeValue{
				Metric: metric,
				Labels: labels,
				Value:  decodeTs(v),
			})
			return nil
		})
	})
	if err != nil {
		return err
	}

	if elected {
		for _, s := range samples {
			emit(s)
		}
	}
	return nil
}
