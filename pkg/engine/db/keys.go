package db

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/burrowops/burrow/pkg/engine"
	"github.com/burrowops/burrow/pkg/keyspace"
)

// Key schema. Every logical key is a typed tuple under the engine root:
//
//	workflow/{id}/{field...}
//	workflow_by_name_tag/{name}/{k}/{v}/{id}
//	signal/{id}/{field...}
//	wake/workflow/{name}/{ts}/{workflow_id}/{kind}[/aux]
//	wake/sub_workflow/{child_id}/{parent_id}
//	history/{workflow_id}/{active|forgotten}/{location}/{field}
//	lease/{workflow_id}
//	worker_instance/{id}/last_ping_ts
//	worker_instance/metrics_lock
//	metric/gauge/{metric}/{labels...}
var root = keyspace.NewSubspace("burrow", "engine")

// Workflow field names.
const (
	fieldCreateTs       = "create_ts"
	fieldName           = "name"
	fieldRayID          = "ray_id"
	fieldInput          = "input"
	fieldState          = "state"
	fieldOutput         = "output"
	fieldError          = "error"
	fieldSilenceTs      = "silence_ts"
	fieldHasWakeCond    = "has_wake_condition"
	fieldWakeDeadline   = "wake_deadline"
	fieldWorkerInstance = "worker_instance"
	fieldTag            = "tag"
	fieldPendingSignal  = "pending_signal"
	fieldWakeSignal     = "wake_signal"
	fieldWakeSubWf      = "wake_sub_workflow"
)

// Signal field names.
const (
	fieldWorkflowID = "workflow_id"
	fieldAckTs      = "ack_ts"
	fieldBody       = "body"
)

// History field names.
const (
	histActive    = "active"
	histForgotten = "forgotten"

	fieldKind       = "kind"
	fieldVersion    = "version"
	fieldInputHash  = "input_hash"
	fieldEventError = "event_error"
	fieldSignalID   = "signal_id"
	fieldSubWfID    = "sub_workflow_id"
	fieldIteration  = "iteration"
	fieldDeadlineTs = "deadline_ts"
	fieldSleepState = "sleep_state"
)

func workflowSub(id uuid.UUID) keyspace.Subspace {
	return root.Sub("workflow", id)
}

func workflowByNameTagSub(name string) keyspace.Subspace {
	return root.Sub("workflow_by_name_tag", name)
}

func signalSub(id uuid.UUID) keyspace.Subspace {
	return root.Sub("signal", id)
}

func wakeWorkflowSub(name string) keyspace.Subspace {
	return root.Sub("wake", "workflow", name)
}

func wakeSubWorkflowSub(childID uuid.UUID) keyspace.Subspace {
	return root.Sub("wake", "sub_workflow", childID)
}

func historySub(workflowID uuid.UUID, kind string) keyspace.Subspace {
	return root.Sub("history", workflowID, kind)
}

func leaseKey(workflowID uuid.UUID) []byte {
	return root.Sub("lease").Pack(keyspace.Tuple{workflowID})
}

func leaseRange() ([]byte, []byte) {
	return root.Sub("lease").Range()
}

func workerInstanceSub(id uuid.UUID) keyspace.Subspace {
	return root.Sub("worker_instance", id)
}

func metricsLockKey() []byte {
	return root.Sub("worker_instance").Pack(keyspace.Tuple{"metrics_lock"})
}

func gaugeSub() keyspace.Subspace {
	return root.Sub("metric", "gauge")
}

// locationKey packs a location as a single byte-string tuple element so
// history keys group and order by location.
func locationKey(loc engine.Location) []byte {
	return keyspace.Pack(keyspace.Tuple(loc.Tuple()))
}

func unpackLocation(raw []byte) (engine.Location, error) {
	tup, err := keyspace.Unpack(raw)
	if err != nil {
		return nil, err
	}
	loc := make(engine.Location, 0, len(tup))
	for _, elem := range tup {
		coord, ok := elem.(int64)
		if !ok {
			return nil, engine.ErrIntegerConversion
		}
		loc = append(loc, coord)
	}
	return loc, nil
}

// Value codecs. Timestamps and counters are 8-byte little-endian to match
// the store's atomic add cells; IDs are raw 16 bytes; strings are raw.

func encodeTs(ts int64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(ts))
	return buf[:]
}

func decodeTs(v []byte) int64 {
	if len(v) < 8 {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(v))
}

func encodeUint64(n uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	return buf[:]
}

func decodeUint64(v []byte) uint64 {
	if len(v) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(v)
}

func encodeUUID(id uuid.UUID) []byte {
	out := make([]byte, 16)
	copy(out, id[:])
	return out
}

func decodeUUID(v []byte) (uuid.UUID, error) {
	var id uuid.UUID
	if len(v) != 16 {
		return id, engine.ErrDeserializeEventData
	}
	copy(id[:], v)
	return id, nil
}

var presentValue = []byte{0x01}
