package db

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"

	"github.com/burrowops/burrow/pkg/engine"
	"github.com/burrowops/burrow/pkg/keyspace"
	"github.com/burrowops/burrow/pkg/kv"
)

// writeEvent appends ev's field rows under the active history subspace.
// Large output and state bodies are chunked under their field.
func writeEvent(tx *kv.Tx, workflowID uuid.UUID, ev *engine.Event) error {
	sub := historySub(workflowID, histActive)
	locKey := locationKey(ev.Location)

	set := func(field string, value []byte) error {
		return tx.Set(sub.Pack(keyspace.Tuple{locKey, field}), value)
	}

	if err := set(fieldKind, []byte(ev.Kind)); err != nil {
		return err
	}
	if err := set(fieldVersion, encodeTs(ev.Version)); err != nil {
		return err
	}
	if err := set(fieldCreateTs, encodeTs(ev.CreateTs)); err != nil {
		return err
	}

	if ev.Name != "" {
		if err := set(fieldName, []byte(ev.Name)); err != nil {
			return err
		}
	}
	if ev.InputHash != 0 {
		if err := set(fieldInputHash, encodeUint64(ev.InputHash)); err != nil {
			return err
		}
	}
	if ev.Output != nil {
		if err := keyspace.WriteChunked(tx, sub.Sub(locKey, fieldOutput), ev.Output); err != nil {
			return err
		}
	}
	if ev.State != nil {
		if err := keyspace.WriteChunked(tx, sub.Sub(locKey, fieldState), ev.State); err != nil {
			return err
		}
	}
	if ev.SignalID != uuid.Nil {
		if err := set(fieldSignalID, encodeUUID(ev.SignalID)); err != nil {
			return err
		}
	}
	if ev.SubWorkflowID != uuid.Nil {
		if err := set(fieldSubWfID, encodeUUID(ev.SubWorkflowID)); err != nil {
			return err
		}
	}
	if ev.Kind == engine.EventLoop {
		if err := set(fieldIteration, encodeTs(ev.Iteration)); err != nil {
			return err
		}
	}
	if ev.DeadlineTs != 0 {
		if err := set(fieldDeadlineTs, encodeTs(ev.DeadlineTs)); err != nil {
			return err
		}
	}
	if ev.SleepState != "" {
		if err := set(fieldSleepState, []byte(ev.SleepState)); err != nil {
			return err
		}
	}
	for i, msg := range ev.Errors {
		key := sub.Pack(keyspace.Tuple{locKey, fieldEventError, int64(i)})
		if err := tx.Set(key, []byte(msg)); err != nil {
			return err
		}
	}
	return nil
}

// appendEventError records one more failed attempt at location without
// replacing the event.
func appendEventError(tx *kv.Tx, workflowID uuid.UUID, loc engine.Location, msg string) error {
	sub := historySub(workflowID, histActive)
	locKey := locationKey(loc)

	errSub := sub.Sub(locKey, fieldEventError)
	begin, end := errSub.Range()
	next := int64(0)
	err := tx.ForEachRange(begin, end, kv.RangeOptions{Limit: 1, Reverse: true}, func(k, v []byte) error {
		tup, err := errSub.Unpack(k)
		if err != nil {
			return err
		}
		if idx, ok := tup[0].(int64); ok {
			next = idx + 1
		}
		return nil
	})
	if err != nil {
		return err
	}
	return tx.Set(errSub.Pack(keyspace.Tuple{next}), []byte(msg))
}

// eventBuilder accumulates the sibling field rows of one location.
type eventBuilder struct {
	loc     engine.Location
	ev      engine.Event
	outputs [][]byte
	states  [][]byte
}

func newEventBuilder(loc engine.Location) *eventBuilder {
	return &eventBuilder{loc: loc, ev: engine.Event{Location: loc}}
}

func (b *eventBuilder) apply(tup keyspace.Tuple, value []byte) error {
	field, ok := tup[0].(string)
	if !ok {
		return fmt.Errorf("%w: non-string event field", engine.ErrDeserializeEventData)
	}

	switch field {
	case fieldKind:
		b.ev.Kind = engine.EventKind(value)
	case fieldVersion:
		b.ev.Version = decodeTs(value)
	case fieldCreateTs:
		b.ev.CreateTs = decodeTs(value)
	case fieldName:
		b.ev.Name = string(value)
	case fieldInputHash:
		b.ev.InputHash = decodeUint64(value)
	case fieldOutput:
		chunk := make([]byte, len(value))
		copy(chunk, value)
		b.outputs = append(b.outputs, chunk)
	case fieldState:
		chunk := make([]byte, len(value))
		copy(chunk, value)
		b.states = append(b.states, chunk)
	case fieldSignalID:
		id, err := decodeUUID(value)
		if err != nil {
			return err
		}
		b.ev.SignalID = id
	case fieldSubWfID:
		id, err := decodeUUID(value)
		if err != nil {
			return err
		}
		b.ev.SubWorkflowID = id
	case fieldIteration:
		b.ev.Iteration = decodeTs(value)
	case fieldDeadlineTs:
		b.ev.DeadlineTs = decodeTs(value)
	case fieldSleepState:
		b.ev.SleepState = engine.SleepState(value)
	case fieldEventError:
		b.ev.Errors = append(b.ev.Errors, string(value))
	default:
		return fmt.Errorf("%w: unknown event field %q", engine.ErrDeserializeEventData, field)
	}
	return nil
}

func (b *eventBuilder) build() (engine.Event, error) {
	if b.ev.Kind == "" {
		return engine.Event{}, fmt.Errorf("%w: event at %s has no kind", engine.ErrMissingEventData, b.loc)
	}
	if len(b.outputs) > 0 {
		b.ev.Output = keyspace.CombineChunks(b.outputs)
	}
	if len(b.states) > 0 {
		b.ev.State = keyspace.CombineChunks(b.states)
	}
	return b.ev, nil
}

// readActiveHistory reconstructs every active event of a workflow, grouping
// sibling keys under the same location. Results are ordered by location.
func readActiveHistory(tx *kv.Tx, workflowID uuid.UUID) ([]engine.Event, error) {
	sub := historySub(workflowID, histActive)
	begin, end := sub.Range()

	var events []engine.Event
	var builder *eventBuilder
	var currentLoc []byte

	flush := func() error {
		if builder == nil {
			return nil
		}
		ev, err := builder.build()
		if err != nil {
			return err
		}
		events = append(events, ev)
		builder = nil
		return nil
	}

	err := tx.ForEachRange(begin, end, kv.RangeOptions{}, func(k, v []byte) error {
		tup, err := sub.Unpack(k)
		if err != nil {
			return err
		}
		locRaw, ok := tup[0].([]byte)
		if !ok {
			return fmt.Errorf("%w: non-bytes event location", engine.ErrDeserializeEventData)
		}

		if currentLoc == nil || !bytes.Equal(currentLoc, locRaw) {
			if err := flush(); err != nil {
				return err
			}
			loc, err := unpackLocation(locRaw)
			if err != nil {
				return err
			}
			builder = newEventBuilder(loc)
			currentLoc = make([]byte, len(locRaw))
			copy(currentLoc, locRaw)
		}
		return builder.apply(tup[1:], v)
	})
	if err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return events, nil
}

// forgetLoopEvents moves every active event under loopLoc (excluding the
// loop event itself) into the forgotten subspace keyed by iteration, then
// trims iterations older than the retention window.
func forgetLoopEvents(tx *kv.Tx, workflowID uuid.UUID, loopLoc engine.Location, iteration int64) error {
	active := historySub(workflowID, histActive)
	forgotten := historySub(workflowID, histForgotten).Sub(locationKey(loopLoc))
	loopKey := locationKey(loopLoc)

	begin, end := active.Range()
	var moved []kv.KeyValue
	err := tx.ForEachRange(begin, end, kv.RangeOptions{}, func(k, v []byte) error {
		tup, err := active.Unpack(k)
		if err != nil {
			return err
		}
		locRaw, ok := tup[0].([]byte)
		if !ok {
			return fmt.Errorf("%w: non-bytes event location", engine.ErrDeserializeEventData)
		}
		// Strictly below the loop location: the loop event itself stays.
		if !bytes.HasPrefix(locRaw, loopKey) || bytes.Equal(locRaw, loopKey) {
			return nil
		}
		kc := make([]byte, len(k))
		copy(kc, k)
		vc := make([]byte, len(v))
		copy(vc, v)
		moved = append(moved, kv.KeyValue{Key: kc, Value: vc})
		return nil
	})
	if err != nil {
		return err
	}

	for _, pair := range moved {
		tup, err := active.Unpack(pair.Key)
		if err != nil {
			return err
		}
		dst := forgotten.Sub(iteration - 1).Pack(tup)
		if err := tx.Set(dst, pair.Value); err != nil {
			return err
		}
		if err := tx.Clear(pair.Key); err != nil {
			return err
		}
	}

	// Retain at most the last forgottenIterationRetention iterations.
	if cutoff := iteration - forgottenIterationRetention; cutoff > 0 {
		begin, _ := forgotten.Range()
		return tx.ClearRange(begin, forgotten.Pack(keyspace.Tuple{cutoff}))
	}
	return nil
}

// forgottenIterationRetention is how many loop iterations stay readable in
// the forgotten subspace for debugging.
const forgottenIterationRetention = 100
