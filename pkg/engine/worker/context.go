package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"github.com/burrowops/burrow/pkg/engine"
	"github.com/burrowops/burrow/pkg/engine/db"
)

// MessagePublisher publishes messages for Context.SendMessage. The chirp
// client satisfies it.
type MessagePublisher interface {
	PublishMessage(ctx context.Context, name string, parameters []string, body json.RawMessage) error
}

// suspendPanic unwinds the operator when a primitive must put the workflow
// back to sleep. It never escapes the worker.
type suspendPanic struct {
	opts db.CommitOptions
}

// Context is the execution context handed to an operator. Every primitive
// computes its location deterministically from the tree of prior calls,
// replays the recorded result when the history has one, and otherwise
// executes the side effect and appends the event.
type Context struct {
	ctx       context.Context
	db        *db.Database
	publisher MessagePublisher

	workflowID uuid.UUID
	name       string
	rayID      uuid.UUID
	input      json.RawMessage
	data       *engine.WorkflowData

	scope   engine.Location
	counter int64
	version int64
}

func newContext(ctx context.Context, database *db.Database, publisher MessagePublisher, data *engine.WorkflowData) *Context {
	return &Context{
		ctx:        ctx,
		db:         database,
		publisher:  publisher,
		workflowID: data.ID,
		name:       data.Name,
		rayID:      data.RayID,
		input:      data.Input,
		data:       data,
		scope:      engine.RootLocation(),
		version:    1,
	}
}

// WorkflowID returns the executing workflow's ID.
func (c *Context) WorkflowID() uuid.UUID { return c.workflowID }

// RayID returns the correlation group of this workflow.
func (c *Context) RayID() uuid.UUID { return c.rayID }

// Input decodes the workflow input into v.
func (c *Context) Input(v any) error {
	if c.input == nil {
		return nil
	}
	return json.Unmarshal(c.input, v)
}

// RawInput returns the workflow input bytes.
func (c *Context) RawInput() json.RawMessage { return c.input }

// nextLocation assigns the next location in the current scope.
func (c *Context) nextLocation() engine.Location {
	loc := c.scope.Child(c.counter)
	c.counter++
	return loc
}

// recorded returns the active history event at loc after verifying kind and
// version. A mismatch means the operator diverged from its history.
func (c *Context) recorded(loc engine.Location, kind engine.EventKind) (*engine.Event, error) {
	ev := c.data.Event(loc)
	if ev == nil {
		return nil, nil
	}
	if ev.Kind != kind {
		return nil, engine.DivergedError(c.workflowID, loc,
			fmt.Sprintf("recorded %s, replayed %s", ev.Kind, kind))
	}
	if ev.Version != c.version {
		return nil, engine.DivergedError(c.workflowID, loc,
			fmt.Sprintf("recorded version %d, replayed %d", ev.Version, c.version))
	}
	return ev, nil
}

func (c *Context) suspend(opts db.CommitOptions) {
	panic(suspendPanic{opts: opts})
}

// Activity runs a recorded side effect. On replay with a matching input
// hash the recorded output is returned without running fn. A failed attempt
// is appended to the event's error list and returned to the operator.
func (c *Context) Activity(name string, input any, fn func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)) (json.RawMessage, error) {
	loc := c.nextLocation()

	inputRaw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode activity input: %w", err)
	}
	hash := hashInput(inputRaw)

	ev, err := c.recorded(loc, engine.EventActivity)
	if err != nil {
		return nil, err
	}
	if ev != nil {
		if ev.Name != name {
			return nil, engine.DivergedError(c.workflowID, loc,
				fmt.Sprintf("recorded activity %q, replayed %q", ev.Name, name))
		}
		if ev.InputHash != hash {
			return nil, engine.DivergedError(c.workflowID, loc,
				fmt.Sprintf("activity %q input hash changed", name))
		}
		return ev.Output, nil
	}

	output, err := fn(c.ctx, inputRaw)
	if err != nil {
		if dbErr := c.db.CommitActivityError(c.ctx, c.workflowID, loc, err.Error()); dbErr != nil {
			return nil, dbErr
		}
		return nil, fmt.Errorf("activity %q failed: %w", name, err)
	}

	if err := c.db.CommitActivityEvent(c.ctx, c.workflowID, loc, c.version, name, hash, output); err != nil {
		return nil, err
	}
	return output, nil
}

func hashInput(raw []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(raw)
	sum := h.Sum64()
	if sum == 0 {
		sum = 1
	}
	return sum
}

// Signal suspends until a signal with one of the given names arrives, then
// returns it. Consumption is exactly-once per history slot.
func (c *Context) Signal(names ...string) (*engine.Signal, error) {
	loc := c.nextLocation()

	ev, err := c.recorded(loc, engine.EventSignal)
	if err != nil {
		return nil, err
	}
	if ev != nil {
		return &engine.Signal{
			ID:         ev.SignalID,
			Name:       ev.Name,
			WorkflowID: c.workflowID,
			CreateTs:   ev.CreateTs,
			Body:       ev.Output,
		}, nil
	}

	sig, err := c.db.PullNextSignal(c.ctx, c.workflowID, names, loc, c.version, true)
	if err != nil {
		return nil, err
	}
	if sig == nil {
		// The last-try pull armed the wake-signal index in the same
		// transaction; sleeping here cannot lose a concurrent publish.
		c.suspend(db.CommitOptions{WakeSignals: names})
	}
	// Rewind so a matching recorded slot exists if the turn replays.
	c.data.History = append(c.data.History, engine.Event{
		Location: loc,
		Version:  c.version,
		Kind:     engine.EventSignal,
		CreateTs: sig.CreateTs,
		Name:     sig.Name,
		SignalID: sig.ID,
		Output:   sig.Body,
	})
	return sig, nil
}

// SignalWithTimeout waits for a signal until the deadline. Returns nil when
// the deadline fires first; an early wake records the sleep as interrupted.
func (c *Context) SignalWithTimeout(timeout time.Duration, names ...string) (*engine.Signal, error) {
	sleepLoc := c.nextLocation()

	ev, err := c.recorded(sleepLoc, engine.EventSleep)
	if err != nil {
		return nil, err
	}
	var deadline int64
	if ev != nil {
		deadline = ev.DeadlineTs
	} else {
		deadline = time.Now().Add(timeout).UnixMilli()
		if err := c.db.CommitSleepEvent(c.ctx, c.workflowID, sleepLoc, c.version, deadline); err != nil {
			return nil, err
		}
	}

	sigLoc := c.nextLocation()
	if recordedSig, err := c.recorded(sigLoc, engine.EventSignal); err != nil {
		return nil, err
	} else if recordedSig != nil {
		return &engine.Signal{
			ID:         recordedSig.SignalID,
			Name:       recordedSig.Name,
			WorkflowID: c.workflowID,
			CreateTs:   recordedSig.CreateTs,
			Body:       recordedSig.Output,
		}, nil
	}

	sig, err := c.db.PullNextSignal(c.ctx, c.workflowID, names, sigLoc, c.version, true)
	if err != nil {
		return nil, err
	}
	if sig != nil {
		if ev == nil || ev.SleepState == engine.SleepStateNormal {
			if err := c.db.UpdateSleepEventState(c.ctx, c.workflowID, sleepLoc, engine.SleepStateInterrupted); err != nil {
				return nil, err
			}
		}
		c.data.History = append(c.data.History, engine.Event{
			Location: sigLoc,
			Version:  c.version,
			Kind:     engine.EventSignal,
			CreateTs: sig.CreateTs,
			Name:     sig.Name,
			SignalID: sig.ID,
			Output:   sig.Body,
		})
		return sig, nil
	}

	if time.Now().UnixMilli() >= deadline {
		if err := c.db.UpdateSleepEventState(c.ctx, c.workflowID, sleepLoc, engine.SleepStateFired); err != nil {
			return nil, err
		}
		return nil, nil
	}

	c.suspend(db.CommitOptions{WakeDeadlineTs: deadline, WakeSignals: names})
	return nil, nil
}

// SendSignal publishes a signal to another workflow exactly once per
// history slot.
func (c *Context) SendSignal(targetWorkflowID uuid.UUID, name string, body json.RawMessage) (uuid.UUID, error) {
	loc := c.nextLocation()

	ev, err := c.recorded(loc, engine.EventSignalSend)
	if err != nil {
		return uuid.Nil, err
	}
	if ev != nil {
		return ev.SignalID, nil
	}

	signalID := uuid.New()
	if err := c.db.PublishSignal(c.ctx, c.rayID, targetWorkflowID, signalID, name, body); err != nil {
		return uuid.Nil, err
	}
	if err := c.db.CommitSignalSendEvent(c.ctx, c.workflowID, loc, c.version, signalID, name); err != nil {
		return uuid.Nil, err
	}
	return signalID, nil
}

// SendMessage publishes a chirp message exactly once per history slot.
func (c *Context) SendMessage(name string, parameters []string, body json.RawMessage) error {
	loc := c.nextLocation()

	ev, err := c.recorded(loc, engine.EventMessageSend)
	if err != nil {
		return err
	}
	if ev != nil {
		return nil
	}

	if c.publisher != nil {
		if err := c.publisher.PublishMessage(c.ctx, name, parameters, body); err != nil {
			return err
		}
	}
	return c.db.CommitMessageSendEvent(c.ctx, c.workflowID, loc, c.version, name)
}

// SubWorkflow dispatches a child workflow exactly once per history slot and
// returns its ID.
func (c *Context) SubWorkflow(name string, tags map[string]string, input json.RawMessage, unique bool) (uuid.UUID, error) {
	loc := c.nextLocation()

	ev, err := c.recorded(loc, engine.EventSubWorkflow)
	if err != nil {
		return uuid.Nil, err
	}
	if ev != nil {
		return ev.SubWorkflowID, nil
	}

	subID, err := c.db.DispatchSubWorkflow(c.ctx, c.rayID, c.workflowID, loc, c.version, uuid.New(), name, tags, input, unique)
	if err != nil {
		return uuid.Nil, err
	}
	c.data.History = append(c.data.History, engine.Event{
		Location:      loc,
		Version:       c.version,
		Kind:          engine.EventSubWorkflow,
		Name:          name,
		SubWorkflowID: subID,
	})
	return subID, nil
}

// AwaitSubWorkflow suspends until the child workflow completes, then
// returns its output.
func (c *Context) AwaitSubWorkflow(subWorkflowID uuid.UUID) (json.RawMessage, error) {
	child, err := c.db.GetSubWorkflow(c.ctx, c.workflowID, c.name, subWorkflowID)
	if err != nil {
		return nil, err
	}
	if child.Output == nil {
		c.suspend(db.CommitOptions{WakeSubWorkflowID: subWorkflowID})
	}
	return child.Output, nil
}

// Sleep suspends the workflow for the duration.
func (c *Context) Sleep(d time.Duration) error {
	return c.SleepUntil(time.Now().Add(d).UnixMilli())
}

// SleepUntil suspends the workflow until the timestamp passes.
func (c *Context) SleepUntil(deadlineTs int64) error {
	loc := c.nextLocation()

	ev, err := c.recorded(loc, engine.EventSleep)
	if err != nil {
		return err
	}
	if ev == nil {
		if err := c.db.CommitSleepEvent(c.ctx, c.workflowID, loc, c.version, deadlineTs); err != nil {
			return err
		}
		c.suspend(db.CommitOptions{WakeDeadlineTs: deadlineTs})
	}

	if time.Now().UnixMilli() < ev.DeadlineTs {
		// Woken before the deadline; go back to sleep for the remainder.
		c.suspend(db.CommitOptions{WakeDeadlineTs: ev.DeadlineTs})
	}
	if ev.SleepState == engine.SleepStateNormal {
		if err := c.db.UpdateSleepEventState(c.ctx, c.workflowID, loc, engine.SleepStateFired); err != nil {
			return err
		}
	}
	return nil
}

// Loop runs body repeatedly with carry state until it returns an output.
// Prior iterations' events are moved out of the active history so replay
// cost stays bounded; only the last recorded iteration re-executes.
func (c *Context) Loop(initialState json.RawMessage, body func(c *Context, iteration int64, state json.RawMessage) (nextState, output json.RawMessage, err error)) (json.RawMessage, error) {
	loc := c.nextLocation()

	ev, err := c.recorded(loc, engine.EventLoop)
	if err != nil {
		return nil, err
	}

	iteration := int64(0)
	state := initialState
	if ev != nil {
		if ev.Output != nil {
			return ev.Output, nil
		}
		iteration = ev.Iteration
		state = ev.State
	} else {
		if err := c.db.UpsertLoopEvent(c.ctx, c.workflowID, loc, c.version, 0, state, nil); err != nil {
			return nil, err
		}
	}

	for {
		iterCtx := &Context{
			ctx:        c.ctx,
			db:         c.db,
			publisher:  c.publisher,
			workflowID: c.workflowID,
			name:       c.name,
			rayID:      c.rayID,
			input:      c.input,
			data:       c.data,
			scope:      loc,
			version:    c.version,
		}

		nextState, output, err := body(iterCtx, iteration, state)
		if err != nil {
			return nil, err
		}

		iteration++
		if output != nil {
			if err := c.db.UpsertLoopEvent(c.ctx, c.workflowID, loc, c.version, iteration, nextState, output); err != nil {
				return nil, err
			}
			return output, nil
		}

		if err := c.db.UpsertLoopEvent(c.ctx, c.workflowID, loc, c.version, iteration, nextState, nil); err != nil {
			return nil, err
		}
		state = nextState
		c.pruneLoopHistory(loc)
	}
}

// pruneLoopHistory drops in-memory events under the loop after an
// iteration commits, mirroring the forgotten move in the store.
func (c *Context) pruneLoopHistory(loopLoc engine.Location) {
	kept := c.data.History[:0]
	for _, ev := range c.data.History {
		if ev.Location.HasPrefix(loopLoc) && !ev.Location.Equal(loopLoc) {
			continue
		}
		kept = append(kept, ev)
	}
	c.data.History = kept
}

// Branch runs fn in a nested location scope, so the locations of its steps
// are independent of steps after the branch.
func (c *Context) Branch(fn func(c *Context) error) error {
	loc := c.nextLocation()

	ev, err := c.recorded(loc, engine.EventBranch)
	if err != nil {
		return err
	}
	if ev == nil {
		if err := c.db.CommitBranchEvent(c.ctx, c.workflowID, loc, c.version); err != nil {
			return err
		}
		c.data.History = append(c.data.History, engine.Event{
			Location: loc,
			Version:  c.version,
			Kind:     engine.EventBranch,
		})
	}

	branchCtx := &Context{
		ctx:        c.ctx,
		db:         c.db,
		publisher:  c.publisher,
		workflowID: c.workflowID,
		name:       c.name,
		rayID:      c.rayID,
		input:      c.input,
		data:       c.data,
		scope:      loc,
		version:    c.version,
	}
	return fn(branchCtx)
}

// Removed occupies a history slot whose step newer operator code no longer
// performs. Old histories keep their recorded event; new runs record a
// removal marker.
func (c *Context) Removed(name string) error {
	loc := c.nextLocation()

	if ev := c.data.Event(loc); ev != nil {
		// Whatever was recorded here is accepted as the removed step.
		return nil
	}
	if err := c.db.CommitRemovedEvent(c.ctx, c.workflowID, loc, c.version, name); err != nil {
		return err
	}
	c.data.History = append(c.data.History, engine.Event{
		Location: loc,
		Version:  c.version,
		Kind:     engine.EventRemoved,
		Name:     name,
	})
	return nil
}

// VersionCheck records the operator's version at this point in the run and
// sets the version attached to subsequent events. Replaying against history
// recorded by a different version fails as divergence.
func (c *Context) VersionCheck(version int64) error {
	loc := c.nextLocation()

	if ev := c.data.Event(loc); ev != nil {
		if ev.Kind != engine.EventVersionCheck {
			return engine.DivergedError(c.workflowID, loc,
				fmt.Sprintf("recorded %s, replayed version check", ev.Kind))
		}
		if ev.Version != version {
			return engine.DivergedError(c.workflowID, loc,
				fmt.Sprintf("recorded version %d, code is version %d", ev.Version, version))
		}
		c.version = version
		return nil
	}

	if err := c.db.CommitVersionCheckEvent(c.ctx, c.workflowID, loc, version); err != nil {
		return err
	}
	c.data.History = append(c.data.History, engine.Event{
		Location: loc,
		Version:  version,
		Kind:     engine.EventVersionCheck,
	})
	c.version = version
	return nil
}
