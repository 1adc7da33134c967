package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/burrowops/burrow/pkg/engine"
	"github.com/burrowops/burrow/pkg/engine/db"
	"github.com/burrowops/burrow/pkg/log"
)

const (
	// pingInterval keeps the instance well inside the lost threshold.
	pingInterval = 5 * time.Second

	// leaseSweepInterval is how often this instance scans for leases
	// abandoned by lost peers.
	leaseSweepInterval = 15 * time.Second

	// metricsPublishInterval paces the elected gauge publisher.
	metricsPublishInterval = 20 * time.Second

	// defaultMaxConcurrency bounds simultaneously executing workflows.
	defaultMaxConcurrency = 128
)

// Worker pulls due workflows and executes registered operators against
// them under bounded concurrency.
type Worker struct {
	instanceID uuid.UUID
	db         *db.Database
	registry   *Registry
	publisher  MessagePublisher
	gauges     func(db.GaugeValue)

	sem    chan struct{}
	logger zerolog.Logger

	running   map[uuid.UUID]struct{}
	runningMu sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config holds worker configuration.
type Config struct {
	Database *db.Database
	Registry *Registry

	// Publisher handles Context.SendMessage; optional.
	Publisher MessagePublisher

	// Gauges receives published metric samples; optional.
	Gauges func(db.GaugeValue)

	// MaxConcurrency bounds simultaneously executing workflows.
	MaxConcurrency int
}

// NewWorker creates a worker instance with a fresh instance ID.
func NewWorker(cfg *Config) *Worker {
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}

	instanceID := uuid.New()
	return &Worker{
		instanceID: instanceID,
		db:         cfg.Database,
		registry:   cfg.Registry,
		publisher:  cfg.Publisher,
		gauges:     cfg.Gauges,
		sem:        make(chan struct{}, maxConcurrency),
		logger:     log.Component("engine-worker").With().Str("worker_instance_id", instanceID.String()).Logger(),
		running:    make(map[uuid.UUID]struct{}),
		stopCh:     make(chan struct{}),
	}
}

// InstanceID returns the worker's instance ID.
func (w *Worker) InstanceID() uuid.UUID {
	return w.instanceID
}

// Start launches the worker loops. It returns once the loops are running;
// Stop shuts them down.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.db.UpdateWorkerPing(ctx, w.instanceID); err != nil {
		return fmt.Errorf("failed to record initial ping: %w", err)
	}

	wakeCh, cancelWake, err := w.db.SubscribeWake()
	if err != nil {
		return fmt.Errorf("failed to subscribe to wake subject: %w", err)
	}

	w.wg.Add(4)
	go w.pullLoop(ctx, wakeCh, cancelWake)
	go w.pingLoop(ctx)
	go w.leaseSweepLoop(ctx)
	go w.metricsLoop(ctx)

	w.logger.Info().Strs("workflows", w.registry.Names()).Msg("worker started")
	return nil
}

// Stop stops the worker loops and waits for in-flight workflows to settle.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

// pullLoop pulls due workflows on wake notifications and on the poll
// interval.
func (w *Worker) pullLoop(ctx context.Context, wakeCh <-chan struct{}, cancelWake func()) {
	defer w.wg.Done()
	defer cancelWake()

	ticker := time.NewTicker(w.db.PollInterval())
	defer ticker.Stop()

	for {
		w.pullOnce(ctx)

		select {
		case <-wakeCh:
		case <-ticker.C:
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) pullOnce(ctx context.Context) {
	names := w.registry.Names()
	if len(names) == 0 {
		return
	}

	pulled, err := w.db.PullWorkflows(ctx, w.instanceID, names)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to pull workflows")
		return
	}

	for i := range pulled {
		data := pulled[i]

		w.runningMu.Lock()
		if _, exists := w.running[data.ID]; exists {
			w.runningMu.Unlock()
			continue
		}
		w.running[data.ID] = struct{}{}
		w.runningMu.Unlock()

		select {
		case w.sem <- struct{}{}:
		case <-w.stopCh:
			w.clearRunning(data.ID)
			return
		case <-ctx.Done():
			w.clearRunning(data.ID)
			return
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			defer w.clearRunning(data.ID)
			w.runWorkflow(ctx, &data)
		}()
	}
}

func (w *Worker) clearRunning(id uuid.UUID) {
	w.runningMu.Lock()
	delete(w.running, id)
	w.runningMu.Unlock()
}

// runWorkflow replays one workflow turn and commits its outcome.
func (w *Worker) runWorkflow(ctx context.Context, data *engine.WorkflowData) {
	logger := log.ForWorkflow(data.ID, data.RayID, data.Name)

	op, ok := w.registry.Get(data.Name)
	if !ok {
		// Pulled a name we no longer serve; put it back to sleep.
		logger.Warn().Msg("no operator registered for pulled workflow")
		if err := w.db.CommitWorkflow(ctx, data.ID, data.Name, db.CommitOptions{WakeImmediate: true}); err != nil {
			logger.Error().Err(err).Msg("failed to release unhandled workflow")
		}
		return
	}

	output, commit, runErr := executeOperator(ctx, w.db, w.publisher, op, data)

	switch {
	case runErr != nil:
		// Dead, but reclaimable by user action: the error is recorded and
		// no wake condition remains.
		logger.Error().Err(runErr).Msg("workflow failed")
		if err := w.db.CommitWorkflow(ctx, data.ID, data.Name, db.CommitOptions{Error: runErr.Error()}); err != nil {
			logger.Error().Err(err).Msg("failed to commit workflow error")
		}

	case commit != nil:
		if err := w.db.CommitWorkflow(ctx, data.ID, data.Name, *commit); err != nil {
			logger.Error().Err(err).Msg("failed to commit workflow sleep")
		}

	default:
		if err := w.db.CompleteWorkflow(ctx, data.ID, data.Name, output); err != nil {
			logger.Error().Err(err).Msg("failed to complete workflow")
			return
		}
		logger.Debug().Msg("workflow complete")
	}
}

// executeOperator runs the operator, translating suspension unwinds and
// panics into outcomes.
func executeOperator(ctx context.Context, database *db.Database, publisher MessagePublisher, op Operator, data *engine.WorkflowData) (output json.RawMessage, commit *db.CommitOptions, runErr error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if s, ok := r.(suspendPanic); ok {
			opts := s.opts
			commit = &opts
			return
		}
		runErr = fmt.Errorf("operator panic: %v\n%s", r, debug.Stack())
	}()

	c := newContext(ctx, database, publisher, data)
	out, err := op(c)
	if err != nil {
		return nil, nil, err
	}
	if out == nil {
		out = json.RawMessage(`null`)
	}
	return out, nil, nil
}

// pingLoop heartbeats the instance so peers don't reclaim its leases.
func (w *Worker) pingLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.db.UpdateWorkerPing(ctx, w.instanceID); err != nil {
				w.logger.Error().Err(err).Msg("failed to update worker ping")
			}
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// leaseSweepLoop reclaims leases abandoned by lost peers. Any instance can
// run the sweep; the transaction keeps it safe.
func (w *Worker) leaseSweepLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(leaseSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.db.ClearExpiredLeases(ctx); err != nil {
				w.logger.Error().Err(err).Msg("failed to clear expired leases")
			}
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// metricsLoop publishes the gauge cells if this instance wins the
// publisher election.
func (w *Worker) metricsLoop(ctx context.Context) {
	defer w.wg.Done()

	if w.gauges == nil {
		return
	}

	ticker := time.NewTicker(metricsPublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.db.PublishMetrics(ctx, w.instanceID, w.gauges); err != nil {
				w.logger.Error().Err(err).Msg("failed to publish metrics")
			}
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}
