package db

import (
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/burrowops/burrow/pkg/kv"
	"github.com/burrowops/burrow/pkg/log"
)

const (
	// WorkerLostThreshold is how long a worker instance may go without a
	// ping before its leases are reclaimable.
	WorkerLostThreshold = 30 * time.Second

	// metricsLockTTL bounds how long a metrics publisher election holds.
	metricsLockTTL = 30 * time.Second

	// WakeSubject is the well-known pub/sub subject for worker wake
	// notifications. Payloads are empty; any delivery triggers a pull.
	WakeSubject = "engine.worker.wake"
)

// WakeBus delivers worker wake notifications. Notify is fire-and-forget;
// Subscribe returns a channel that receives an empty struct per delivery
// and a function that ends the subscription.
type WakeBus interface {
	Notify()
	Subscribe() (<-chan struct{}, func(), error)
}

// Database exposes the durable workflow operations. Every operation runs in
// a single transaction of the underlying store unless documented otherwise,
// so partial visibility is impossible.
type Database struct {
	store        *kv.Store
	wake         WakeBus
	pollInterval time.Duration
	logger       zerolog.Logger
}

// Options configures a Database.
type Options struct {
	// PollInterval is the worker poll cadence; pull scans reach
	// now + PollInterval into the future.
	PollInterval time.Duration
}

// New creates a Database over the store and wake bus.
func New(store *kv.Store, wake WakeBus, opts Options) *Database {
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 4 * time.Second
	}
	return &Database{
		store:        store,
		wake:         wake,
		pollInterval: pollInterval,
		logger:       log.Component("engine-db"),
	}
}

// PollInterval returns the worker poll cadence.
func (d *Database) PollInterval() time.Duration {
	return d.pollInterval
}

// WakeWorker publishes a wake notification. Callers fire it after any
// commit that could leave a workflow runnable.
func (d *Database) WakeWorker() {
	d.wake.Notify()
}

// SubscribeWake subscribes to the wake notification channel.
func (d *Database) SubscribeWake() (<-chan struct{}, func(), error) {
	return d.wake.Subscribe()
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// NatsWakeBus implements WakeBus over a NATS connection using the
// well-known wake subject.
type NatsWakeBus struct {
	conn *nats.Conn
}

// NewNatsWakeBus wraps conn.
func NewNatsWakeBus(conn *nats.Conn) *NatsWakeBus {
	return &NatsWakeBus{conn: conn}
}

// Notify publishes an empty payload on the wake subject. Failures are
// logged and dropped; the worker's poll interval bounds the added latency.
func (b *NatsWakeBus) Notify() {
	if err := b.conn.Publish(WakeSubject, nil); err != nil {
		logger := log.Component("engine-db")
		logger.Warn().Err(err).Msg("failed to publish wake notification")
	}
}

// Subscribe delivers one empty struct per wake notification. The channel
// coalesces: a slow receiver sees at least one delivery for any burst.
func (b *NatsWakeBus) Subscribe() (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	sub, err := b.conn.Subscribe(WakeSubject, func(*nats.Msg) {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return nil, nil, err
	}
	cancel := func() {
		_ = sub.Unsubscribe()
	}
	return ch, cancel, nil
}
