package kv

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	bolt "go.etcd.io/bbolt"
)

var (
	// bucketCore holds every key of the core runtime. Ordering and range
	// scans rely on all keys living in a single keyspace.
	bucketCore = []byte("core")

	// ErrRetryable marks transient transaction failures. Callers inside a
	// transaction may wrap errors with it to request a retry of the whole
	// transaction closure.
	ErrRetryable = errors.New("retryable transaction error")
)

// KeyValue is a single key/value pair returned from a range read.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// RangeOptions controls range reads.
type RangeOptions struct {
	// Limit caps the number of returned pairs. Zero means no limit.
	Limit int
	// Reverse returns pairs in descending key order.
	Reverse bool
}

// Store is an ordered, transactional key-value store backed by BoltDB.
//
// Transactions are serializable: BoltDB allows a single writer at a time, so
// write transactions never observe each other's partial state. Read
// transactions run against a consistent snapshot.
type Store struct {
	db         *bolt.DB
	retryLimit int
}

// Options configures a Store.
type Options struct {
	// RetryLimit caps retries of retryable transaction errors.
	RetryLimit int
}

// Open opens (or creates) the store under dataDir.
func Open(dataDir string, opts Options) (*Store, error) {
	dbPath := filepath.Join(dataDir, "burrow.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCore)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	retryLimit := opts.RetryLimit
	if retryLimit < 1 {
		retryLimit = 10
	}

	return &Store{db: db, retryLimit: retryLimit}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Update runs fn in a writable transaction, retrying with exponential
// backoff while fn fails with a retryable error.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	return s.run(ctx, true, fn)
}

// View runs fn in a read-only transaction with the same retry policy.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *Store) run(ctx context.Context, writable bool, fn func(tx *Tx) error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(newTxnBackoff(), uint64(s.retryLimit)), ctx)

	op := func() error {
		var err error
		if writable {
			err = s.db.Update(func(btx *bolt.Tx) error {
				return fn(newTx(btx, true))
			})
		} else {
			err = s.db.View(func(btx *bolt.Tx) error {
				return fn(newTx(btx, false))
			})
		}
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, bo)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func newTxnBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 0
	return bo
}

// IsRetryable reports whether err should trigger a transaction retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable) || errors.Is(err, bolt.ErrTimeout)
}

// Tx is a transaction over the core keyspace.
type Tx struct {
	bucket     *bolt.Bucket
	writable   bool
	commitID   uint64
	stampCount uint16
}

func newTx(btx *bolt.Tx, writable bool) *Tx {
	return &Tx{
		bucket:   btx.Bucket(bucketCore),
		writable: writable,
		commitID: uint64(btx.ID()),
	}
}

// Get returns the value at key, or nil if absent. The returned slice is a
// copy and remains valid after the transaction ends.
func (tx *Tx) Get(key []byte) ([]byte, error) {
	v := tx.bucket.Get(key)
	if v == nil {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set writes value at key.
func (tx *Tx) Set(key, value []byte) error {
	if !tx.writable {
		return bolt.ErrTxNotWritable
	}
	return tx.bucket.Put(key, value)
}

// Clear removes key.
func (tx *Tx) Clear(key []byte) error {
	if !tx.writable {
		return bolt.ErrTxNotWritable
	}
	return tx.bucket.Delete(key)
}

// ClearRange removes every key in [begin, end).
func (tx *Tx) ClearRange(begin, end []byte) error {
	if !tx.writable {
		return bolt.ErrTxNotWritable
	}

	// Collect first: deleting while cursoring invalidates the cursor.
	var keys [][]byte
	c := tx.bucket.Cursor()
	for k, _ := c.Seek(begin); k != nil && bytes.Compare(k, end) < 0; k, _ = c.Next() {
		kc := make([]byte, len(k))
		copy(kc, k)
		keys = append(keys, kc)
	}
	for _, k := range keys {
		if err := tx.bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Range returns all pairs in [begin, end) subject to opts.
func (tx *Tx) Range(begin, end []byte, opts RangeOptions) ([]KeyValue, error) {
	var out []KeyValue
	err := tx.ForEachRange(begin, end, opts, func(k, v []byte) error {
		kc := make([]byte, len(k))
		copy(kc, k)
		vc := make([]byte, len(v))
		copy(vc, v)
		out = append(out, KeyValue{Key: kc, Value: vc})
		return nil
	})
	return out, err
}

// ForEachRange streams pairs in [begin, end) to fn. The slices passed to fn
// are only valid for the duration of the call.
func (tx *Tx) ForEachRange(begin, end []byte, opts RangeOptions, fn func(k, v []byte) error) error {
	c := tx.bucket.Cursor()
	count := 0

	step := func(k, v []byte) (bool, error) {
		if opts.Limit > 0 && count >= opts.Limit {
			return false, nil
		}
		count++
		if err := fn(k, v); err != nil {
			return false, err
		}
		return true, nil
	}

	if opts.Reverse {
		// Position on the last key strictly below end.
		k, v := c.Seek(end)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && bytes.Compare(k, begin) >= 0; k, v = c.Prev() {
			ok, err := step(k, v)
			if err != nil || !ok {
				return err
			}
		}
		return nil
	}

	for k, v := c.Seek(begin); k != nil && bytes.Compare(k, end) < 0; k, v = c.Next() {
		ok, err := step(k, v)
		if err != nil || !ok {
			return err
		}
	}
	return nil
}

// AddReadConflict declares key as part of the transaction's read set.
//
// BoltDB serializes all writers, so there is nothing to record; the method
// exists so callers can state their read dependencies in the same places a
// multi-writer store would require them.
func (tx *Tx) AddReadConflict(key []byte) {}

// AddReadConflictRange declares [begin, end) as part of the read set.
func (tx *Tx) AddReadConflictRange(begin, end []byte) {}

// Versionstamp returns a 10-byte monotonic stamp unique to this commit and
// call: 8 bytes of commit identifier followed by a 2-byte per-transaction
// counter. Keys or values written with stamps from the same transaction
// share the commit prefix and order by counter.
func (tx *Tx) Versionstamp() ([10]byte, error) {
	var stamp [10]byte
	if !tx.writable {
		return stamp, bolt.ErrTxNotWritable
	}
	binary.BigEndian.PutUint64(stamp[:8], tx.commitID)
	binary.BigEndian.PutUint16(stamp[8:], tx.stampCount)
	tx.stampCount++
	return stamp, nil
}
