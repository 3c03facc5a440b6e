package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/kalambet/paygate/internal/storage"
)

const snapshotKey = "telemetry_snapshot"

const (
	DefaultMaxEventCount = 50
	DefaultMaxDepth      = 10
	DefaultSnapshotSize  = 20
)

// Sender delivers one batch to the remote service. Implemented by
// network.Client.
type Sender interface {
	SendEvents(ctx context.Context, sessions, transactions []Record) error
}

// SnapshotStore persists the crash-safety snapshot. Implemented by
// storage.Store.
type SnapshotStore interface {
	GetBlob(key string) ([]byte, error)
	PutBlob(key string, value []byte) error
	DeleteBlob(key string) error
}

// Options bounds the queue. Zero fields take the Default* values.
type Options struct {
	MaxEventCount int
	MaxDepth      int
	SnapshotSize  int
}

func (o Options) withDefaults() Options {
	if o.MaxEventCount <= 0 {
		o.MaxEventCount = DefaultMaxEventCount
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.SnapshotSize <= 0 {
		o.SnapshotSize = DefaultSnapshotSize
	}
	return o
}

// Queue holds pending session and transaction records. Enqueue never blocks
// on the network; Flush drains the lists in bounded batches. The timer and
// background paths both flush through the same flush lock so a record is
// never sent by two concurrent drains.
type Queue struct {
	sender Sender
	store  SnapshotStore
	opts   Options
	logger *slog.Logger

	flushMu sync.Mutex

	mu           sync.Mutex
	sessions     []Record
	transactions []Record
	sessionRing  *ring
	txRing       *ring
}

// NewQueue creates an empty Queue.
func NewQueue(sender Sender, store SnapshotStore, opts Options) *Queue {
	opts = opts.withDefaults()
	return &Queue{
		sender:      sender,
		store:       store,
		opts:        opts,
		logger:      slog.Default(),
		sessionRing: newRing(opts.SnapshotSize),
		txRing:      newRing(opts.SnapshotSize),
	}
}

// Enqueue appends rec to the list for its kind.
func (q *Queue) Enqueue(rec Record) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if rec.Kind == KindTransaction {
		q.transactions = append(q.transactions, rec)
		q.txRing.push(rec)
		return
	}
	q.sessions = append(q.sessions, rec)
	q.sessionRing.push(rec)
}

// Pending reports how many records of each kind await delivery.
func (q *Queue) Pending() (sessions, transactions int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.sessions), len(q.transactions)
}

// Flush sends up to MaxEventCount records of each kind per batch, repeating
// while a backlog remains, for at most MaxDepth batches. A failed batch is
// put back at the head of the queue and the error returned; it is retried on
// the next flush. Flush returns the number of records delivered.
func (q *Queue) Flush(ctx context.Context) (int, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	sent := 0
	for depth := 0; depth < q.opts.MaxDepth; depth++ {
		sessions, transactions := q.take()
		if len(sessions) == 0 && len(transactions) == 0 {
			return sent, nil
		}

		if err := q.sender.SendEvents(ctx, sessions, transactions); err != nil {
			q.putBack(sessions, transactions)
			return sent, fmt.Errorf("sending telemetry batch: %w", err)
		}
		q.delivered(sessions, transactions)
		sent += len(sessions) + len(transactions)

		if s, t := q.Pending(); s == 0 && t == 0 {
			return sent, nil
		}
	}

	if s, t := q.Pending(); s > 0 || t > 0 {
		q.logger.Debug("telemetry backlog deferred to next flush", "sessions", s, "transactions", t)
	}
	return sent, nil
}

func (q *Queue) take() (sessions, transactions []Record) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// The backlog is shifted down in place so taken records are released
	// instead of pinned ahead of the slice start.
	n := min(len(q.sessions), q.opts.MaxEventCount)
	sessions = slices.Clone(q.sessions[:n])
	q.sessions = slices.Delete(q.sessions, 0, n)

	n = min(len(q.transactions), q.opts.MaxEventCount)
	transactions = slices.Clone(q.transactions[:n])
	q.transactions = slices.Delete(q.transactions, 0, n)
	return sessions, transactions
}

func (q *Queue) putBack(sessions, transactions []Record) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sessions = append(sessions, q.sessions...)
	q.transactions = append(transactions, q.transactions...)
}

// delivered drops sent records from the snapshot rings.
func (q *Queue) delivered(sessions, transactions []Record) {
	ids := make(map[string]bool, len(sessions)+len(transactions))
	for _, r := range sessions {
		ids[r.ID] = true
	}
	for _, r := range transactions {
		ids[r.ID] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.sessionRing.drop(ids)
	q.txRing.drop(ids)
}

type snapshot struct {
	Sessions     []Record `json:"sessions"`
	Transactions []Record `json:"transactions"`
}

// PersistSnapshot flushes, then writes the most recent undelivered records of
// each kind to durable storage. A failed flush is logged; the snapshot is
// written regardless.
func (q *Queue) PersistSnapshot(ctx context.Context) error {
	if _, err := q.Flush(ctx); err != nil {
		q.logger.Warn("flush before snapshot failed", "error", err)
	}

	q.mu.Lock()
	snap := snapshot{Sessions: q.sessionRing.items(), Transactions: q.txRing.items()}
	q.mu.Unlock()

	if len(snap.Sessions) == 0 && len(snap.Transactions) == 0 {
		if err := q.store.DeleteBlob(snapshotKey); err != nil {
			return fmt.Errorf("clearing telemetry snapshot: %w", err)
		}
		return nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding telemetry snapshot: %w", err)
	}
	if err := q.store.PutBlob(snapshotKey, data); err != nil {
		return fmt.Errorf("writing telemetry snapshot: %w", err)
	}
	q.logger.Debug("telemetry snapshot saved", "sessions", len(snap.Sessions), "transactions", len(snap.Transactions))
	return nil
}

// RestoreSnapshot sends a snapshot left by a previous process as one batch
// and clears it. If sending fails the snapshot is kept for the next launch.
func (q *Queue) RestoreSnapshot(ctx context.Context) (int, error) {
	data, err := q.store.GetBlob(snapshotKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading telemetry snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		q.logger.Warn("discarding unreadable telemetry snapshot", "error", err)
		return 0, q.store.DeleteBlob(snapshotKey)
	}

	n := len(snap.Sessions) + len(snap.Transactions)
	if n > 0 {
		q.flushMu.Lock()
		err := q.sender.SendEvents(ctx, snap.Sessions, snap.Transactions)
		q.flushMu.Unlock()
		if err != nil {
			return 0, fmt.Errorf("sending restored telemetry: %w", err)
		}
	}

	if err := q.store.DeleteBlob(snapshotKey); err != nil {
		return n, fmt.Errorf("clearing telemetry snapshot: %w", err)
	}
	q.logger.Info("restored telemetry snapshot", "records", n)
	return n, nil
}
