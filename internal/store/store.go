// Package store provides the durable local record store: one keyed
// collection per ERP entity, a FIFO pending-mutation queue, and per-entity
// sync metadata. The SQLite implementation is the default; a memory-only
// implementation exists as a degraded fallback when local storage is
// unavailable.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mercatus/mercsync/internal/entity"
)

// ErrStorageUnavailable marks device-level storage failures (disk full,
// permissions, corrupt database). Callers surface these as warnings and may
// continue with a memory-only store; they are never retried automatically.
var ErrStorageUnavailable = errors.New("local storage unavailable")

// Mutation is one pending write awaiting replay against the server.
type Mutation struct {
	Seq        int64
	Collection string
	Action     entity.Action
	// RecordID is the id of the record the mutation targets. For offline
	// creates this is the client-generated provisional id, replaced once
	// the server answers.
	RecordID    string
	Payload     json.RawMessage
	Endpoint    string
	EnqueuedAt  time.Time
	RetryCount  int
	LastError   string
	AbandonedAt *time.Time
}

// SyncMeta records when a collection was last refreshed from the server.
// Display and diagnostics only; never consulted for conflict resolution.
type SyncMeta struct {
	Collection string
	LastSyncAt time.Time
	SyncedAt   time.Time
}

// Store is the shared local state surface used by the sync engine and the
// CLI. Implementations serialize individual operations; callers get no
// cross-operation atomicity beyond ReplaceAll's single transaction.
type Store interface {
	// Put upserts records by id. Putting the same id twice leaves one
	// record with the later write's fields.
	Put(collection string, recs ...entity.Record) error
	GetAll(collection string) ([]entity.Record, error)
	// GetByID returns nil, nil when the record does not exist.
	GetByID(collection, id string) (*entity.Record, error)
	Delete(collection, id string) error
	Clear(collection string) error
	// ReplaceAll swaps the entire collection for recs in one transaction.
	// A refresh is a replace, not a merge: local records absent from recs
	// are dropped.
	ReplaceAll(collection string, recs []entity.Record) error

	// Enqueue appends a mutation and returns its assigned sequence id.
	Enqueue(m Mutation) (int64, error)
	// ListPending returns non-abandoned mutations in FIFO order.
	ListPending() ([]Mutation, error)
	RemoveFromQueue(seq int64) error
	// BumpRetry increments the retry counter and records the failure cause.
	BumpRetry(seq int64, cause string) error
	// Abandon moves a mutation to the dead-letter list. It no longer
	// appears in ListPending but is kept for inspection and manual retry.
	Abandon(seq int64, cause string) error
	ListAbandoned() ([]Mutation, error)
	// Requeue returns an abandoned mutation to the pending queue with a
	// fresh retry counter.
	Requeue(seq int64) error
	CountPending() (int64, error)

	SetSyncMeta(collection string, lastSync time.Time) error
	// GetSyncMeta returns nil, nil when the collection has never synced.
	GetSyncMeta(collection string) (*SyncMeta, error)

	Close() error
}

// Validate checks a mutation before it enters the queue.
func (m Mutation) Validate() error {
	if !entity.Known(m.Collection) {
		return fmt.Errorf("unknown collection %q", m.Collection)
	}
	if !m.Action.Valid() {
		return fmt.Errorf("invalid action %q", m.Action)
	}
	if m.Endpoint == "" {
		return fmt.Errorf("mutation missing endpoint")
	}
	if m.Action != entity.ActionDelete && len(m.Payload) == 0 {
		return fmt.Errorf("%s mutation missing payload", m.Action)
	}
	return nil
}
