package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mercatus/mercsync/internal/entity"
	"github.com/mercatus/mercsync/internal/erpclient"
	"github.com/mercatus/mercsync/internal/notify"
	"github.com/mercatus/mercsync/internal/store"
)

// Submit applies a user mutation. Online, it goes straight to the server
// and the local store is updated from the response. Offline (or when the
// request fails at the transport level), it is queued for the next drain
// and applied optimistically to the local store so reads stay responsive.
// An explicit server rejection is returned to the caller and nothing is
// queued.
func (e *Engine) Submit(ctx context.Context, m store.Mutation) (*entity.Record, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	if e.online() {
		body, err := e.api.Apply(ctx, erpclient.MutationRequest{
			Action:   m.Action,
			Endpoint: m.Endpoint,
			Payload:  m.Payload,
		})
		if err == nil {
			return e.applyConfirmed(m, body)
		}
		if !erpclient.Retryable(err) {
			return nil, err
		}
		slog.Debug("submit: network failure, queueing", "collection", m.Collection, "err", err)
	}

	return e.applyOptimistic(m)
}

// applyConfirmed folds a successful direct mutation into the store.
func (e *Engine) applyConfirmed(m store.Mutation, body json.RawMessage) (*entity.Record, error) {
	switch m.Action {
	case entity.ActionDelete:
		if m.RecordID != "" {
			if err := e.store.Delete(m.Collection, m.RecordID); err != nil {
				return nil, err
			}
		}
		e.publish(notify.DataUpdated(m.Collection, string(m.Action), nil))
		return nil, nil
	default:
		rec, err := entity.DecodeRecord(body)
		if err != nil {
			// Some endpoints answer with an empty body; fall back to the
			// submitted payload when it carries an id.
			if m.RecordID == "" {
				return nil, nil
			}
			rec = entity.Record{ID: m.RecordID, Data: m.Payload}
		}
		if err := e.store.Put(m.Collection, rec); err != nil {
			return nil, err
		}
		e.publish(notify.DataUpdated(m.Collection, string(m.Action), rec.Data))
		return &rec, nil
	}
}

// applyOptimistic queues the mutation and updates the local store ahead of
// server confirmation.
func (e *Engine) applyOptimistic(m store.Mutation) (*entity.Record, error) {
	var optimistic *entity.Record

	switch m.Action {
	case entity.ActionCreate:
		if m.RecordID == "" {
			m.RecordID = "local-" + uuid.NewString()
		}
		data, err := withID(m.Payload, m.RecordID)
		if err != nil {
			return nil, fmt.Errorf("optimistic create: %w", err)
		}
		rec := entity.Record{ID: m.RecordID, Data: data}
		if err := e.store.Put(m.Collection, rec); err != nil {
			return nil, err
		}
		optimistic = &rec
	case entity.ActionUpdate:
		if m.RecordID == "" {
			return nil, fmt.Errorf("optimistic update: missing record id")
		}
		data, err := withID(m.Payload, m.RecordID)
		if err != nil {
			return nil, fmt.Errorf("optimistic update: %w", err)
		}
		rec := entity.Record{ID: m.RecordID, Data: data}
		if err := e.store.Put(m.Collection, rec); err != nil {
			return nil, err
		}
		optimistic = &rec
	case entity.ActionDelete:
		if m.RecordID != "" {
			if err := e.store.Delete(m.Collection, m.RecordID); err != nil {
				return nil, err
			}
		}
	}

	seq, err := e.store.Enqueue(m)
	if err != nil {
		return nil, fmt.Errorf("queue mutation: %w", err)
	}
	slog.Info("mutation queued", "seq", seq, "action", m.Action, "collection", m.Collection)

	var data json.RawMessage
	if optimistic != nil {
		data = optimistic.Data
	}
	e.publish(notify.DataUpdated(m.Collection, string(m.Action), data))
	e.Wake()
	return optimistic, nil
}

// withID returns the payload with its id field set.
func withID(payload json.RawMessage, id string) (json.RawMessage, error) {
	fields := make(map[string]any)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, fmt.Errorf("parse payload: %w", err)
		}
	}
	fields["id"] = id
	return json.Marshal(fields)
}
