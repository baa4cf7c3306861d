package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mercatus/mercsync/internal/entity"
	"github.com/mercatus/mercsync/internal/erpclient"
	"github.com/mercatus/mercsync/internal/notify"
	"github.com/mercatus/mercsync/internal/store"
)

// drain replays pending mutations in FIFO order. A failed mutation stays
// queued (network-class) or is dead-lettered (server rejection, retry
// budget exhausted); either way the drain moves on to the next entry so one
// stuck mutation cannot block the rest. Returns an error only when the
// queue itself cannot be read, an orchestration failure.
func (e *Engine) drain(ctx context.Context, res *Result) error {
	pending, err := e.store.ListPending()
	if err != nil {
		return fmt.Errorf("list pending mutations: %w", err)
	}

	for _, m := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		body, err := e.api.Apply(ctx, erpclient.MutationRequest{
			Action:   m.Action,
			Endpoint: m.Endpoint,
			Payload:  m.Payload,
		})
		if err == nil {
			e.confirmMutation(m, body)
			res.Drained++
			continue
		}

		if erpclient.Retryable(err) {
			retries := m.RetryCount + 1
			if retries >= e.cfg.MaxRetries {
				slog.Warn("mutation dead-lettered after retries",
					"seq", m.Seq, "collection", m.Collection, "retries", retries, "err", err)
				if aerr := e.store.Abandon(m.Seq, err.Error()); aerr != nil {
					slog.Error("abandon mutation", "seq", m.Seq, "err", aerr)
				}
				res.DeadLettered++
			} else {
				slog.Debug("mutation retry", "seq", m.Seq, "retries", retries, "err", err)
				if berr := e.store.BumpRetry(m.Seq, err.Error()); berr != nil {
					slog.Error("bump retry", "seq", m.Seq, "err", berr)
				}
			}
			continue
		}

		// Server explicitly rejected it; retrying would never succeed.
		slog.Warn("mutation rejected by server", "seq", m.Seq, "collection", m.Collection, "err", err)
		if aerr := e.store.Abandon(m.Seq, err.Error()); aerr != nil {
			slog.Error("abandon mutation", "seq", m.Seq, "err", aerr)
		}
		res.DeadLettered++
	}
	return nil
}

// confirmMutation removes a confirmed mutation from the queue and folds the
// server's response back into the local store.
func (e *Engine) confirmMutation(m store.Mutation, body json.RawMessage) {
	if err := e.store.RemoveFromQueue(m.Seq); err != nil {
		slog.Error("remove confirmed mutation", "seq", m.Seq, "err", err)
	}

	switch m.Action {
	case entity.ActionCreate:
		// The optimistic record carried a provisional id; swap it for the
		// server's copy.
		if m.RecordID != "" {
			if err := e.store.Delete(m.Collection, m.RecordID); err != nil {
				slog.Warn("drop provisional record", "collection", m.Collection, "id", m.RecordID, "err", err)
			}
		}
		e.putResponse(m.Collection, body)
		e.publish(notify.DataUpdated(m.Collection, string(m.Action), body))
	case entity.ActionUpdate:
		e.putResponse(m.Collection, body)
		e.publish(notify.DataUpdated(m.Collection, string(m.Action), body))
	case entity.ActionDelete:
		if m.RecordID != "" {
			if err := e.store.Delete(m.Collection, m.RecordID); err != nil {
				slog.Warn("delete local record", "collection", m.Collection, "id", m.RecordID, "err", err)
			}
		}
		e.publish(notify.DataUpdated(m.Collection, string(m.Action), nil))
	}
}

// putResponse upserts the record returned by a mutation endpoint, if the
// body parses as a record. The next full refresh corrects any drift.
func (e *Engine) putResponse(collection string, body json.RawMessage) {
	if len(body) == 0 {
		return
	}
	rec, err := entity.DecodeRecord(body)
	if err != nil {
		slog.Debug("mutation response not a record", "collection", collection, "err", err)
		return
	}
	if err := e.store.Put(collection, rec); err != nil {
		slog.Warn("store mutation response", "collection", collection, "id", rec.ID, "err", err)
	}
}
