package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mercatus/mercsync/internal/entity"
	"github.com/mercatus/mercsync/internal/notify"
)

// refresh fetches every collection from the server in parallel and replaces
// the local copies. A failed fetch leaves the cached copy untouched and
// becomes a warning; the result map always covers every collection. Returns
// an error only when the local store itself fails.
func (e *Engine) refresh(ctx context.Context, res *Result) error {
	type outcome struct {
		collection string
		records    []entity.Record
		fresh      bool
		warning    string
		storeErr   error
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	outcomes := make([]outcome, 0, len(e.cfg.Collections))

	for _, collection := range e.cfg.Collections {
		wg.Add(1)
		go func(collection string) {
			defer wg.Done()
			out := outcome{collection: collection}

			recs, err := e.api.FetchCollection(ctx, collection)
			if err != nil {
				out.warning = fmt.Sprintf("%s: %v", collection, err)
				// Fall back to whatever is cached locally.
				cached, cacheErr := e.store.GetAll(collection)
				if cacheErr != nil {
					out.storeErr = cacheErr
				} else {
					out.records = cached
				}
			} else {
				if err := e.store.ReplaceAll(collection, recs); err != nil {
					out.storeErr = err
				} else {
					if err := e.store.SetSyncMeta(collection, time.Now().UTC()); err != nil {
						slog.Warn("set sync meta", "collection", collection, "err", err)
					}
					out.records = recs
					out.fresh = true
				}
			}

			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
		}(collection)
	}
	wg.Wait()

	res.Collections = make(map[string][]entity.Record, len(outcomes))
	for _, out := range outcomes {
		if out.storeErr != nil {
			return fmt.Errorf("refresh %s: %w", out.collection, out.storeErr)
		}
		res.Collections[out.collection] = out.records
		if out.warning != "" {
			res.Warnings = append(res.Warnings, out.warning)
			slog.Warn("partial sync: collection refresh failed", "collection", out.collection)
		} else if out.fresh {
			e.publish(notify.DataUpdated(out.collection, "refresh", nil))
		}
	}
	return nil
}
