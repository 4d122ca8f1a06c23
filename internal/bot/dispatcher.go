package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/SleeplessOne1917/lemmy-bot-sub000/internal/lemmy"
	"github.com/SleeplessOne1917/lemmy-bot-sub000/internal/storage"
)

// ReprocessControl lets a handler decide when, if ever, the item it just
// handled becomes eligible again. Leaving it untouched falls back to the
// configured default delay.
type ReprocessControl struct {
	set          bool
	delayMinutes int
}

// Prevent suppresses any future reprocessing of the item.
func (r *ReprocessControl) Prevent() {
	r.set = true
	r.delayMinutes = 0
}

// After schedules the item to become eligible again after the given
// number of minutes.
func (r *ReprocessControl) After(minutes int) {
	r.set = true
	r.delayMinutes = minutes
}

func (r *ReprocessControl) finalDelay(defaultMinutes int) int {
	if r.set {
		return r.delayMinutes
	}
	return defaultMinutes
}

// dispatchBatch runs one category's fetch batch: federation filter, then
// per-entry dedup lookup, handler invocation, and dedup write-back. The
// store is opened for the batch and closed after. Entries are dispatched
// concurrently; ordering within a batch is not guaranteed.
func (b *Bot) dispatchBatch(ctx context.Context, category lemmy.Category, entries []lemmy.Entry) error {
	entries = b.currentPolicy().Filter(entries)
	if len(entries) == 0 {
		return nil
	}
	store, err := b.backend.Open(ctx)
	if err != nil {
		return fmt.Errorf("open store for %s batch: %w", category, err)
	}
	defer store.Close()

	var wg sync.WaitGroup
	for _, entry := range entries {
		if !b.claimInflight(category, entry.ID) {
			// Already being handled, e.g. the same id arrived via an
			// explicit single-item fetch while this batch was in flight.
			continue
		}
		wg.Add(1)
		go func(entry lemmy.Entry) {
			defer wg.Done()
			defer b.releaseInflight(category, entry.ID)
			if err := b.dispatchEntry(ctx, store, category, entry); err != nil {
				b.log.Printf("handle %s %d: %v", category, entry.ID, err)
			}
		}(entry)
	}
	wg.Wait()
	return nil
}

// dispatchEntry handles a single eligible entry. A handler error skips the
// dedup write so the item is reconsidered the next time it surfaces.
func (b *Bot) dispatchEntry(ctx context.Context, store storage.Store, category lemmy.Category, entry lemmy.Entry) error {
	handler, ok := b.handlers[category]
	if !ok {
		return nil
	}
	info, err := store.GetStorageInfo(ctx, category.TableName(), entry.ID)
	if err != nil {
		return err
	}
	if !info.Eligible(time.Now()) {
		return nil
	}
	reprocess := &ReprocessControl{}
	if err := handler(ctx, entry, reprocess); err != nil {
		return err
	}
	return store.Upsert(ctx, category.TableName(), entry.ID, reprocess.finalDelay(b.cfg.Reprocess.DefaultMinutes))
}

// claimInflight guards against dispatching the same id twice concurrently
// within a category.
func (b *Bot) claimInflight(category lemmy.Category, id int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids, ok := b.inflight[category]
	if !ok {
		ids = map[int64]struct{}{}
		b.inflight[category] = ids
	}
	if _, busy := ids[id]; busy {
		return false
	}
	ids[id] = struct{}{}
	return true
}

func (b *Bot) releaseInflight(category lemmy.Category, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ids, ok := b.inflight[category]; ok {
		delete(ids, id)
	}
}
