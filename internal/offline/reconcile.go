package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonimelisma/rowsync/internal/conflict"
	"github.com/tonimelisma/rowsync/internal/events"
	"github.com/tonimelisma/rowsync/internal/remote"
	"github.com/tonimelisma/rowsync/internal/sheet"
	"github.com/tonimelisma/rowsync/internal/store"
)

// SyncResult summarizes one reconciliation pass.
type SyncResult struct {
	Synced    int
	Conflicts int
	Failed    int
	FollowUps int
	Remaining int
	Aborted   bool
}

// SyncChanges pushes queued changes in batches. Synced and conflicting
// records leave the queue; failed ones stay for the next pass. The queue is
// persisted after every batch. Only one pass runs at a time; a concurrent
// call returns ErrSyncInProgress.
func (q *Queue) SyncChanges(ctx context.Context) (*SyncResult, error) {
	if !q.syncing.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer q.syncing.Store(false)

	q.setStatus(StateSyncing)

	start := q.nowFunc()
	result := &SyncResult{}
	work := q.Pending()

	for lo := 0; lo < len(work); lo += q.cfg.BatchSize {
		if q.abort.Load() || ctx.Err() != nil {
			result.Aborted = true
			break
		}

		hi := min(lo+q.cfg.BatchSize, len(work))
		q.syncBatch(ctx, work[lo:hi], result)
		q.batches.Add(1)

		if err := q.persistQueue(ctx); err != nil {
			q.failPass(err)
			return result, err
		}
	}

	result.Remaining = q.Len()
	q.setStatus(StateIdle)

	if len(work) > 0 {
		q.logger.Info("reconciled offline changes",
			slog.Int("synced", result.Synced),
			slog.Int("conflicts", result.Conflicts),
			slog.Int("failed", result.Failed),
			slog.Int("remaining", result.Remaining),
			slog.Bool("aborted", result.Aborted),
			slog.Duration("elapsed", q.nowFunc().Sub(start)),
		)
	}

	if result.FollowUps > 0 && !result.Aborted && q.Online() {
		q.schedule(q.cfg.Debounce)
	}

	return result, nil
}

func (q *Queue) syncBatch(ctx context.Context, batch []sheet.ChangeRecord, result *SyncResult) {
	var version string
	if q.versions != nil {
		version = q.versions.Version()
	}

	for _, rec := range batch {
		if q.abort.Load() || ctx.Err() != nil {
			result.Aborted = true
			return
		}

		res, err := q.pusher.PushChange(ctx, rec, version)
		if err != nil {
			q.failed.Add(1)
			result.Failed++

			q.logger.Warn("pushing change failed",
				slog.String("change_id", rec.ID),
				slog.String("error", err.Error()),
			)

			// No HTTP response at all: the remote is gone, stop the pass.
			if !remote.IsHTTPError(err) && ctx.Err() == nil && q.bus != nil {
				q.bus.Publish(events.ConnectivityChanged{Online: false, Source: "push"})
			}

			continue
		}

		switch res.Status {
		case remote.PushConflict:
			_, requeued, err := q.resolveConflict(rec, res.ServerValue)
			if err != nil {
				q.logger.Warn("resolving conflict failed",
					slog.String("change_id", rec.ID),
					slog.String("error", err.Error()),
				)
			}

			result.Conflicts++

			if requeued {
				result.FollowUps++
			}
		default:
			q.remove(rec.ID)
			q.synced.Add(1)
			result.Synced++
		}
	}
}

// ResolveConflict settles a change the server rejected as conflicting and
// returns the value kept. Update conflicts write the resolved value into
// the local store; when it differs from the server's value a follow-up
// update carrying it is queued so the server converges too. Create and
// delete conflicts accept the server's state, except under client-wins
// where the change is pushed once more before giving up.
func (q *Queue) ResolveConflict(_ context.Context, rec sheet.ChangeRecord, serverValue any) (any, error) {
	value, _, err := q.resolveConflict(rec, serverValue)
	return value, err
}

// resolveConflict also reports whether anything was left queued for the
// server: a follow-up update or a client-wins re-push.
func (q *Queue) resolveConflict(rec sheet.ChangeRecord, serverValue any) (any, bool, error) {
	strategy := q.resolver.Strategy()
	q.conflicts.Add(1)

	var (
		value    any
		requeued bool
		err      error
	)

	switch rec.Type {
	case sheet.ChangeUpdate:
		value = q.resolver.Resolve(sheet.ConflictRecord{
			Row:         rec.Data.Row,
			Col:         rec.Data.Col,
			LocalValue:  rec.Data.Value,
			ServerValue: serverValue,
			BaseValue:   rec.Data.Base,
		})

		err = q.store.Update(func(tx *store.Tx) error {
			return tx.SetCell(rec.Data.Row, rec.Data.Col, value)
		})
		if err != nil {
			err = fmt.Errorf("offline: writing resolved value for change %s: %w", rec.ID, err)
		}

		q.remove(rec.ID)

		if !sheet.CellsEqual(value, serverValue) {
			q.enqueueFollowUp(rec, value, serverValue)
			requeued = true
		}
	default:
		value = serverValue

		q.mu.Lock()
		retry := strategy == conflict.ClientWins && !q.repushed[rec.ID]
		if retry {
			q.repushed[rec.ID] = true
		} else {
			delete(q.repushed, rec.ID)
		}
		q.mu.Unlock()

		if retry {
			value = rec.Data.Values
			requeued = true
			q.logger.Info("client-wins: re-pushing conflicting change",
				slog.String("change_id", rec.ID),
				slog.String("type", string(rec.Type)),
			)
		} else {
			q.remove(rec.ID)
		}
	}

	q.logger.Info("conflict resolved",
		slog.String("change_id", rec.ID),
		slog.String("type", string(rec.Type)),
		slog.String("strategy", string(strategy)),
		slog.Int("row", rec.Data.Row),
		slog.Int("col", rec.Data.Col),
	)

	if q.bus != nil {
		q.bus.Publish(events.ConflictResolved{
			Row:      rec.Data.Row,
			Col:      rec.Data.Col,
			Strategy: string(strategy),
			Value:    value,
		})
	}

	return value, requeued, err
}

func (q *Queue) enqueueFollowUp(rec sheet.ChangeRecord, value, serverValue any) {
	follow := sheet.ChangeRecord{
		ID:   q.newID(),
		Type: sheet.ChangeUpdate,
		Data: sheet.ChangeData{
			Row:   rec.Data.Row,
			Col:   rec.Data.Col,
			Value: value,
			Base:  serverValue,
		},
		Timestamp: q.nowFunc().UTC(),
	}

	q.mu.Lock()
	q.queue = append(q.queue, follow)
	q.evictLocked()
	q.mu.Unlock()

	q.logger.Debug("queued conflict follow-up",
		slog.String("change_id", follow.ID),
		slog.String("replaces", rec.ID),
	)
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, r := range q.queue {
		if r.ID == id {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			return
		}
	}
}

func (q *Queue) persistQueue(ctx context.Context) error {
	if err := q.state.SaveQueue(ctx, q.Pending()); err != nil {
		return fmt.Errorf("offline: persisting queue: %w", err)
	}

	return nil
}

// failPass marks the reconciler failed and retries after the configured
// delay. The queue itself is left intact.
func (q *Queue) failPass(err error) {
	q.setStatus(StateError)

	q.logger.Error("offline sync failed, will retry",
		slog.Duration("retry_in", q.cfg.RetryDelay),
		slog.String("error", err.Error()),
	)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.timer != nil {
		q.timer.Stop()
	}

	ctx := q.baseCtx
	q.timer = q.afterFunc(q.cfg.RetryDelay, func() {
		q.setStatus(StateIdle)

		if ctx.Err() != nil {
			return
		}

		if _, err := q.SyncChanges(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
			q.logger.Warn("retried sync failed", slog.String("error", err.Error()))
		}
	})
}

// Run sweeps the queue every SweepInterval until ctx is canceled. Scheduled syncs started after Run use ctx.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	q.baseCtx = ctx
	interval := q.cfg.SweepInterval
	q.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			if q.timer != nil {
				q.timer.Stop()
				q.timer = nil
			}
			q.mu.Unlock()

			return nil
		case <-ticker.C:
			q.sweep(ctx)
		}
	}
}

// sweep retries pending changes. While offline it only re-checks the
// server; a successful check flips the queue online, which schedules the
// sync.
func (q *Queue) sweep(ctx context.Context) {
	if q.Len() == 0 {
		return
	}

	if !q.Online() {
		if q.reach == nil {
			return
		}

		if err := q.reach.CheckReachable(ctx); err != nil {
			q.logger.Debug("server still unreachable", slog.String("error", err.Error()))
		}

		return
	}

	_, err := q.SyncChanges(ctx)
	if err != nil && !errors.Is(err, ErrSyncInProgress) {
		q.logger.Warn("sweep sync failed", slog.String("error", err.Error()))
	}
}
