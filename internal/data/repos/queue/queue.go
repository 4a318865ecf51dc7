package queue

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/downdeck-backend/internal/domain"
	"github.com/yungbote/downdeck-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/downdeck-backend/internal/pkg/errors"
	"github.com/yungbote/downdeck-backend/internal/platform/logger"
)

// parkedUntil is the next_attempt_at of a paused entry; it keeps the row
// durable but never claimable until Resume re-arms it.
var parkedUntil = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

type ItemRepo interface {
	Upsert(dbc dbctx.Context, item *types.QueueItem) error
	GetByJob(dbc dbctx.Context, jobID uuid.UUID) (*types.QueueItem, error)
	Claim(dbc dbctx.Context, now time.Time, staleBefore time.Time) (*types.QueueItem, error)
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
	Ack(dbc dbctx.Context, id uuid.UUID) error
	Reschedule(dbc dbctx.Context, id uuid.UUID, nextAt time.Time, reason string) error
	MarkDead(dbc dbctx.Context, id uuid.UUID, reason string) error
	Park(dbc dbctx.Context, jobID uuid.UUID) error
	Rearm(dbc dbctx.Context, jobID uuid.UUID, at time.Time) error
	RemovePending(dbc dbctx.Context, jobID uuid.UUID) (removed bool, reserved bool, err error)
	HasLiveReservation(dbc dbctx.Context, jobID uuid.UUID, staleBefore time.Time) (bool, error)
	CountByState(dbc dbctx.Context) (map[types.QueueState]int64, error)
}

type itemRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewItemRepo(db *gorm.DB, baseLog *logger.Logger) ItemRepo {
	return &itemRepo{
		db:  db,
		log: baseLog.With("repo", "QueueItemRepo"),
	}
}

// Upsert enqueues work for a job. One row per job: a finished (done/dead)
// row is recycled into a fresh pending entry, which is what Retry means at
// the queue level. A live row is a conflict.
func (r *itemRepo) Upsert(dbc dbctx.Context, item *types.QueueItem) error {
	transaction := dbc.DB(r.db)
	if item == nil || item.JobID == uuid.Nil {
		return pkgerrors.ErrInvalidArgument
	}

	now := time.Now().UTC()
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	item.State = types.QueuePending
	item.Attempts = 0
	if item.NextAttemptAt.IsZero() {
		item.NextAttemptAt = now
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	existing, err := r.GetByJob(dbc, item.JobID)
	if err != nil && !errors.Is(err, pkgerrors.ErrNotFound) {
		return err
	}
	if existing == nil {
		return transaction.WithContext(dbc.Ctx).Create(item).Error
	}
	if existing.State == types.QueuePending || existing.State == types.QueueReserved {
		return pkgerrors.ErrConflict
	}

	res := transaction.WithContext(dbc.Ctx).
		Model(&types.QueueItem{}).
		Where("id = ? AND state IN ?", existing.ID, []types.QueueState{types.QueueDone, types.QueueDead}).
		Updates(map[string]interface{}{
			"kind":            item.Kind,
			"priority":        item.Priority,
			"payload":         item.Payload,
			"state":           types.QueuePending,
			"attempts":        0,
			"max_attempts":    item.MaxAttempts,
			"next_attempt_at": item.NextAttemptAt,
			"reserved_at":     nil,
			"heartbeat_at":    nil,
			"last_error":      "",
			"updated_at":      now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.ErrConflict
	}
	item.ID = existing.ID
	item.CreatedAt = existing.CreatedAt
	return nil
}

func (r *itemRepo) GetByJob(dbc dbctx.Context, jobID uuid.UUID) (*types.QueueItem, error) {
	transaction := dbc.DB(r.db)
	var item types.QueueItem
	err := transaction.WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Claim reserves the best runnable entry: highest priority first, FIFO
// within a class. A reserved entry whose heartbeat went silent past the
// staleness window is claimable again, and the new claim consumes an
// attempt just like a fresh one.
//
// On postgres the candidate row is locked with SKIP LOCKED so concurrent
// claimers never collide. sqlite serializes writers already; there the
// conditional update's RowsAffected settles the race.
func (r *itemRepo) Claim(dbc dbctx.Context, now time.Time, staleBefore time.Time) (*types.QueueItem, error) {
	transaction := dbc.DB(r.db)

	if transaction.Dialector.Name() == "postgres" {
		var claimed *types.QueueItem
		err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
			var item types.QueueItem
			q := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
				Where(`
          (state = ? AND next_attempt_at <= ?)
          OR (state = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ?)
        `, types.QueuePending, now, types.QueueReserved, staleBefore).
				Order("priority DESC, created_at ASC")
			qErr := q.First(&item).Error
			if errors.Is(qErr, gorm.ErrRecordNotFound) {
				return pkgerrors.ErrQueueEmpty
			}
			if qErr != nil {
				return qErr
			}
			if uErr := txx.Model(&types.QueueItem{}).
				Where("id = ?", item.ID).
				Updates(claimUpdates(now)).Error; uErr != nil {
				return uErr
			}
			item.State = types.QueueReserved
			item.Attempts++
			claimed = &item
			return nil
		})
		if err != nil {
			return nil, err
		}
		return claimed, nil
	}

	var item types.QueueItem
	qErr := transaction.WithContext(dbc.Ctx).
		Where(`
      (state = ? AND next_attempt_at <= ?)
      OR (state = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ?)
    `, types.QueuePending, now, types.QueueReserved, staleBefore).
		Order("priority DESC, created_at ASC").
		First(&item).Error
	if errors.Is(qErr, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrQueueEmpty
	}
	if qErr != nil {
		return nil, qErr
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.QueueItem{}).
		Where("id = ? AND state = ? AND updated_at = ?", item.ID, item.State, item.UpdatedAt).
		Updates(claimUpdates(now))
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Lost the race; the caller's claim loop will come around again.
		return nil, pkgerrors.ErrQueueEmpty
	}
	item.State = types.QueueReserved
	item.Attempts++
	return &item, nil
}

func claimUpdates(now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"state":        types.QueueReserved,
		"attempts":     gorm.Expr("attempts + 1"),
		"reserved_at":  now,
		"heartbeat_at": now,
		"updated_at":   now,
	}
}

func (r *itemRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	transaction := dbc.DB(r.db)
	now := time.Now().UTC()
	return transaction.WithContext(dbc.Ctx).
		Model(&types.QueueItem{}).
		Where("id = ? AND state = ?", id, types.QueueReserved).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

func (r *itemRepo) Ack(dbc dbctx.Context, id uuid.UUID) error {
	transaction := dbc.DB(r.db)
	now := time.Now().UTC()
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.QueueItem{}).
		Where("id = ? AND state = ?", id, types.QueueReserved).
		Updates(map[string]interface{}{
			"state":        types.QueueDone,
			"heartbeat_at": nil,
			"updated_at":   now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.ErrNotFound
	}
	return nil
}

func (r *itemRepo) Reschedule(dbc dbctx.Context, id uuid.UUID, nextAt time.Time, reason string) error {
	transaction := dbc.DB(r.db)
	now := time.Now().UTC()
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.QueueItem{}).
		Where("id = ? AND state = ?", id, types.QueueReserved).
		Updates(map[string]interface{}{
			"state":           types.QueuePending,
			"next_attempt_at": nextAt,
			"reserved_at":     nil,
			"heartbeat_at":    nil,
			"last_error":      reason,
			"updated_at":      now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.ErrNotFound
	}
	return nil
}

func (r *itemRepo) MarkDead(dbc dbctx.Context, id uuid.UUID, reason string) error {
	transaction := dbc.DB(r.db)
	now := time.Now().UTC()
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.QueueItem{}).
		Where("id = ? AND state = ?", id, types.QueueReserved).
		Updates(map[string]interface{}{
			"state":        types.QueueDead,
			"reserved_at":  nil,
			"heartbeat_at": nil,
			"last_error":   reason,
			"updated_at":   now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.ErrNotFound
	}
	return nil
}

// Park converts a reservation back to a pending entry that cannot be
// claimed until Rearm. The attempt consumed by the claim is refunded;
// pausing is not a failure.
func (r *itemRepo) Park(dbc dbctx.Context, jobID uuid.UUID) error {
	transaction := dbc.DB(r.db)
	now := time.Now().UTC()
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.QueueItem{}).
		Where("job_id = ? AND state = ?", jobID, types.QueueReserved).
		Updates(map[string]interface{}{
			"state":           types.QueuePending,
			"attempts":        gorm.Expr("attempts - 1"),
			"next_attempt_at": parkedUntil,
			"reserved_at":     nil,
			"heartbeat_at":    nil,
			"last_error":      "paused",
			"updated_at":      now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.ErrNotFound
	}
	return nil
}

func (r *itemRepo) Rearm(dbc dbctx.Context, jobID uuid.UUID, at time.Time) error {
	transaction := dbc.DB(r.db)
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.QueueItem{}).
		Where("job_id = ? AND state = ?", jobID, types.QueuePending).
		Updates(map[string]interface{}{
			"next_attempt_at": at,
			"last_error":      "",
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.ErrNotFound
	}
	return nil
}

// RemovePending deletes a not-yet-reserved entry. If the entry is currently
// reserved it is left alone and reported, so the caller can go kill the
// running child instead.
func (r *itemRepo) RemovePending(dbc dbctx.Context, jobID uuid.UUID) (bool, bool, error) {
	transaction := dbc.DB(r.db)

	res := transaction.WithContext(dbc.Ctx).
		Where("job_id = ? AND state = ?", jobID, types.QueuePending).
		Delete(&types.QueueItem{})
	if res.Error != nil {
		return false, false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, false, nil
	}

	item, err := r.GetByJob(dbc, jobID)
	if errors.Is(err, pkgerrors.ErrNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return false, item.State == types.QueueReserved, nil
}

func (r *itemRepo) HasLiveReservation(dbc dbctx.Context, jobID uuid.UUID, staleBefore time.Time) (bool, error) {
	transaction := dbc.DB(r.db)
	var count int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.QueueItem{}).
		Where("job_id = ? AND state = ? AND heartbeat_at IS NOT NULL AND heartbeat_at >= ?",
			jobID, types.QueueReserved, staleBefore).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *itemRepo) CountByState(dbc dbctx.Context) (map[types.QueueState]int64, error) {
	transaction := dbc.DB(r.db)
	var rows []struct {
		State types.QueueState
		Count int64
	}
	if err := transaction.WithContext(dbc.Ctx).
		Model(&types.QueueItem{}).
		Select("state, count(*) as count").
		Group("state").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[types.QueueState]int64, len(rows))
	for _, row := range rows {
		out[row.State] = row.Count
	}
	return out, nil
}
