package stats

import (
	"errors"
	"time"

	"gorm.io/gorm"

	types "github.com/yungbote/downdeck-backend/internal/domain"
	"github.com/yungbote/downdeck-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/downdeck-backend/internal/pkg/errors"
	"github.com/yungbote/downdeck-backend/internal/platform/logger"
)

type DailyRepo interface {
	RecordSubmitted(dbc dbctx.Context, date string) error
	RecordCompleted(dbc dbctx.Context, date string, bytes int64) error
	RecordFailed(dbc dbctx.Context, date string) error
	Range(dbc dbctx.Context, from, to string) ([]*types.DailyStat, error)
}

type dailyRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDailyRepo(db *gorm.DB, baseLog *logger.Logger) DailyRepo {
	return &dailyRepo{
		db:  db,
		log: baseLog.With("repo", "DailyStatRepo"),
	}
}

func (r *dailyRepo) RecordSubmitted(dbc dbctx.Context, date string) error {
	return r.increment(dbc, date, map[string]interface{}{
		"jobs_total": gorm.Expr("jobs_total + 1"),
	})
}

func (r *dailyRepo) RecordCompleted(dbc dbctx.Context, date string, bytes int64) error {
	return r.increment(dbc, date, map[string]interface{}{
		"jobs_completed": gorm.Expr("jobs_completed + 1"),
		"bytes_total":    gorm.Expr("bytes_total + ?", bytes),
	})
}

func (r *dailyRepo) RecordFailed(dbc dbctx.Context, date string) error {
	return r.increment(dbc, date, map[string]interface{}{
		"jobs_failed": gorm.Expr("jobs_failed + 1"),
	})
}

// increment updates the day's row, creating it on first touch. The
// create/update race resolves by retrying the update after a duplicate-key
// error.
func (r *dailyRepo) increment(dbc dbctx.Context, date string, updates map[string]interface{}) error {
	if date == "" {
		return pkgerrors.ErrInvalidArgument
	}
	transaction := dbc.DB(r.db)
	updates["updated_at"] = time.Now().UTC()

	apply := func() (int64, error) {
		res := transaction.WithContext(dbc.Ctx).
			Model(&types.DailyStat{}).
			Where("date = ?", date).
			Updates(updates)
		return res.RowsAffected, res.Error
	}

	affected, err := apply()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	row := &types.DailyStat{Date: date, UpdatedAt: time.Now().UTC()}
	if err := transaction.WithContext(dbc.Ctx).Create(row).Error; err != nil {
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return err
		}
	}
	_, err = apply()
	return err
}

func (r *dailyRepo) Range(dbc dbctx.Context, from, to string) ([]*types.DailyStat, error) {
	transaction := dbc.DB(r.db)
	var out []*types.DailyStat
	q := transaction.WithContext(dbc.Ctx).Model(&types.DailyStat{})
	if from != "" {
		q = q.Where("date >= ?", from)
	}
	if to != "" {
		q = q.Where("date <= ?", to)
	}
	if err := q.Order("date DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
