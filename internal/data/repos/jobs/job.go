package jobs

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/downdeck-backend/internal/domain"
	"github.com/yungbote/downdeck-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/downdeck-backend/internal/pkg/errors"
	"github.com/yungbote/downdeck-backend/internal/platform/logger"
)

// Filter narrows List. Zero values mean "any"; Search matches a
// case-insensitive substring of url or filename.
type Filter struct {
	Status types.JobStatus
	Kind   types.JobKind
	Search string
	Limit  int
	Offset int
}

// ProgressUpdate carries the progress-class fields. Nil pointers leave the
// stored value untouched.
type ProgressUpdate struct {
	Progress   float64
	Stage      *types.JobStage
	Speed      *string
	ETA        *int
	TotalBytes *int64
}

type JobRepo interface {
	Insert(dbc dbctx.Context, job *types.Job) error
	Get(dbc dbctx.Context, id uuid.UUID) (*types.Job, error)
	List(dbc dbctx.Context, f Filter) ([]*types.Job, int64, error)
	ListByStatus(dbc dbctx.Context, status types.JobStatus) ([]*types.Job, error)
	UpdateProgress(dbc dbctx.Context, id uuid.UUID, upd ProgressUpdate) (bool, error)
	UpdateStatus(dbc dbctx.Context, id uuid.UUID, to types.JobStatus, errorCode, errorMessage string) error
	Requeue(dbc dbctx.Context, id uuid.UUID) error
	SetCompleted(dbc dbctx.Context, id uuid.UUID, filename, outputPath string, size *int64) error
	Delete(dbc dbctx.Context, id uuid.UUID) error
	CountByStatus(dbc dbctx.Context) (map[types.JobStatus]int64, error)
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:  db,
		log: baseLog.With("repo", "JobRepo"),
	}
}

func (r *jobRepo) Insert(dbc dbctx.Context, job *types.Job) error {
	transaction := dbc.DB(r.db)
	if job == nil || job.ID == uuid.Nil {
		return pkgerrors.ErrInvalidArgument
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}
	if err := transaction.WithContext(dbc.Ctx).Create(job).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return pkgerrors.ErrConflict
		}
		return err
	}
	return nil
}

func (r *jobRepo) Get(dbc dbctx.Context, id uuid.UUID) (*types.Job, error) {
	transaction := dbc.DB(r.db)
	var job types.Job
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepo) List(dbc dbctx.Context, f Filter) ([]*types.Job, int64, error) {
	transaction := dbc.DB(r.db)

	q := transaction.WithContext(dbc.Ctx).Model(&types.Job{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		pattern := "%" + strings.ToLower(s) + "%"
		q = q.Where("LOWER(url) LIKE ? OR LOWER(filename) LIKE ?", pattern, pattern)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	var out []*types.Job
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *jobRepo) ListByStatus(dbc dbctx.Context, status types.JobStatus) ([]*types.Job, error) {
	transaction := dbc.DB(r.db)
	var out []*types.Job
	if err := transaction.WithContext(dbc.Ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateProgress writes the progress-class fields of a running job. It never
// touches status; a job that already left running loses the write, reported
// by the bool.
func (r *jobRepo) UpdateProgress(dbc dbctx.Context, id uuid.UUID, upd ProgressUpdate) (bool, error) {
	transaction := dbc.DB(r.db)
	if id == uuid.Nil {
		return false, pkgerrors.ErrInvalidArgument
	}

	updates := map[string]interface{}{
		"progress":   clampProgress(upd.Progress),
		"updated_at": time.Now().UTC(),
	}
	if upd.Stage != nil {
		updates["stage"] = *upd.Stage
	}
	if upd.Speed != nil {
		updates["speed"] = *upd.Speed
	}
	if upd.ETA != nil {
		updates["eta"] = *upd.ETA
	}
	if upd.TotalBytes != nil {
		updates["total_bytes"] = *upd.TotalBytes
	}

	res := transaction.WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Where("id = ? AND status = ?", id, types.StatusRunning).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UpdateStatus enforces the state machine with a compare-and-swap on the
// current status, so a concurrent transition loses cleanly instead of
// clobbering. Entering queued resets the progress-class and error fields;
// that is what Retry and Resume mean.
func (r *jobRepo) UpdateStatus(dbc dbctx.Context, id uuid.UUID, to types.JobStatus, errorCode, errorMessage string) error {
	transaction := dbc.DB(r.db)
	if !to.Valid() {
		return pkgerrors.ErrInvalidArgument
	}
	if to == types.StatusCompleted {
		// Completion carries an artifact; it only happens through SetCompleted.
		return pkgerrors.ErrInvalidArgument
	}

	job, err := r.Get(dbc, id)
	if err != nil {
		return err
	}
	if !types.CanTransition(job.Status, to) {
		return pkgerrors.ErrIllegalTransition
	}

	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	switch to {
	case types.StatusQueued:
		updates["progress"] = float64(0)
		updates["stage"] = ""
		updates["speed"] = ""
		updates["eta"] = nil
		updates["error_code"] = ""
		updates["error_message"] = ""
	case types.StatusFailed:
		updates["error_code"] = errorCode
		updates["error_message"] = errorMessage
	}

	res := transaction.WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Where("id = ? AND status = ?", id, job.Status).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.ErrIllegalTransition
	}
	return nil
}

// Requeue returns a running job to the queue without going through the
// state machine. Two callers only: startup reconciliation of rows whose
// worker died, and the retry path between attempts of the same job.
func (r *jobRepo) Requeue(dbc dbctx.Context, id uuid.UUID) error {
	transaction := dbc.DB(r.db)

	res := transaction.WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Where("id = ? AND status = ?", id, types.StatusRunning).
		Updates(map[string]interface{}{
			"status":        types.StatusQueued,
			"stage":         "",
			"progress":      float64(0),
			"speed":         "",
			"eta":           nil,
			"error_code":    "",
			"error_message": "",
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(dbc, id); err != nil {
			return err
		}
		return pkgerrors.ErrIllegalTransition
	}
	return nil
}

// SetCompleted is the atomic terminal-success write: status, progress=100,
// stage=completed and the artifact fields land together, or not at all.
func (r *jobRepo) SetCompleted(dbc dbctx.Context, id uuid.UUID, filename, outputPath string, size *int64) error {
	transaction := dbc.DB(r.db)
	if filename == "" || outputPath == "" {
		return pkgerrors.ErrInvalidArgument
	}

	updates := map[string]interface{}{
		"status":        types.StatusCompleted,
		"stage":         types.StageCompleted,
		"progress":      float64(100),
		"filename":      filename,
		"output_path":   outputPath,
		"error_code":    "",
		"error_message": "",
		"updated_at":    time.Now().UTC(),
	}
	if size != nil {
		updates["total_bytes"] = *size
	}

	res := transaction.WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Where("id = ? AND status = ?", id, types.StatusRunning).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(dbc, id); err != nil {
			return err
		}
		return pkgerrors.ErrIllegalTransition
	}
	return nil
}

// Delete removes a terminal row. Live jobs must be cancelled first.
func (r *jobRepo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	transaction := dbc.DB(r.db)

	res := transaction.WithContext(dbc.Ctx).
		Where("id = ? AND status IN ?", id, []types.JobStatus{
			types.StatusCompleted, types.StatusFailed, types.StatusCancelled,
		}).
		Delete(&types.Job{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(dbc, id); err != nil {
			return err
		}
		return pkgerrors.ErrIllegalTransition
	}
	return nil
}

func (r *jobRepo) CountByStatus(dbc dbctx.Context) (map[types.JobStatus]int64, error) {
	transaction := dbc.DB(r.db)
	var rows []struct {
		Status types.JobStatus
		Count  int64
	}
	if err := transaction.WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[types.JobStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
