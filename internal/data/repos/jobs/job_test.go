package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/downdeck-backend/internal/data/repos/testutil"
	types "github.com/yungbote/downdeck-backend/internal/domain"
	"github.com/yungbote/downdeck-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/downdeck-backend/internal/pkg/errors"
)

func newTestJob(url string, kind types.JobKind, age time.Duration) *types.Job {
	now := time.Now().UTC()
	return &types.Job{
		ID:        uuid.New(),
		URL:       url,
		Kind:      kind,
		Status:    types.StatusQueued,
		Options:   datatypes.JSON([]byte(`{}`)),
		CreatedAt: now.Add(-age),
		UpdatedAt: now.Add(-age),
	}
}

func TestJobRepoInsertGet(t *testing.T) {
	db := testutil.DB(t)
	repo := NewJobRepo(db, testutil.Logger(t))
	dbc := dbctx.New(context.Background())

	job := newTestJob("https://example.test/a.bin", types.KindFile, 0)
	if err := repo.Insert(dbc, job); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := repo.Get(dbc, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.URL != job.URL || got.Kind != job.Kind || got.Status != types.StatusQueued {
		t.Fatalf("Get returned %+v", got)
	}

	if err := repo.Insert(dbc, job); !errors.Is(err, pkgerrors.ErrConflict) {
		t.Fatalf("duplicate Insert: err=%v, want ErrConflict", err)
	}

	if _, err := repo.Get(dbc, uuid.New()); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("Get missing: err=%v, want ErrNotFound", err)
	}
}

func TestJobRepoList(t *testing.T) {
	db := testutil.DB(t)
	repo := NewJobRepo(db, testutil.Logger(t))
	dbc := dbctx.New(context.Background())

	oldest := newTestJob("https://videos.test/watch?v=1", types.KindYoutube, 3*time.Hour)
	middle := newTestJob("https://example.test/BIG-file.bin", types.KindFile, 2*time.Hour)
	newest := newTestJob("https://example.test/other.bin", types.KindFile, 1*time.Hour)
	newest.Filename = "renamed.bin"
	for _, j := range []*types.Job{oldest, middle, newest} {
		if err := repo.Insert(dbc, j); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	rows, total, err := repo.List(dbc, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 || len(rows) != 3 {
		t.Fatalf("List: total=%d len=%d, want 3/3", total, len(rows))
	}
	if rows[0].ID != newest.ID || rows[2].ID != oldest.ID {
		t.Fatalf("List not ordered by created_at desc")
	}

	rows, total, err = repo.List(dbc, Filter{Kind: types.KindFile})
	if err != nil || total != 2 {
		t.Fatalf("List kind=file: err=%v total=%d", err, total)
	}
	for _, row := range rows {
		if row.Kind != types.KindFile {
			t.Fatalf("List kind filter leaked %s", row.Kind)
		}
	}

	// search is case-insensitive over url and filename
	_, total, err = repo.List(dbc, Filter{Search: "big-FILE"})
	if err != nil || total != 1 {
		t.Fatalf("List search url: err=%v total=%d", err, total)
	}
	_, total, err = repo.List(dbc, Filter{Search: "RENAMED"})
	if err != nil || total != 1 {
		t.Fatalf("List search filename: err=%v total=%d", err, total)
	}

	rows, total, err = repo.List(dbc, Filter{Limit: 2, Offset: 2})
	if err != nil || total != 3 || len(rows) != 1 {
		t.Fatalf("List page 2: err=%v total=%d len=%d", err, total, len(rows))
	}
}

func TestJobRepoUpdateProgress(t *testing.T) {
	db := testutil.DB(t)
	repo := NewJobRepo(db, testutil.Logger(t))
	dbc := dbctx.New(context.Background())

	job := newTestJob("https://example.test/a.bin", types.KindFile, 0)
	if err := repo.Insert(dbc, job); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// progress writes do not apply to queued jobs
	applied, err := repo.UpdateProgress(dbc, job.ID, ProgressUpdate{Progress: 10})
	if err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if applied {
		t.Fatal("UpdateProgress applied to a queued job")
	}

	if err := repo.UpdateStatus(dbc, job.ID, types.StatusRunning, "", ""); err != nil {
		t.Fatalf("UpdateStatus running: %v", err)
	}

	stage := types.StageDownload
	speed := "2.5 MB/s"
	eta := 42
	total := int64(10485760)
	applied, err = repo.UpdateProgress(dbc, job.ID, ProgressUpdate{
		Progress: 37.5, Stage: &stage, Speed: &speed, ETA: &eta, TotalBytes: &total,
	})
	if err != nil || !applied {
		t.Fatalf("UpdateProgress: applied=%v err=%v", applied, err)
	}

	got, err := repo.Get(dbc, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Progress != 37.5 || got.Stage != types.StageDownload || got.Speed != speed {
		t.Fatalf("progress fields not persisted: %+v", got)
	}
	if got.ETA == nil || *got.ETA != eta || got.TotalBytes == nil || *got.TotalBytes != total {
		t.Fatalf("eta/totalBytes not persisted: %+v", got)
	}
	if got.Status != types.StatusRunning {
		t.Fatalf("UpdateProgress changed status to %s", got.Status)
	}

	// clamp
	if _, err := repo.UpdateProgress(dbc, job.ID, ProgressUpdate{Progress: 250}); err != nil {
		t.Fatalf("UpdateProgress clamp: %v", err)
	}
	got, _ = repo.Get(dbc, job.ID)
	if got.Progress != 100 {
		t.Fatalf("progress = %v, want clamped 100", got.Progress)
	}
}

func TestJobRepoUpdateStatus(t *testing.T) {
	db := testutil.DB(t)
	repo := NewJobRepo(db, testutil.Logger(t))
	dbc := dbctx.New(context.Background())

	job := newTestJob("https://example.test/a.bin", types.KindFile, 0)
	if err := repo.Insert(dbc, job); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := repo.UpdateStatus(dbc, job.ID, types.StatusCompleted, "", ""); !errors.Is(err, pkgerrors.ErrInvalidArgument) {
		t.Fatalf("UpdateStatus(completed) err=%v, want ErrInvalidArgument", err)
	}

	if err := repo.UpdateStatus(dbc, job.ID, types.StatusPaused, "", ""); !errors.Is(err, pkgerrors.ErrIllegalTransition) {
		t.Fatalf("queued->paused err=%v, want ErrIllegalTransition", err)
	}

	if err := repo.UpdateStatus(dbc, job.ID, types.StatusRunning, "", ""); err != nil {
		t.Fatalf("queued->running: %v", err)
	}
	if _, err := repo.UpdateProgress(dbc, job.ID, ProgressUpdate{Progress: 60}); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if err := repo.UpdateStatus(dbc, job.ID, types.StatusFailed, string(types.CodeNetworkError), "tcp reset"); err != nil {
		t.Fatalf("running->failed: %v", err)
	}

	got, _ := repo.Get(dbc, job.ID)
	if got.ErrorCode != string(types.CodeNetworkError) || got.ErrorMessage != "tcp reset" {
		t.Fatalf("failed fields not set: %+v", got)
	}

	// retry resets progress and error fields
	if err := repo.UpdateStatus(dbc, job.ID, types.StatusQueued, "", ""); err != nil {
		t.Fatalf("failed->queued: %v", err)
	}
	got, _ = repo.Get(dbc, job.ID)
	if got.Progress != 0 || got.Stage != "" || got.ErrorCode != "" || got.ErrorMessage != "" {
		t.Fatalf("retry did not reset fields: %+v", got)
	}

	if err := repo.UpdateStatus(dbc, uuid.New(), types.StatusRunning, "", ""); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("UpdateStatus missing: err=%v, want ErrNotFound", err)
	}
}

func TestJobRepoSetCompleted(t *testing.T) {
	db := testutil.DB(t)
	repo := NewJobRepo(db, testutil.Logger(t))
	dbc := dbctx.New(context.Background())

	job := newTestJob("https://example.test/a.bin", types.KindFile, 0)
	if err := repo.Insert(dbc, job); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// completion from queued is illegal
	size := int64(10485760)
	err := repo.SetCompleted(dbc, job.ID, "a.bin", "/data/"+job.ID.String()+"/a.bin", &size)
	if !errors.Is(err, pkgerrors.ErrIllegalTransition) {
		t.Fatalf("SetCompleted from queued: err=%v, want ErrIllegalTransition", err)
	}

	if err := repo.UpdateStatus(dbc, job.ID, types.StatusRunning, "", ""); err != nil {
		t.Fatalf("queued->running: %v", err)
	}
	if err := repo.SetCompleted(dbc, job.ID, "a.bin", "/data/"+job.ID.String()+"/a.bin", &size); err != nil {
		t.Fatalf("SetCompleted: %v", err)
	}

	got, _ := repo.Get(dbc, job.ID)
	if got.Status != types.StatusCompleted || got.Progress != 100 || got.Stage != types.StageCompleted {
		t.Fatalf("completed invariants violated: %+v", got)
	}
	if got.OutputPath == "" || got.Filename != "a.bin" || got.TotalBytes == nil || *got.TotalBytes != size {
		t.Fatalf("artifact fields not set: %+v", got)
	}
	if got.ErrorCode != "" || got.ErrorMessage != "" {
		t.Fatalf("completed row carries error fields: %+v", got)
	}

	// terminal is sticky
	if err := repo.UpdateStatus(dbc, job.ID, types.StatusQueued, "", ""); !errors.Is(err, pkgerrors.ErrIllegalTransition) {
		t.Fatalf("completed->queued err=%v, want ErrIllegalTransition", err)
	}

	if err := repo.SetCompleted(dbc, uuid.New(), "x", "/data/x", nil); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("SetCompleted missing: err=%v, want ErrNotFound", err)
	}
}

func TestJobRepoDelete(t *testing.T) {
	db := testutil.DB(t)
	repo := NewJobRepo(db, testutil.Logger(t))
	dbc := dbctx.New(context.Background())

	job := newTestJob("https://example.test/a.bin", types.KindFile, 0)
	if err := repo.Insert(dbc, job); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := repo.Delete(dbc, job.ID); !errors.Is(err, pkgerrors.ErrIllegalTransition) {
		t.Fatalf("Delete live job: err=%v, want ErrIllegalTransition", err)
	}

	if err := repo.UpdateStatus(dbc, job.ID, types.StatusCancelled, "", ""); err != nil {
		t.Fatalf("queued->cancelled: %v", err)
	}
	if err := repo.Delete(dbc, job.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.Get(dbc, job.ID); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("Get after delete: err=%v, want ErrNotFound", err)
	}
	if err := repo.Delete(dbc, job.ID); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("Delete missing: err=%v, want ErrNotFound", err)
	}
}

func TestJobRepoCountByStatus(t *testing.T) {
	db := testutil.DB(t)
	repo := NewJobRepo(db, testutil.Logger(t))
	dbc := dbctx.New(context.Background())

	for i := 0; i < 3; i++ {
		if err := repo.Insert(dbc, newTestJob("https://example.test/q", types.KindFile, 0)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	running := newTestJob("https://example.test/r", types.KindFile, 0)
	if err := repo.Insert(dbc, running); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := repo.UpdateStatus(dbc, running.ID, types.StatusRunning, "", ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	counts, err := repo.CountByStatus(dbc)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[types.StatusQueued] != 3 || counts[types.StatusRunning] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestJobRepoRequeue(t *testing.T) {
	db := testutil.DB(t)
	repo := NewJobRepo(db, testutil.Logger(t))
	dbc := dbctx.New(context.Background())

	job := newTestJob("https://example.test/requeue.bin", types.KindFile, 0)
	if err := repo.Insert(dbc, job); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := repo.UpdateStatus(dbc, job.ID, types.StatusRunning, "", ""); err != nil {
		t.Fatalf("to running: %v", err)
	}
	stage := types.StageDownload
	if _, err := repo.UpdateProgress(dbc, job.ID, ProgressUpdate{Progress: 40, Stage: &stage}); err != nil {
		t.Fatalf("progress: %v", err)
	}

	if err := repo.Requeue(dbc, job.ID); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	got, err := repo.Get(dbc, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != types.StatusQueued || got.Progress != 0 || got.Stage != "" {
		t.Fatalf("after Requeue: %+v", got)
	}

	// Only running rows requeue.
	if err := repo.Requeue(dbc, job.ID); !errors.Is(err, pkgerrors.ErrIllegalTransition) {
		t.Fatalf("Requeue queued: err=%v, want ErrIllegalTransition", err)
	}
	if err := repo.Requeue(dbc, uuid.New()); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("Requeue missing: err=%v, want ErrNotFound", err)
	}
}
