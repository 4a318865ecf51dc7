package queue

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

func newItem(kind types.JobKind, priority int, age time.Duration) *types.QueueItem {
	now := time.Now().UTC()
	return &types.QueueItem{
		JobID:         uuid.New(),
		Kind:          kind,
		Priority:      priority,
		Payload:       datatypes.JSON([]byte(`{}`)),
		MaxAttempts:   2,
		NextAttemptAt: now,
		CreatedAt:     now.Add(-age),
	}
}

func claimNow(t *testing.T, repo ItemRepo, dbc dbctx.Context) *types.QueueItem {
	t.Helper()
	now := time.Now().UTC()
	item, err := repo.Claim(dbc, now, now.Add(-30*time.Second))
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	return item
}

func TestQueueUpsert(t *testing.T) {
	db := testutil.DB(t)
	repo := NewItemRepo(db, testutil.Logger(t))
	dbc := dbctx.New(context.Background())

	item := newItem(types.KindFile, types.PriorityNormal, 0)
	if err := repo.Upsert(dbc, item); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// a live entry for the same job is a conflict
	dup := newItem(types.KindFile, types.PriorityNormal, 0)
	dup.JobID = item.JobID
	if err := repo.Upsert(dbc, dup); !errors.Is(err, pkgerrors.ErrConflict) {
		t.Fatalf("Upsert live dup: err=%v, want ErrConflict", err)
	}

	// a finished entry is recycled in place
	claimed := claimNow(t, repo, dbc)
	if err := repo.Ack(dbc, claimed.ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	recycled := newItem(types.KindFile, types.PriorityHigh, 0)
	recycled.JobID = item.JobID
	if err := repo.Upsert(dbc, recycled); err != nil {
		t.Fatalf("Upsert recycle: %v", err)
	}
	if recycled.ID != item.ID {
		t.Fatalf("recycle created a second row: %s vs %s", recycled.ID, item.ID)
	}
	got, err := repo.GetByJob(dbc, item.JobID)
	if err != nil {
		t.Fatalf("GetByJob: %v", err)
	}
	if got.State != types.QueuePending || got.Attempts != 0 || got.Priority != types.PriorityHigh {
		t.Fatalf("recycled row = %+v", got)
	}
}

func TestQueueClaimOrdering(t *testing.T) {
	db := testutil.DB(t)
	repo := NewItemRepo(db, testutil.Logger(t))
	dbc := dbctx.New(context.Background())

	oldNormal := newItem(types.KindFile, types.PriorityNormal, 3*time.Hour)
	newNormal := newItem(types.KindFile, types.PriorityNormal, 1*time.Hour)
	high := newItem(types.KindYoutube, types.PriorityHigh, 1*time.Minute)
	for _, it := range []*types.QueueItem{newNormal, oldNormal, high} {
		if err := repo.Upsert(dbc, it); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	// priority wins over age, then FIFO within a class
	if got := claimNow(t, repo, dbc); got.JobID != high.JobID {
		t.Fatalf("first claim = %s, want high-priority item", got.JobID)
	}
	if got := claimNow(t, repo, dbc); got.JobID != oldNormal.JobID {
		t.Fatalf("second claim was not FIFO within priority")
	}
	if got := claimNow(t, repo, dbc); got.JobID != newNormal.JobID {
		t.Fatalf("third claim mismatch")
	}

	now := time.Now().UTC()
	if _, err := repo.Claim(dbc, now, now.Add(-30*time.Second)); !errors.Is(err, pkgerrors.ErrQueueEmpty) {
		t.Fatalf("Claim empty: err=%v, want ErrQueueEmpty", err)
	}
}

func TestQueueClaimRespectsNextAttemptAt(t *testing.T) {
	db := testutil.DB(t)
	repo := NewItemRepo(db, testutil.Logger(t))
	dbc := dbctx.New(context.Background())

	item := newItem(types.KindFile, types.PriorityNormal, 0)
	item.NextAttemptAt = time.Now().UTC().Add(1 * time.Hour)
	if err := repo.Upsert(dbc, item); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	now := time.Now().UTC()
	if _, err := repo.Claim(dbc, now, now.Add(-30*time.Second)); !errors.Is(err, pkgerrors.ErrQueueEmpty) {
		t.Fatalf("claimed a backoff-deferred item: %v", err)
	}
	if got, err := repo.Claim(dbc, now.Add(2*time.Hour), now.Add(-30*time.Second)); err != nil || got.JobID != item.JobID {
		t.Fatalf("claim after window: got=%v err=%v", got, err)
	}
}

func TestQueueStaleReservationReclaim(t *testing.T) {
	db := testutil.DB(t)
	repo := NewItemRepo(db, testutil.Logger(t))
	dbc := dbctx.New(context.Background())

	item := newItem(types.KindFile, types.PriorityNormal, 0)
	if err := repo.Upsert(dbc, item); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	first := claimNow(t, repo, dbc)
	if first.Attempts != 1 {
		t.Fatalf("attempts after first claim = %d", first.Attempts)
	}

	// reservation with a live heartbeat is not claimable
	now := time.Now().UTC()
	if _, err := repo.Claim(dbc, now, now.Add(-30*time.Second)); !errors.Is(err, pkgerrors.ErrQueueEmpty) {
		t.Fatalf("reclaimed a live reservation: %v", err)
	}
	live, err := repo.HasLiveReservation(dbc, item.JobID, now.Add(-30*time.Second))
	if err != nil || !live {
		t.Fatalf("HasLiveReservation = %v, %v", live, err)
	}

	// once the heartbeat ages past the window the item is claimable again
	// and the reclaim costs an attempt
	second, err := repo.Claim(dbc, now.Add(1*time.Minute), now.Add(1*time.Minute))
	if err != nil {
		t.Fatalf("stale reclaim: %v", err)
	}
	if second.JobID != item.JobID || second.Attempts != 2 {
		t.Fatalf("stale reclaim = %+v", second)
	}
}

func TestQueueAckRescheduleDead(t *testing.T) {
	db := testutil.DB(t)
	repo := NewItemRepo(db, testutil.Logger(t))
	dbc := dbctx.New(context.Background())

	item := newItem(types.KindFile, types.PriorityNormal, 0)
	if err := repo.Upsert(dbc, item); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	claimed := claimNow(t, repo, dbc)
	next := time.Now().UTC().Add(5 * time.Second)
	if err := repo.Reschedule(dbc, claimed.ID, next, "NETWORK_ERROR"); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	got, _ := repo.GetByJob(dbc, item.JobID)
	if got.State != types.QueuePending || got.LastError != "NETWORK_ERROR" {
		t.Fatalf("rescheduled row = %+v", got)
	}
	if !got.NextAttemptAt.After(time.Now().UTC().Add(2 * time.Second)) {
		t.Fatalf("next_attempt_at not pushed out: %v", got.NextAttemptAt)
	}

	reclaimed, err := repo.Claim(dbc, next.Add(1*time.Second), next.Add(-30*time.Second))
	if err != nil {
		t.Fatalf("Claim after reschedule: %v", err)
	}
	if err := repo.MarkDead(dbc, reclaimed.ID, "NETWORK_ERROR"); err != nil {
		t.Fatalf("MarkDead: %v", err)
	}
	got, _ = repo.GetByJob(dbc, item.JobID)
	if got.State != types.QueueDead {
		t.Fatalf("state = %s, want dead", got.State)
	}

	// terminal queue ops on a non-reserved row are NotFound
	if err := repo.Ack(dbc, reclaimed.ID); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("Ack dead item: err=%v, want ErrNotFound", err)
	}
}

func TestQueueParkRearm(t *testing.T) {
	db := testutil.DB(t)
	repo := NewItemRepo(db, testutil.Logger(t))
	dbc := dbctx.New(context.Background())

	item := newItem(types.KindYoutube, types.PriorityHigh, 0)
	if err := repo.Upsert(dbc, item); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	claimNow(t, repo, dbc)

	if err := repo.Park(dbc, item.JobID); err != nil {
		t.Fatalf("Park: %v", err)
	}
	got, _ := repo.GetByJob(dbc, item.JobID)
	if got.State != types.QueuePending || got.Attempts != 0 {
		t.Fatalf("parked row = %+v (pause must refund the attempt)", got)
	}

	// parked entries are not claimable, even far in the future
	now := time.Now().UTC()
	if _, err := repo.Claim(dbc, now.Add(24*time.Hour), now); !errors.Is(err, pkgerrors.ErrQueueEmpty) {
		t.Fatalf("claimed a parked item: %v", err)
	}

	if err := repo.Rearm(dbc, item.JobID, now); err != nil {
		t.Fatalf("Rearm: %v", err)
	}
	resumed := claimNow(t, repo, dbc)
	if resumed.JobID != item.JobID || resumed.Priority != types.PriorityHigh {
		t.Fatalf("resume lost the original priority: %+v", resumed)
	}
}

func TestQueueRemovePending(t *testing.T) {
	db := testutil.DB(t)
	repo := NewItemRepo(db, testutil.Logger(t))
	dbc := dbctx.New(context.Background())

	item := newItem(types.KindFile, types.PriorityNormal, 0)
	if err := repo.Upsert(dbc, item); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	removed, reserved, err := repo.RemovePending(dbc, item.JobID)
	if err != nil || !removed || reserved {
		t.Fatalf("RemovePending pending: removed=%v reserved=%v err=%v", removed, reserved, err)
	}

	// idempotent on a missing row
	removed, reserved, err = repo.RemovePending(dbc, item.JobID)
	if err != nil || removed || reserved {
		t.Fatalf("RemovePending missing: removed=%v reserved=%v err=%v", removed, reserved, err)
	}

	// a reserved row is reported, not deleted
	second := newItem(types.KindFile, types.PriorityNormal, 0)
	if err := repo.Upsert(dbc, second); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	claimNow(t, repo, dbc)
	removed, reserved, err = repo.RemovePending(dbc, second.JobID)
	if err != nil || removed || !reserved {
		t.Fatalf("RemovePending reserved: removed=%v reserved=%v err=%v", removed, reserved, err)
	}
}

func TestQueueCountByState(t *testing.T) {
	db := testutil.DB(t)
	repo := NewItemRepo(db, testutil.Logger(t))
	dbc := dbctx.New(context.Background())

	for i := 0; i < 2; i++ {
		if err := repo.Upsert(dbc, newItem(types.KindFile, types.PriorityNormal, 0)); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	claimNow(t, repo, dbc)

	counts, err := repo.CountByState(dbc)
	if err != nil {
		t.Fatalf("CountByState: %v", err)
	}
	if counts[types.QueuePending] != 1 || counts[types.QueueReserved] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}
