package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	queuerepo "github.com/yungbote/downdeck-backend/internal/data/repos/queue"
	"github.com/yungbote/downdeck-backend/internal/data/repos/testutil"
	types "github.com/yungbote/downdeck-backend/internal/domain"
)

func newBroker(t *testing.T, cfg Config) *Broker {
	t.Helper()
	db := testutil.DB(t)
	repo := queuerepo.NewItemRepo(db, testutil.Logger(t))
	return NewBroker(repo, testutil.Logger(t), cfg)
}

func reserveOne(t *testing.T, b *Broker, timeout time.Duration) *Reservation {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	res, err := b.Reserve(ctx)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	return res
}

func TestBrokerEnqueueReserveAck(t *testing.T) {
	b := newBroker(t, Config{Concurrency: 1})
	ctx := context.Background()

	jobID := uuid.New()
	if err := b.Enqueue(ctx, jobID, types.KindFile, types.PriorityNormal, datatypes.JSON([]byte(`{"url":"x"}`))); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	res := reserveOne(t, b, time.Second)
	if res.JobID != jobID || res.Attempt != 1 {
		t.Fatalf("reservation = %+v", res)
	}
	if err := b.Ack(ctx, res); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	depth, err := b.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth[types.QueueDone] != 1 {
		t.Fatalf("depth = %+v, want one done", depth)
	}
}

func TestBrokerPriorityThenFIFO(t *testing.T) {
	b := newBroker(t, Config{Concurrency: 3})
	ctx := context.Background()

	normalFirst := uuid.New()
	normalSecond := uuid.New()
	high := uuid.New()
	if err := b.Enqueue(ctx, normalFirst, types.KindFile, types.PriorityNormal, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := b.Enqueue(ctx, normalSecond, types.KindTwitter, types.PriorityNormal, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := b.Enqueue(ctx, high, types.KindYoutube, types.PriorityHigh, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	want := []uuid.UUID{high, normalFirst, normalSecond}
	for i, wantID := range want {
		res := reserveOne(t, b, time.Second)
		if res.JobID != wantID {
			t.Fatalf("reserve %d: got %s want %s", i, res.JobID, wantID)
		}
		if err := b.Ack(ctx, res); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}
}

func TestBrokerConcurrencyCap(t *testing.T) {
	const slotCap = 2
	b := newBroker(t, Config{Concurrency: slotCap})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := b.Enqueue(ctx, uuid.New(), types.KindFile, types.PriorityNormal, nil); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			res, err := b.Reserve(rctx)
			if err != nil {
				return
			}
			cur := active.Add(1)
			for {
				prev := maxActive.Load()
				if cur <= prev || maxActive.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			active.Add(-1)
			_ = b.Ack(ctx, res)
		}()
	}
	wg.Wait()

	if got := maxActive.Load(); got > slotCap {
		t.Fatalf("observed %d concurrent reservations, cap is %d", got, slotCap)
	}
}

func TestBrokerNackBackoffThenDead(t *testing.T) {
	b := newBroker(t, Config{Concurrency: 1, MaxAttempts: 2, BackoffBase: 20 * time.Millisecond})
	ctx := context.Background()

	jobID := uuid.New()
	if err := b.Enqueue(ctx, jobID, types.KindFile, types.PriorityNormal, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	res := reserveOne(t, b, time.Second)
	if res.LastAttempt() {
		t.Fatalf("first attempt reported as last")
	}
	if err := b.Nack(ctx, res, "network error"); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	// Second attempt becomes claimable after the backoff window.
	res = reserveOne(t, b, 2*time.Second)
	if res.Attempt != 2 || !res.LastAttempt() {
		t.Fatalf("second reservation = %+v", res)
	}
	if err := b.Nack(ctx, res, "network error"); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	depth, err := b.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth[types.QueueDead] != 1 {
		t.Fatalf("depth = %+v, want one dead", depth)
	}
}

func TestBrokerBackoffWindow(t *testing.T) {
	b := newBroker(t, Config{BackoffBase: 5 * time.Second})

	for i := 0; i < 50; i++ {
		first := b.Backoff(1)
		if first < 4*time.Second || first > 6*time.Second {
			t.Fatalf("first backoff %v outside 5s ± 20%%", first)
		}
		second := b.Backoff(2)
		if second < 8*time.Second || second > 12*time.Second {
			t.Fatalf("second backoff %v outside 10s ± 20%%", second)
		}
	}
}

func TestBrokerParkResume(t *testing.T) {
	b := newBroker(t, Config{Concurrency: 1, MaxAttempts: 2})
	ctx := context.Background()

	jobID := uuid.New()
	if err := b.Enqueue(ctx, jobID, types.KindYoutube, types.PriorityHigh, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	res := reserveOne(t, b, time.Second)
	if err := b.Park(ctx, res); err != nil {
		t.Fatalf("Park: %v", err)
	}

	// Parked work is durable but never claimable.
	rctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	if _, err := b.Reserve(rctx); err == nil {
		cancel()
		t.Fatalf("reserved a parked item")
	}
	cancel()

	if err := b.Resume(ctx, jobID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	res = reserveOne(t, b, time.Second)
	if res.JobID != jobID {
		t.Fatalf("resumed reservation is for %s", res.JobID)
	}
	// Pausing refunded the claim's attempt.
	if res.Attempt != 1 {
		t.Fatalf("attempt after pause/resume = %d, want 1", res.Attempt)
	}
}

func TestBrokerRemoveIdempotent(t *testing.T) {
	b := newBroker(t, Config{Concurrency: 1})
	ctx := context.Background()

	jobID := uuid.New()
	if err := b.Enqueue(ctx, jobID, types.KindFile, types.PriorityNormal, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	reserved, err := b.Remove(ctx, jobID)
	if err != nil || reserved {
		t.Fatalf("Remove = (%v, %v)", reserved, err)
	}
	// Second removal of absent work still succeeds.
	reserved, err = b.Remove(ctx, jobID)
	if err != nil || reserved {
		t.Fatalf("second Remove = (%v, %v)", reserved, err)
	}
}

func TestBrokerRemoveReportsReserved(t *testing.T) {
	b := newBroker(t, Config{Concurrency: 1})
	ctx := context.Background()

	jobID := uuid.New()
	if err := b.Enqueue(ctx, jobID, types.KindFile, types.PriorityNormal, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	res := reserveOne(t, b, time.Second)

	reserved, err := b.Remove(ctx, jobID)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !reserved {
		t.Fatalf("Remove did not report the live reservation")
	}
	_ = b.Ack(ctx, res)
}

func TestBrokerDurabilityAcrossRestart(t *testing.T) {
	db := testutil.DB(t)
	repo := queuerepo.NewItemRepo(db, testutil.Logger(t))
	ctx := context.Background()

	first := NewBroker(repo, testutil.Logger(t), Config{Concurrency: 1})
	jobID := uuid.New()
	if err := first.Enqueue(ctx, jobID, types.KindFile, types.PriorityNormal, datatypes.JSON([]byte(`{"k":"v"}`))); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// A fresh broker over the same store sees the pending item.
	second := NewBroker(repo, testutil.Logger(t), Config{Concurrency: 1})
	res := reserveOne(t, second, time.Second)
	if res.JobID != jobID || string(res.Payload) != `{"k":"v"}` {
		t.Fatalf("restarted broker reservation = %+v", res)
	}
	_ = second.Ack(ctx, res)
}

func TestBrokerReleaseRefundsAttempt(t *testing.T) {
	b := newBroker(t, Config{Concurrency: 1, MaxAttempts: 2})
	ctx := context.Background()

	jobID := uuid.New()
	if err := b.Enqueue(ctx, jobID, types.KindFile, types.PriorityNormal, datatypes.JSON([]byte(`{}`))); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	res := reserveOne(t, b, time.Second)
	if res.Attempt != 1 {
		t.Fatalf("attempt = %d", res.Attempt)
	}
	if err := b.Release(ctx, res); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// The item is immediately claimable again and the abandoned attempt did
	// not count against the budget.
	res2 := reserveOne(t, b, time.Second)
	if res2.JobID != jobID || res2.Attempt != 1 {
		t.Fatalf("re-reservation = %+v", res2)
	}
	if err := b.Ack(ctx, res2); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}
