package queue

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	queuerepo "github.com/yungbote/downdeck-backend/internal/data/repos/queue"
	types "github.com/yungbote/downdeck-backend/internal/domain"
	"github.com/yungbote/downdeck-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/downdeck-backend/internal/pkg/errors"
	"github.com/yungbote/downdeck-backend/internal/pkg/httpx"
	"github.com/yungbote/downdeck-backend/internal/platform/logger"
)

const (
	// maxBackoff caps the exponential retry delay.
	maxBackoff = 5 * time.Minute
	// claimPollInterval is the fallback wake-up when no Enqueue/Nack nudges
	// a blocked Reserve; it also picks up stale reservations.
	claimPollInterval = time.Second
)

// Config tunes the broker. Zero values fall back to the defaults below.
type Config struct {
	Concurrency int
	MaxAttempts int
	BackoffBase time.Duration
	Stale       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.Stale <= 0 {
		c.Stale = 30 * time.Second
	}
	return c
}

// Reservation is one claimed work item. The holder must finish with exactly
// one of Ack, Nack or Bury; Park is the pause path and also ends the
// reservation.
type Reservation struct {
	Token       uuid.UUID
	JobID       uuid.UUID
	Kind        types.JobKind
	Payload     datatypes.JSON
	Attempt     int
	MaxAttempts int

	stopHeartbeat chan struct{}
	stopOnce      sync.Once
}

// LastAttempt reports whether a failure now would exhaust the item.
func (r *Reservation) LastAttempt() bool { return r.Attempt >= r.MaxAttempts }

func (r *Reservation) endHeartbeat() {
	r.stopOnce.Do(func() { close(r.stopHeartbeat) })
}

// Broker is the durable work queue: priority classes, FIFO within a class,
// a global slot cap, retry with exponential backoff, and recovery of
// reservations whose holder died. State lives in the queue_items table, so
// it survives an orchestrator restart.
type Broker struct {
	repo  queuerepo.ItemRepo
	log   *logger.Logger
	cfg   Config
	slots chan struct{}
	wake  chan struct{}
}

func NewBroker(repo queuerepo.ItemRepo, baseLog *logger.Logger, cfg Config) *Broker {
	cfg = cfg.withDefaults()
	return &Broker{
		repo:  repo,
		log:   baseLog.With("component", "Broker"),
		cfg:   cfg,
		slots: make(chan struct{}, cfg.Concurrency),
		wake:  make(chan struct{}, 1),
	}
}

// Concurrency reports the global slot cap C.
func (b *Broker) Concurrency() int { return b.cfg.Concurrency }

// Enqueue makes a job's work durable and claimable. One live entry per job;
// re-enqueueing a finished job recycles its row.
func (b *Broker) Enqueue(ctx context.Context, jobID uuid.UUID, kind types.JobKind, priority int, payload datatypes.JSON) error {
	item := &types.QueueItem{
		JobID:       jobID,
		Kind:        kind,
		Priority:    priority,
		Payload:     payload,
		MaxAttempts: b.cfg.MaxAttempts,
	}
	if err := b.repo.Upsert(dbctx.New(ctx), item); err != nil {
		return err
	}
	b.nudge()
	return nil
}

// Reserve blocks until a worker slot is free and a claimable item exists,
// then hands both to the caller. The returned reservation heartbeats in the
// background so other instances see it as live.
func (b *Broker) Reserve(ctx context.Context) (*Reservation, error) {
	select {
	case b.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	ticker := time.NewTicker(claimPollInterval)
	defer ticker.Stop()

	for {
		now := time.Now().UTC()
		item, err := b.repo.Claim(dbctx.New(ctx), now, now.Add(-b.cfg.Stale))
		if err == nil {
			res := &Reservation{
				Token:         item.ID,
				JobID:         item.JobID,
				Kind:          item.Kind,
				Payload:       item.Payload,
				Attempt:       item.Attempts,
				MaxAttempts:   item.MaxAttempts,
				stopHeartbeat: make(chan struct{}),
			}
			go b.heartbeatLoop(res)
			return res, nil
		}
		if !errors.Is(err, pkgerrors.ErrQueueEmpty) {
			b.releaseSlot()
			return nil, err
		}

		select {
		case <-ctx.Done():
			b.releaseSlot()
			return nil, ctx.Err()
		case <-b.wake:
		case <-ticker.C:
		}
	}
}

// Ack marks the reservation done and frees its slot.
func (b *Broker) Ack(ctx context.Context, res *Reservation) error {
	res.endHeartbeat()
	defer b.releaseSlot()
	return b.repo.Ack(dbctx.New(ctx), res.Token)
}

// Nack reports a failed attempt. With attempts remaining the item is
// rescheduled after an exponential backoff; otherwise it is dead. The slot
// is freed either way.
func (b *Broker) Nack(ctx context.Context, res *Reservation, reason string) error {
	res.endHeartbeat()
	defer b.releaseSlot()

	dbc := dbctx.New(ctx)
	if res.Attempt >= res.MaxAttempts {
		b.log.Warn("queue item exhausted", "jobID", res.JobID, "attempts", res.Attempt, "reason", reason)
		return b.repo.MarkDead(dbc, res.Token, reason)
	}
	delay := b.Backoff(res.Attempt)
	b.log.Info("queue item rescheduled", "jobID", res.JobID, "attempt", res.Attempt, "delay", delay, "reason", reason)
	if err := b.repo.Reschedule(dbc, res.Token, time.Now().UTC().Add(delay), reason); err != nil {
		return err
	}
	b.nudge()
	return nil
}

// Bury kills the item regardless of remaining attempts; used for failures
// the taxonomy marks non-retryable.
func (b *Broker) Bury(ctx context.Context, res *Reservation, reason string) error {
	res.endHeartbeat()
	defer b.releaseSlot()
	return b.repo.MarkDead(dbctx.New(ctx), res.Token, reason)
}

// Park converts the reservation into a durable paused entry. No attempt is
// consumed; Resume re-arms it at the original priority.
func (b *Broker) Park(ctx context.Context, res *Reservation) error {
	res.endHeartbeat()
	defer b.releaseSlot()
	return b.repo.Park(dbctx.New(ctx), res.JobID)
}

// Release abandons the reservation without recording an outcome: the item
// goes straight back to pending with its attempt refunded. Shutdown uses
// this so an interrupted run does not count against the retry budget.
func (b *Broker) Release(ctx context.Context, res *Reservation) error {
	res.endHeartbeat()
	defer b.releaseSlot()
	dbc := dbctx.New(ctx)
	if err := b.repo.Park(dbc, res.JobID); err != nil {
		return err
	}
	return b.repo.Rearm(dbc, res.JobID, time.Now().UTC())
}

// Resume re-arms a parked entry so it becomes claimable immediately.
func (b *Broker) Resume(ctx context.Context, jobID uuid.UUID) error {
	if err := b.repo.Rearm(dbctx.New(ctx), jobID, time.Now().UTC()); err != nil {
		return err
	}
	b.nudge()
	return nil
}

// Remove dequeues not-yet-started work. Idempotent: a missing entry is a
// success. The reserved flag tells the caller a worker currently holds the
// job, so cancellation must go through the process kill path instead.
func (b *Broker) Remove(ctx context.Context, jobID uuid.UUID) (reserved bool, err error) {
	_, reserved, err = b.repo.RemovePending(dbctx.New(ctx), jobID)
	return reserved, err
}

// HasLiveReservation reports whether another holder is actively working the
// job; used by startup reconciliation.
func (b *Broker) HasLiveReservation(ctx context.Context, jobID uuid.UUID) (bool, error) {
	staleBefore := time.Now().UTC().Add(-b.cfg.Stale)
	return b.repo.HasLiveReservation(dbctx.New(ctx), jobID, staleBefore)
}

// Depth reports queue entries by state, for metrics and health.
func (b *Broker) Depth(ctx context.Context) (map[types.QueueState]int64, error) {
	return b.repo.CountByState(dbctx.New(ctx))
}

// Backoff computes the delay before attempt n+1: base doubling per attempt
// with ±20% jitter, capped.
func (b *Broker) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(b.cfg.BackoffBase) * math.Pow(2, float64(attempt-1)))
	if d > maxBackoff {
		d = maxBackoff
	}
	return httpx.JitterSleep(d)
}

func (b *Broker) heartbeatLoop(res *Reservation) {
	interval := b.cfg.Stale / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-res.stopHeartbeat:
			return
		case <-ticker.C:
			if err := b.repo.Heartbeat(dbctx.New(context.Background()), res.Token); err != nil {
				b.log.Warn("reservation heartbeat failed", "jobID", res.JobID, "error", err)
			}
		}
	}
}

func (b *Broker) nudge() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Broker) releaseSlot() {
	select {
	case <-b.slots:
	default:
	}
}
