package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/downdeck-backend/internal/adapters"
	jobsrepo "github.com/yungbote/downdeck-backend/internal/data/repos/jobs"
	statsrepo "github.com/yungbote/downdeck-backend/internal/data/repos/stats"
	types "github.com/yungbote/downdeck-backend/internal/domain"
	"github.com/yungbote/downdeck-backend/internal/observability"
	"github.com/yungbote/downdeck-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/downdeck-backend/internal/pkg/errors"
	"github.com/yungbote/downdeck-backend/internal/platform/logger"
	"github.com/yungbote/downdeck-backend/internal/queue"
	"github.com/yungbote/downdeck-backend/internal/supervisor"
)

// Teardown causes distinguish why a running attempt's context was cancelled.
var (
	errPauseRequested  = errors.New("pause requested")
	errCancelRequested = errors.New("cancel requested")
)

// Runner executes one attempt of one job. *supervisor.Supervisor is the
// production implementation.
type Runner interface {
	Run(ctx context.Context, job *types.Job) (*supervisor.Result, error)
	CanRun(kind types.JobKind) bool
}

// EventSink is the slice of the progress pipeline the orchestrator needs:
// terminal writes and announcements of transitions it persisted itself.
type EventSink interface {
	OnCompleted(evt types.CompletedEvent) error
	OnFailed(evt types.FailedEvent) error
	Announce(evt types.JobUpdateEvent)
	Forget(jobID uuid.UUID)
}

// Orchestrator is the facade over the whole download lifecycle: submissions
// enter here, worker loops claim them from the broker, the supervisor runs
// them, and every transition funnels through the job repo's state machine.
type Orchestrator struct {
	jobs   jobsrepo.JobRepo
	stats  statsrepo.DailyRepo
	broker *queue.Broker
	runner Runner
	sink   EventSink
	log    *logger.Logger

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelCauseFunc

	wg sync.WaitGroup
}

func New(jobs jobsrepo.JobRepo, stats statsrepo.DailyRepo, broker *queue.Broker, runner Runner, sink EventSink, baseLog *logger.Logger) *Orchestrator {
	return &Orchestrator{
		jobs:    jobs,
		stats:   stats,
		broker:  broker,
		runner:  runner,
		sink:    sink,
		log:     baseLog.With("component", "Orchestrator"),
		running: make(map[uuid.UUID]context.CancelCauseFunc),
	}
}

// Submit validates the request, resolves auto-detection, persists the job
// and makes it claimable. The returned job is the queued row.
func (o *Orchestrator) Submit(ctx context.Context, req *types.SubmitRequest) (*types.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.Kind = adapters.EffectiveKind(req.Kind, req.URL)
	if !o.runner.CanRun(req.Kind) {
		return nil, &types.CodedError{
			Code:    types.CodeInvalidInput,
			Message: fmt.Sprintf("no downloader configured for kind %q", req.Kind),
		}
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	job := &types.Job{
		ID:      uuid.New(),
		URL:     req.URL,
		Kind:    req.Kind,
		Status:  types.StatusQueued,
		Stage:   types.StageQueue,
		Options: raw,
	}

	dbc := dbctx.New(ctx)
	if err := o.jobs.Insert(dbc, job); err != nil {
		return nil, err
	}
	if err := o.broker.Enqueue(ctx, job.ID, job.Kind, types.PriorityFor(job.Kind), raw); err != nil {
		return nil, err
	}
	if err := o.stats.RecordSubmitted(dbc, types.StatDate(time.Now())); err != nil {
		o.log.Warn("stat rollup failed", "op", "submitted", "error", err)
	}

	observability.Current().IncJobSubmitted(job.Kind)
	o.log.Info("job submitted", "jobID", job.ID, "kind", job.Kind, "url", job.URL)
	return job, nil
}

func (o *Orchestrator) Get(ctx context.Context, id uuid.UUID) (*types.Job, error) {
	return o.jobs.Get(dbctx.New(ctx), id)
}

func (o *Orchestrator) List(ctx context.Context, f jobsrepo.Filter) ([]*types.Job, int64, error) {
	return o.jobs.List(dbctx.New(ctx), f)
}

// Delete removes a terminal job row. The artifact on disk stays; the
// library outlives its download history.
func (o *Orchestrator) Delete(ctx context.Context, id uuid.UUID) error {
	return o.jobs.Delete(dbctx.New(ctx), id)
}

func (o *Orchestrator) Stats(ctx context.Context, from, to string) ([]*types.DailyStat, error) {
	return o.stats.Range(dbctx.New(ctx), from, to)
}

// Counts reports jobs by status, for the health surface.
func (o *Orchestrator) Counts(ctx context.Context) (map[types.JobStatus]int64, error) {
	return o.jobs.CountByStatus(dbctx.New(ctx))
}

// Depth reports queue entries by state.
func (o *Orchestrator) Depth(ctx context.Context) (map[types.QueueState]int64, error) {
	return o.broker.Depth(ctx)
}

// Cancel stops a job wherever it is: queued work is dequeued and flipped,
// a running child is torn down by its worker, paused entries are removed.
// Cancelling an already cancelled job is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) error {
	job, err := o.jobs.Get(dbctx.New(ctx), id)
	if err != nil {
		return err
	}

	switch job.Status {
	case types.StatusCancelled:
		return nil
	case types.StatusCompleted, types.StatusFailed:
		return pkgerrors.ErrIllegalTransition

	case types.StatusQueued:
		reserved, err := o.broker.Remove(ctx, id)
		if err != nil {
			return err
		}
		if reserved {
			// A worker claimed it between our read and the remove; it will
			// flip the status once the teardown lands.
			if o.signal(id, errCancelRequested) {
				return nil
			}
		}
		return o.cancelFlip(ctx, job)

	case types.StatusPaused:
		if _, err := o.broker.Remove(ctx, id); err != nil {
			return err
		}
		return o.cancelFlip(ctx, job)

	case types.StatusRunning:
		if o.signal(id, errCancelRequested) {
			return nil
		}
		// No local worker owns it (interrupted by a crash); flip directly.
		return o.cancelFlip(ctx, job)
	}
	return pkgerrors.ErrIllegalTransition
}

func (o *Orchestrator) cancelFlip(ctx context.Context, job *types.Job) error {
	if err := o.flip(ctx, job.ID, types.StatusCancelled); err != nil {
		return err
	}
	observability.Current().IncJobCancelled(job.Kind)
	return nil
}

// Pause suspends a running job. The worker parks the queue entry and flips
// the status once the child is down; Pause itself just signals.
func (o *Orchestrator) Pause(ctx context.Context, id uuid.UUID) error {
	job, err := o.jobs.Get(dbctx.New(ctx), id)
	if err != nil {
		return err
	}
	if job.Status != types.StatusRunning {
		return pkgerrors.ErrIllegalTransition
	}
	if o.signal(id, errPauseRequested) {
		return nil
	}
	return o.flip(ctx, id, types.StatusPaused)
}

// Resume re-arms a paused job at its original priority.
func (o *Orchestrator) Resume(ctx context.Context, id uuid.UUID) error {
	dbc := dbctx.New(ctx)
	job, err := o.jobs.Get(dbc, id)
	if err != nil {
		return err
	}
	if job.Status != types.StatusPaused {
		return pkgerrors.ErrIllegalTransition
	}
	if err := o.jobs.UpdateStatus(dbc, id, types.StatusQueued, "", ""); err != nil {
		return err
	}
	if err := o.broker.Resume(ctx, id); err != nil {
		if !errors.Is(err, pkgerrors.ErrNotFound) {
			return err
		}
		// The parked entry is gone; enqueue fresh.
		if err := o.broker.Enqueue(ctx, id, job.Kind, types.PriorityFor(job.Kind), job.Options); err != nil {
			return err
		}
	}
	o.sink.Announce(types.JobUpdateEvent{JobID: id, Status: types.StatusQueued})
	return nil
}

// Retry gives a failed or cancelled job a fresh attempt budget.
func (o *Orchestrator) Retry(ctx context.Context, id uuid.UUID) error {
	dbc := dbctx.New(ctx)
	job, err := o.jobs.Get(dbc, id)
	if err != nil {
		return err
	}
	if job.Status != types.StatusFailed && job.Status != types.StatusCancelled {
		return pkgerrors.ErrIllegalTransition
	}
	if err := o.jobs.UpdateStatus(dbc, id, types.StatusQueued, "", ""); err != nil {
		return err
	}
	if err := o.broker.Enqueue(ctx, id, job.Kind, types.PriorityFor(job.Kind), job.Options); err != nil {
		return err
	}
	o.sink.Announce(types.JobUpdateEvent{JobID: id, Status: types.StatusQueued})
	observability.Current().IncJobRetried(job.Kind)
	o.log.Info("job retried", "jobID", id)
	return nil
}

// Start reconciles state left by the previous process, then launches one
// worker loop per slot. It returns immediately; Wait blocks for teardown.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.reconcile(ctx); err != nil {
		return err
	}
	for i := 0; i < o.broker.Concurrency(); i++ {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.workerLoop(ctx)
		}()
	}
	o.log.Info("workers started", "slots", o.broker.Concurrency())
	return nil
}

// Wait blocks until every worker has drained after Start's context ended.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// reconcile returns interrupted running jobs to the queue. Jobs another
// live instance is heartbeating are left alone.
func (o *Orchestrator) reconcile(ctx context.Context) error {
	dbc := dbctx.New(ctx)
	orphans, err := o.jobs.ListByStatus(dbc, types.StatusRunning)
	if err != nil {
		return err
	}
	for _, job := range orphans {
		live, err := o.broker.HasLiveReservation(ctx, job.ID)
		if err != nil {
			return err
		}
		if live {
			continue
		}
		if err := o.jobs.Requeue(dbc, job.ID); err != nil {
			o.log.Warn("reconcile requeue failed", "jobID", job.ID, "error", err)
			continue
		}
		if err := o.broker.Enqueue(ctx, job.ID, job.Kind, types.PriorityFor(job.Kind), job.Options); err != nil && !errors.Is(err, pkgerrors.ErrConflict) {
			o.log.Warn("reconcile enqueue failed", "jobID", job.ID, "error", err)
			continue
		}
		o.log.Info("interrupted job requeued", "jobID", job.ID)
	}
	return nil
}

func (o *Orchestrator) workerLoop(ctx context.Context) {
	for {
		res, err := o.broker.Reserve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.log.Error("reserve failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		o.runReservation(ctx, res)
	}
}

// runReservation drives one claimed attempt end to end and settles both
// the job row and the queue item with exactly one outcome.
func (o *Orchestrator) runReservation(ctx context.Context, res *queue.Reservation) {
	dbc := dbctx.New(context.Background())

	job, err := o.jobs.Get(dbc, res.JobID)
	if err != nil {
		o.log.Warn("claimed job missing, dropping", "jobID", res.JobID, "error", err)
		_ = o.broker.Ack(ctx, res)
		return
	}
	if err := o.jobs.UpdateStatus(dbc, job.ID, types.StatusRunning, "", ""); err != nil {
		// Cancelled (or otherwise moved on) between enqueue and claim.
		o.log.Info("claimed job no longer runnable", "jobID", job.ID, "status", job.Status, "error", err)
		_ = o.broker.Ack(ctx, res)
		return
	}
	job.Status = types.StatusRunning
	o.sink.Announce(types.JobUpdateEvent{JobID: job.ID, Status: types.StatusRunning})

	runCtx, cancel := context.WithCancelCause(ctx)
	o.track(job.ID, cancel)
	observability.Current().RunningSlotInc()
	started := time.Now()
	result, runErr := o.runner.Run(runCtx, job)
	observability.Current().RunningSlotDec()
	o.untrack(job.ID)
	cancel(nil)

	switch {
	case runErr == nil:
		observability.Current().ObserveAttempt(job.Kind, "completed", time.Since(started))
		o.settleCompleted(dbc, res, job, result)

	case errors.Is(runErr, errPauseRequested):
		observability.Current().ObserveAttempt(job.Kind, "paused", time.Since(started))
		o.sink.Forget(job.ID)
		if err := o.broker.Park(context.Background(), res); err != nil {
			o.log.Error("park failed", "jobID", job.ID, "error", err)
		}
		if err := o.flip(context.Background(), job.ID, types.StatusPaused); err != nil {
			o.log.Error("pause flip failed", "jobID", job.ID, "error", err)
		}

	case errors.Is(runErr, errCancelRequested):
		observability.Current().ObserveAttempt(job.Kind, "cancelled", time.Since(started))
		o.sink.Forget(job.ID)
		if err := o.broker.Bury(context.Background(), res, "cancelled"); err != nil {
			o.log.Error("bury failed", "jobID", job.ID, "error", err)
		}
		if err := o.flip(context.Background(), job.ID, types.StatusCancelled); err != nil {
			o.log.Error("cancel flip failed", "jobID", job.ID, "error", err)
		}
		observability.Current().IncJobCancelled(job.Kind)

	case ctx.Err() != nil:
		// Shutdown: hand the attempt back untouched; the job row is
		// reconciled on the next start.
		o.sink.Forget(job.ID)
		if err := o.broker.Release(context.Background(), res); err != nil {
			o.log.Error("release failed", "jobID", job.ID, "error", err)
		}

	default:
		observability.Current().ObserveAttempt(job.Kind, "failed", time.Since(started))
		o.settleFailed(dbc, res, job, runErr)
	}
}

func (o *Orchestrator) settleCompleted(dbc dbctx.Context, res *queue.Reservation, job *types.Job, result *supervisor.Result) {
	evt := types.CompletedEvent{
		JobID:      job.ID,
		Filename:   result.Filename,
		Size:       result.Size,
		OutputPath: result.OutputPath,
	}
	if err := o.sink.OnCompleted(evt); err != nil {
		o.log.Error("completion write lost", "jobID", job.ID, "error", err)
	}
	if err := o.stats.RecordCompleted(dbc, types.StatDate(time.Now()), result.Size); err != nil {
		o.log.Warn("stat rollup failed", "op", "completed", "error", err)
	}
	if err := o.broker.Ack(context.Background(), res); err != nil {
		o.log.Error("ack failed", "jobID", job.ID, "error", err)
	}
	observability.Current().IncJobCompleted(job.Kind, result.Size)
	o.log.Info("job completed", "jobID", job.ID, "filename", result.Filename, "size", result.Size)
}

func (o *Orchestrator) settleFailed(dbc dbctx.Context, res *queue.Reservation, job *types.Job, runErr error) {
	code := types.CodeOf(runErr)
	msg := runErr.Error()
	var coded *types.CodedError
	if errors.As(runErr, &coded) {
		msg = coded.Message
	}

	if code.Retryable() && !res.LastAttempt() {
		o.sink.Forget(job.ID)
		if err := o.jobs.Requeue(dbc, job.ID); err != nil {
			o.log.Error("retry requeue failed", "jobID", job.ID, "error", err)
		}
		if err := o.broker.Nack(context.Background(), res, string(code)+": "+msg); err != nil {
			o.log.Error("nack failed", "jobID", job.ID, "error", err)
		}
		o.sink.Announce(types.JobUpdateEvent{JobID: job.ID, Status: types.StatusQueued})
		o.log.Info("attempt failed, retrying", "jobID", job.ID, "code", code, "attempt", res.Attempt, "error", msg)
		return
	}

	if err := o.sink.OnFailed(types.FailedEvent{JobID: job.ID, ErrorCode: code, Message: msg}); err != nil {
		o.log.Error("failure write lost", "jobID", job.ID, "error", err)
	}
	if err := o.stats.RecordFailed(dbc, types.StatDate(time.Now())); err != nil {
		o.log.Warn("stat rollup failed", "op", "failed", "error", err)
	}
	if code.Retryable() {
		if err := o.broker.Nack(context.Background(), res, string(code)+": "+msg); err != nil {
			o.log.Error("nack failed", "jobID", job.ID, "error", err)
		}
	} else {
		if err := o.broker.Bury(context.Background(), res, string(code)+": "+msg); err != nil {
			o.log.Error("bury failed", "jobID", job.ID, "error", err)
		}
	}
	observability.Current().IncJobFailed(job.Kind, code)
	o.log.Warn("job failed", "jobID", job.ID, "code", code, "error", msg)
}

// flip persists a transition the state machine allows and announces it.
func (o *Orchestrator) flip(ctx context.Context, id uuid.UUID, to types.JobStatus) error {
	if err := o.jobs.UpdateStatus(dbctx.New(ctx), id, to, "", ""); err != nil {
		return err
	}
	o.sink.Forget(id)
	o.sink.Announce(types.JobUpdateEvent{JobID: id, Status: to})
	return nil
}

func (o *Orchestrator) track(id uuid.UUID, cancel context.CancelCauseFunc) {
	o.mu.Lock()
	o.running[id] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(id uuid.UUID) {
	o.mu.Lock()
	delete(o.running, id)
	o.mu.Unlock()
}

// signal delivers a teardown cause to the worker owning id, if any.
func (o *Orchestrator) signal(id uuid.UUID, cause error) bool {
	o.mu.Lock()
	cancel, ok := o.running[id]
	o.mu.Unlock()
	if ok {
		cancel(cause)
	}
	return ok
}
