package progress

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	jobsrepo "github.com/yungbote/downdeck-backend/internal/data/repos/jobs"
	types "github.com/yungbote/downdeck-backend/internal/domain"
	"github.com/yungbote/downdeck-backend/internal/observability"
	"github.com/yungbote/downdeck-backend/internal/pkg/dbctx"
	"github.com/yungbote/downdeck-backend/internal/platform/logger"
	"github.com/yungbote/downdeck-backend/internal/realtime"
)

const (
	// DefaultThrottle bounds progress writes per job to the store.
	DefaultThrottle = 300 * time.Millisecond

	shardCount = 16
)

// entry is the per-job throttle record: the freshest unpersisted delta and
// the one-shot timer that will flush it.
type entry struct {
	latest *types.ProgressEvent
	timer  *time.Timer
}

type shard struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry
}

// Pipeline is the single convergence point for job events. Every event goes
// to the bus immediately; store writes for progress are throttled per job,
// and terminal events flush past any buffered progress.
type Pipeline struct {
	repo     jobsrepo.JobRepo
	bus      realtime.Publisher
	log      *logger.Logger
	throttle time.Duration
	shards   [shardCount]*shard

	// alarm fires when a terminal write fails twice; the job is in the bus
	// history but not the store, and an operator needs to know.
	alarm func(jobID uuid.UUID, err error)
}

func NewPipeline(repo jobsrepo.JobRepo, bus realtime.Publisher, baseLog *logger.Logger, throttle time.Duration) *Pipeline {
	if throttle <= 0 {
		throttle = DefaultThrottle
	}
	p := &Pipeline{
		repo:     repo,
		bus:      bus,
		log:      baseLog.With("component", "ProgressPipeline"),
		throttle: throttle,
	}
	for i := range p.shards {
		p.shards[i] = &shard{entries: make(map[uuid.UUID]*entry)}
	}
	return p
}

// SetAlarm installs the escalation hook for lost terminal writes.
func (p *Pipeline) SetAlarm(fn func(jobID uuid.UUID, err error)) { p.alarm = fn }

// OnProgress relays the delta to subscribers right away and schedules at
// most one store write per throttle interval for the job.
func (p *Pipeline) OnProgress(evt types.ProgressEvent) {
	p.bus.Publish(types.RoomForJob(evt.JobID), types.EventProgress, evt)

	s := p.shardFor(evt.JobID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[evt.JobID]
	if !ok {
		e = &entry{}
		s.entries[evt.JobID] = e
	}
	e.latest = &evt
	if e.timer == nil {
		jobID := evt.JobID
		e.timer = time.AfterFunc(p.throttle, func() { p.flush(jobID) })
	}
}

// OnLog relays an adapter output line to the room; logs are never persisted.
func (p *Pipeline) OnLog(evt types.LogEvent) {
	p.bus.Publish(types.RoomForJob(evt.JobID), types.EventLog, evt)
}

// OnCompleted discards any buffered progress (the terminal state supersedes
// it), persists the terminal row, then announces completion.
func (p *Pipeline) OnCompleted(evt types.CompletedEvent) error {
	p.cancelPending(evt.JobID)

	size := &evt.Size
	if evt.Size <= 0 {
		size = nil
	}
	err := p.withTerminalRetry(evt.JobID, func() error {
		return p.repo.SetCompleted(dbctx.New(context.Background()), evt.JobID, evt.Filename, evt.OutputPath, size)
	})
	p.bus.Publish(types.RoomForJob(evt.JobID), types.EventCompleted, evt)
	return err
}

// OnFailed mirrors OnCompleted for the failure terminal.
func (p *Pipeline) OnFailed(evt types.FailedEvent) error {
	p.cancelPending(evt.JobID)

	err := p.withTerminalRetry(evt.JobID, func() error {
		return p.repo.UpdateStatus(dbctx.New(context.Background()), evt.JobID, types.StatusFailed, string(evt.ErrorCode), evt.Message)
	})
	p.bus.Publish(types.RoomForJob(evt.JobID), types.EventFailed, evt)
	return err
}

// OnJobUpdate applies a coarse update (status and/or stage/progress) and
// announces it. Status changes still go through the state machine; a stale
// update loses there and is only logged.
func (p *Pipeline) OnJobUpdate(evt types.JobUpdateEvent) {
	dbc := dbctx.New(context.Background())
	if evt.Status != "" {
		if err := p.repo.UpdateStatus(dbc, evt.JobID, evt.Status, "", ""); err != nil {
			p.log.Warn("job-update status write rejected", "jobID", evt.JobID, "status", evt.Status, "error", err)
		}
	}
	if evt.Stage != "" || evt.Progress != nil {
		upd := jobsrepo.ProgressUpdate{}
		if evt.Progress != nil {
			upd.Progress = *evt.Progress
		}
		if evt.Stage != "" {
			stage := evt.Stage
			upd.Stage = &stage
		}
		if _, err := p.repo.UpdateProgress(dbc, evt.JobID, upd); err != nil {
			p.log.Warn("job-update progress write failed", "jobID", evt.JobID, "error", err)
		}
	}
	p.bus.Publish(types.RoomForJob(evt.JobID), types.EventJobUpdate, evt)
}

// Announce publishes a job update the caller already persisted. The
// orchestrator uses this for transitions it writes itself (cancel, pause,
// resume, retry) so the room still hears about them.
func (p *Pipeline) Announce(evt types.JobUpdateEvent) {
	p.bus.Publish(types.RoomForJob(evt.JobID), types.EventJobUpdate, evt)
}

// Forget drops any pending throttle state for a job without writing it;
// used when a run is torn down outside the terminal path (pause, cancel).
func (p *Pipeline) Forget(jobID uuid.UUID) {
	p.cancelPending(jobID)
}

func (p *Pipeline) flush(jobID uuid.UUID) {
	s := p.shardFor(jobID)
	s.mu.Lock()
	e, ok := s.entries[jobID]
	if !ok || e.latest == nil {
		if ok {
			e.timer = nil
		}
		s.mu.Unlock()
		return
	}
	latest := e.latest
	e.latest = nil
	e.timer = nil
	s.mu.Unlock()

	upd := jobsrepo.ProgressUpdate{
		Progress:   latest.Progress,
		ETA:        latest.ETA,
		TotalBytes: latest.TotalBytes,
	}
	if latest.Stage != "" {
		stage := latest.Stage
		upd.Stage = &stage
	}
	if latest.Speed != "" {
		speed := latest.Speed
		upd.Speed = &speed
	}
	if _, err := p.repo.UpdateProgress(dbctx.New(context.Background()), jobID, upd); err != nil {
		p.log.Warn("throttled progress write failed", "jobID", jobID, "error", err)
		return
	}
	observability.Current().IncProgressWrite()
}

func (p *Pipeline) cancelPending(jobID uuid.UUID) {
	s := p.shardFor(jobID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	if !ok {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(s.entries, jobID)
}

// withTerminalRetry runs a terminal store write, retrying once before
// escalating. The job must not be silently lost.
func (p *Pipeline) withTerminalRetry(jobID uuid.UUID, write func() error) error {
	err := write()
	if err == nil {
		return nil
	}
	p.log.Warn("terminal write failed, retrying", "jobID", jobID, "error", err)
	if err = write(); err == nil {
		return nil
	}
	p.log.Error("terminal write lost after retry", "jobID", jobID, "error", err)
	if p.alarm != nil {
		p.alarm(jobID, err)
	}
	return err
}

func (p *Pipeline) shardFor(jobID uuid.UUID) *shard {
	h := fnv.New32a()
	h.Write(jobID[:])
	return p.shards[h.Sum32()%shardCount]
}
