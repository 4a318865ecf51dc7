package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/yungbote/downdeck-backend/internal/adapters"
	types "github.com/yungbote/downdeck-backend/internal/domain"
)

// pollFailureBudget is how many consecutive poll errors the runner absorbs
// before treating the daemon as gone.
const pollFailureBudget = 5

// runPolled drives a daemon-backed download: submit once, then convert
// periodic status snapshots into the same event stream exec adapters emit.
func (s *Supervisor) runPolled(ctx context.Context, job *types.Job, req *types.SubmitRequest, poller adapters.Poller, tempDir string) (*adapters.Artifact, error) {
	handle, err := poller.Start(ctx, job, req, tempDir)
	if err != nil {
		return nil, &types.CodedError{Code: types.CodeNetworkError, Message: err.Error()}
	}
	s.log.Debug("download submitted to daemon", "jobID", job.ID, "handle", handle)

	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()

	var (
		failures  int
		lastBytes int64 = -1
		lastMove        = time.Now()
	)

	for {
		select {
		case <-ctx.Done():
			s.stopHandle(poller, handle, job)
			if cause := context.Cause(ctx); cause != nil {
				return nil, cause
			}
			return nil, ctx.Err()

		case <-ticker.C:
			snap, err := poller.Poll(ctx, handle)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				failures++
				s.log.Warn("poll failed", "jobID", job.ID, "handle", handle, "failures", failures, "error", err)
				if failures >= pollFailureBudget {
					return nil, &types.CodedError{Code: types.CodeNetworkError, Message: "lost contact with download daemon: " + err.Error()}
				}
				continue
			}
			failures = 0

			switch snap.State {
			case "complete":
				return artifactFromSnapshot(snap)
			case "error":
				return nil, &types.CodedError{Code: poller.Classify(snap.ErrorMessage), Message: snap.ErrorMessage}
			case "removed":
				return nil, &types.CodedError{Code: types.CodeInternalError, Message: "download removed from daemon"}
			}

			if snap.CompletedBytes != lastBytes {
				lastBytes = snap.CompletedBytes
				lastMove = time.Now()
			} else if snap.State == "active" && time.Since(lastMove) >= s.cfg.StallAfter {
				s.stopHandle(poller, handle, job)
				return nil, &stallError{stage: types.StageDownload, idle: time.Since(lastMove)}
			}

			s.sink.OnProgress(snapshotEvent(job.ID, snap))
		}
	}
}

func (s *Supervisor) stopHandle(poller adapters.Poller, handle string, job *types.Job) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := poller.Stop(stopCtx, handle); err != nil {
		s.log.Warn("daemon stop failed", "jobID", job.ID, "handle", handle, "error", err)
	}
}

// snapshotEvent converts a byte-level snapshot into the percent, speed and
// ETA view the rest of the system speaks.
func snapshotEvent(jobID uuid.UUID, snap *adapters.Snapshot) types.ProgressEvent {
	evt := types.ProgressEvent{JobID: jobID, Stage: types.StageDownload}
	if snap.TotalBytes > 0 {
		pct := 100 * float64(snap.CompletedBytes) / float64(snap.TotalBytes)
		if pct > adapters.MidRunCap {
			pct = adapters.MidRunCap
		}
		evt.Progress = pct
		total := snap.TotalBytes
		evt.TotalBytes = &total
	}
	if snap.SpeedBytesPerSec > 0 {
		evt.Speed = humanize.Bytes(uint64(snap.SpeedBytesPerSec)) + "/s"
		if snap.TotalBytes > snap.CompletedBytes {
			eta := int((snap.TotalBytes - snap.CompletedBytes) / snap.SpeedBytesPerSec)
			evt.ETA = &eta
		}
	}
	return evt
}

func artifactFromSnapshot(snap *adapters.Snapshot) (*adapters.Artifact, error) {
	if len(snap.Files) == 0 {
		return nil, &types.CodedError{Code: types.CodeInternalError, Message: "daemon reported completion without files"}
	}
	path := snap.Files[0]
	info, err := os.Stat(path)
	if err != nil {
		return nil, &types.CodedError{Code: types.CodeInternalError, Message: "completed file missing: " + err.Error()}
	}
	return &adapters.Artifact{Filename: filepath.Base(path), Path: path, Size: info.Size()}, nil
}
