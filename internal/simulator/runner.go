package simulator

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/olivere/taskmanager"
)

// ErrTransferFailed is returned by Runner for a simulated failure.
var ErrTransferFailed = errors.New("simulator: transfer failed")

const (
	chunks    = 10
	chunkSize = 64 << 10
)

// Runner pretends to transfer a job in a number of chunks.
type Runner struct {
	// RunTime is the maximum duration of a single transfer.
	RunTime time.Duration
	// FailureRate is the probability in [0,1] that a transfer fails.
	FailureRate float64
	Logger      *slog.Logger
}

// Run implements taskmanager.Runner. It returns early when the job
// leaves Running or Retrying, or when ctx is done.
func (r *Runner) Run(ctx context.Context, job *taskmanager.Job) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var d time.Duration
	if r.RunTime > 0 {
		d = rand.N(r.RunTime) / chunks
	}

	p := job.Show().Progress
	if p.Index >= chunks {
		p = taskmanager.Progress{}
	}
	p.Sizes = []int64{chunks * chunkSize}
	t := time.NewTimer(d)
	defer t.Stop()
	for p.Index < chunks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		if state, _ := job.State(); state != taskmanager.Running && state != taskmanager.Retrying {
			logger.Debug("transfer interrupted", "task_id", job.ID, "state", state)
			return nil
		}
		p.Index++
		p.Processed += chunkSize
		p.TotalProcessed += chunkSize
		job.SetProgress(p)
		t.Reset(d)
	}
	if rand.Float64() < r.FailureRate {
		return ErrTransferFailed
	}
	job.SetMimeType("application/octet-stream")
	return nil
}
