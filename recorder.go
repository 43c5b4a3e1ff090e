package taskmanager

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// maxRecordAttempts limits how often a failed history write is retried.
const maxRecordAttempts = 5

type record struct {
	create bool
	info   *TaskInfo
}

// record queues a snapshot of j for the history store. It never blocks,
// so it may be called with the registry lock held.
// Snapshots are dropped while no record loop is running.
func (m *Manager) record(j *Job) {
	if !m.recording.Load() {
		return
	}
	m.recq.push(record{
		create: j.recorded.CompareAndSwap(false, true),
		info:   j.Show(),
	})
}

// recordLoop writes queued snapshots until ctx is done, then drains the
// queue without retrying.
func (m *Manager) recordLoop(ctx context.Context) {
	for {
		rec, ok := m.recq.pop(ctx)
		if !ok {
			break
		}
		m.write(ctx, rec)
	}

	drained, cancel := context.WithCancel(context.Background())
	cancel()
	for m.recq.len() > 0 {
		rec, ok := m.recq.pop(context.Background())
		if !ok {
			break
		}
		m.write(drained, rec)
	}
}

func (m *Manager) write(ctx context.Context, rec record) {
	var err error
retry:
	for attempt := 0; attempt < maxRecordAttempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(m.backoff(attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				break retry
			case <-t.C:
			}
		}
		if rec.create {
			err = m.st.Create(rec.info)
		} else {
			err = m.st.Update(rec.info)
			if errors.Is(err, ErrNotFound) {
				// The create was lost; the snapshot is complete anyway.
				err = m.st.Create(rec.info)
			}
		}
		if err == nil {
			m.testJobRecorded() // testing hook
			return
		}
	}
	m.logger.Warn("writing task history failed",
		slog.String("record_id", rec.info.ID),
		slog.Uint64("task_id", uint64(rec.info.TaskID)),
		errAttr(err),
	)
}

// History returns the most recent history record of a task.
func (m *Manager) History(uid uint64, taskID uint32) (*TaskInfo, error) {
	rsp, err := m.st.List(&ListRequest{UID: &uid, TaskID: &taskID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rsp.Tasks) == 0 {
		return nil, ErrNotFound
	}
	return rsp.Tasks[0], nil
}

// List searches the task history.
func (m *Manager) List(req *ListRequest) (*ListResponse, error) {
	if req == nil {
		req = &ListRequest{}
	}
	return m.st.List(req)
}
