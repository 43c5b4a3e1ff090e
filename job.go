// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskmanager

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Config is the configuration of a job. It is immutable after admission.
type Config struct {
	Action      Action            `json:"action"`
	Version     Version           `json:"version"`
	Mode        Mode              `json:"mode"`
	Network     Network           `json:"network"`
	Bundle      string            `json:"bundle"` // bundle name of the owning application
	URL         string            `json:"url"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Metered     bool              `json:"metered,omitempty"`
	Roaming     bool              `json:"roaming,omitempty"`
	Retry       bool              `json:"retry,omitempty"`
	Extras      map[string]string `json:"extras,omitempty"`
}

// Progress of a running transfer, as reported by the Runner.
type Progress struct {
	Index          uint32            `json:"index"`
	Processed      uint64            `json:"processed"`
	TotalProcessed uint64            `json:"total_processed"`
	Sizes          []int64           `json:"sizes,omitempty"`
	Extras         map[string]string `json:"extras,omitempty"`
}

// status is the mutable part of a job, guarded by Job.mu.
type status struct {
	state        State
	reason       Reason
	waitingSince *time.Time // set while waiting for network
	mtime        time.Time
	progress     Progress
	mimeType     string
}

// Job is a single download or upload task. The manager owns its
// placement and lifecycle; the Runner owns the transfer itself and
// reports back through SetStatus and SetProgress.
//
// Lock order: never acquire the manager's registry lock while holding
// a job's status lock.
type Job struct {
	UID     uint64    // owning application
	ID      uint32    // unique per process lifetime
	Config  Config    // immutable
	Created time.Time // admission time

	recordID string // history record identifier
	net      NetworkProber
	now      func() time.Time

	mu        sync.Mutex // guards st
	st        status
	retry     atomic.Bool
	tries     atomic.Uint32
	counted   atomic.Bool   // included in the manager's total counter
	executing atomic.Bool   // a Runner is currently working on the job
	queued    atomic.Bool   // sitting in the run queue
	sched     atomic.Uint64 // bumped every time the job is scheduled
	recorded  atomic.Bool   // history record created

	filesMu sync.Mutex
	files   []*os.File
}

func newJob(cfg Config, uid uint64, id uint32, files []*os.File, net NetworkProber, now func() time.Time) *Job {
	created := now()
	return &Job{
		UID:      uid,
		ID:       id,
		Config:   cfg,
		Created:  created,
		recordID: uuid.New().String(),
		net:      net,
		now:      now,
		st:       status{state: Initialized, mtime: created},
		files:    files,
	}
}

// State returns the current state and reason.
func (j *Job) State() (State, Reason) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.st.state, j.st.reason
}

// WaitingSince returns the time the job started waiting for the
// network, or nil if it is not waiting for the network.
func (j *Job) WaitingSince() *time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.st.waitingSince == nil {
		return nil
	}
	t := *j.st.waitingSince
	return &t
}

// SetStatus moves the job to state with the given reason. It returns
// false if the transition is not allowed from the current state.
func (j *Job) SetStatus(state State, reason Reason) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.setStatusLocked(state, reason)
}

func (j *Job) setStatusLocked(state State, reason Reason) bool {
	if !canTransition(j.st.state, state) {
		return false
	}
	now := j.now()
	if state == Waiting && reason.IsNetwork() {
		if j.st.waitingSince == nil {
			j.st.waitingSince = &now
		}
	} else {
		j.st.waitingSince = nil
	}
	j.st.state = state
	j.st.reason = reason
	j.st.mtime = now
	return true
}

// CheckNetworkStatus verifies that the network required by the job is
// available. If it is not, the job moves to Waiting with a network
// reason and CheckNetworkStatus returns false.
func (j *Job) CheckNetworkStatus() bool {
	if j.net == nil {
		return true
	}
	if !j.net.IsNetworkOnline() {
		j.SetStatus(Waiting, ReasonNetworkOffline)
		return false
	}
	if !j.networkTypeSatisfied() {
		j.SetStatus(Waiting, ReasonUnsupportedNetworkType)
		return false
	}
	return true
}

// IsNetworkConditionSatisfied reports whether the job could run on the
// current network, without changing its state.
func (j *Job) IsNetworkConditionSatisfied() bool {
	if j.net == nil {
		return true
	}
	return j.net.IsNetworkOnline() && j.networkTypeSatisfied()
}

func (j *Job) networkTypeSatisfied() bool {
	if j.Config.Network == AnyNetwork {
		return true
	}
	r, ok := j.net.(NetworkTypeReporter)
	if !ok {
		return true
	}
	return r.NetworkType() == j.Config.Network
}

// Retry reports whether the job was resumed after a network wait.
func (j *Job) Retry() bool { return j.retry.Load() }

// Tries returns the number of network-triggered retries.
func (j *Job) Tries() uint32 { return j.tries.Load() }

func (j *Job) markRetry() {
	j.retry.Store(true)
	j.tries.Add(1)
}

// SetProgress records the transfer progress.
func (j *Job) SetProgress(p Progress) {
	j.mu.Lock()
	j.st.progress = p
	j.st.mtime = j.now()
	j.mu.Unlock()
}

// SetMimeType records the mime type reported by the remote side.
func (j *Job) SetMimeType(mimeType string) {
	j.mu.Lock()
	j.st.mimeType = mimeType
	j.mu.Unlock()
}

// MimeType returns the mime type reported by the remote side, if any.
func (j *Job) MimeType() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.st.mimeType
}

// Files returns the file handles held by the job. They are nil after
// the job released them.
func (j *Job) Files() []*os.File {
	j.filesMu.Lock()
	defer j.filesMu.Unlock()
	return j.files
}

// releaseFiles closes every held file handle. It is safe to call more
// than once.
func (j *Job) releaseFiles() error {
	j.filesMu.Lock()
	files := j.files
	j.files = nil
	j.filesMu.Unlock()
	var firstErr error
	for _, f := range files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Show returns a snapshot of the job.
func (j *Job) Show() *TaskInfo {
	j.mu.Lock()
	st := j.st
	j.mu.Unlock()
	return &TaskInfo{
		ID:          j.recordID,
		TaskID:      j.ID,
		UID:         j.UID,
		Bundle:      j.Config.Bundle,
		Action:      j.Config.Action,
		Version:     j.Config.Version,
		Mode:        j.Config.Mode,
		URL:         j.Config.URL,
		Title:       j.Config.Title,
		Description: j.Config.Description,
		MimeType:    st.mimeType,
		Progress:    st.progress,
		State:       st.state,
		Code:        st.reason,
		Reason:      st.reason.String(),
		Retry:       j.Retry(),
		Tries:       j.Tries(),
		Created:     j.Created.UnixNano(),
		Updated:     st.mtime.UnixNano(),
		Extras:      j.Config.Extras,
	}
}

// TaskInfo is a read-only projection of a job, as returned by Show and
// kept in the history Store.
type TaskInfo struct {
	ID          string            `json:"id"` // history record identifier
	TaskID      uint32            `json:"tid"`
	UID         uint64            `json:"uid"`
	Bundle      string            `json:"bundle"`
	Action      Action            `json:"action"`
	Version     Version           `json:"version"`
	Mode        Mode              `json:"mode"`
	URL         string            `json:"url"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	MimeType    string            `json:"mime_type,omitempty"`
	Progress    Progress          `json:"progress"`
	State       State             `json:"state"`
	Code        Reason            `json:"code"`
	Reason      string            `json:"reason,omitempty"`
	Retry       bool              `json:"retry"`
	Tries       uint32            `json:"tries"`
	Created     int64             `json:"ctime"` // UnixNano
	Updated     int64             `json:"mtime"` // UnixNano
	Extras      map[string]string `json:"extras,omitempty"`
}
