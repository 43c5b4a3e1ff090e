// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskmanager

const (
	// maxBackgroundJobs is the system-wide cap on admitted V10
	// background jobs.
	maxBackgroundJobs = 300
	// maxJobsPerApp caps the jobs registered for one application,
	// regardless of their schema version.
	maxJobsPerApp = 10
	// maxRunningPerApp caps the V10 background jobs of one application
	// that may be Running or Retrying at the same time.
	maxRunningPerApp = 5
)

// registry maps owners to their jobs, plus the single foreground slot.
// A job lives in exactly one of the two places. All methods expect the
// manager's registry lock to be held.
type registry struct {
	apps  map[uint64]map[uint32]*Job
	front *Job
}

func newRegistry() *registry {
	return &registry{
		apps: make(map[uint64]map[uint32]*Job),
	}
}

// get returns the job with the given identifier. The foreground job is
// visible to every owner.
func (r *registry) get(uid uint64, id uint32) *Job {
	if r.front != nil && r.front.ID == id {
		return r.front
	}
	jobs, found := r.apps[uid]
	if !found {
		return nil
	}
	return jobs[id]
}

// add places a background job in its owner's map.
func (r *registry) add(j *Job) {
	jobs, found := r.apps[j.UID]
	if !found {
		jobs = make(map[uint32]*Job)
		r.apps[j.UID] = jobs
	}
	jobs[j.ID] = j
}

// contains reports whether j is registered in its owner's map.
func (r *registry) contains(j *Job) bool {
	jobs, found := r.apps[j.UID]
	if !found {
		return false
	}
	return jobs[j.ID] == j
}

// registered reports whether j occupies the foreground slot or its
// owner's map.
func (r *registry) registered(j *Job) bool {
	return r.front == j || r.contains(j)
}

// remove deletes j from the foreground slot or from its owner's map and
// reports where it was found. Empty owner maps are deleted.
func (r *registry) remove(j *Job) (found, front bool) {
	if r.front == j {
		r.front = nil
		return true, true
	}
	jobs, ok := r.apps[j.UID]
	if !ok || jobs[j.ID] != j {
		return false, false
	}
	delete(jobs, j.ID)
	if len(jobs) == 0 {
		delete(r.apps, j.UID)
	}
	return true, false
}

// appCount returns the number of jobs registered for uid.
func (r *registry) appCount(uid uint64) int {
	return len(r.apps[uid])
}

// runningCount returns the number of V10 jobs of uid that are Running
// or Retrying.
func (r *registry) runningCount(uid uint64) int {
	var n int
	for _, j := range r.apps[uid] {
		if j.Config.Version != V10 {
			continue
		}
		if state, _ := j.State(); state.IsActive() {
			n++
		}
	}
	return n
}

// each calls fn for every registered job, the foreground job first.
func (r *registry) each(fn func(*Job)) {
	if r.front != nil {
		fn(r.front)
	}
	for _, jobs := range r.apps {
		for _, j := range jobs {
			fn(j)
		}
	}
}

// admitBackground applies the quota rules for a non-foreground job.
// background is the current number of admitted V10 background jobs.
func (r *registry) admitBackground(j *Job, background uint32) error {
	if j.Config.Version == V10 {
		if background >= maxBackgroundJobs {
			return ErrQueueFull
		}
		if r.appCount(j.UID) >= maxJobsPerApp {
			return ErrQueueFull
		}
	}
	r.add(j)
	return nil
}

// runningGateOpen reports whether j may enter Running or Retrying. Only
// V10 background jobs are gated.
func (r *registry) runningGateOpen(j *Job) bool {
	if j.Config.Version != V10 || j.Config.Mode != Background {
		return true
	}
	return r.runningCount(j.UID) < maxRunningPerApp
}
