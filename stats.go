// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskmanager

// Stats is a snapshot of the jobs known to the manager.
type Stats struct {
	Total       uint32 `json:"total"`       // value of the total counter
	Background  uint32 `json:"background"`  // admitted V10 background jobs
	Apps        int    `json:"apps"`        // applications with registered jobs
	Foreground  bool   `json:"foreground"`  // whether the foreground slot is occupied
	Queued      int    `json:"queued"`      // jobs waiting for a free worker
	Initialized int    `json:"initialized"` // number of jobs not yet started
	Waiting     int    `json:"waiting"`     // number of jobs waiting for network or a running slot
	Running     int    `json:"running"`     // number of jobs running or retrying
	Paused      int    `json:"paused"`      // number of paused jobs
	Finished    int    `json:"finished"`    // legacy jobs kept after soft retirement
	Unloading   bool   `json:"unloading"`   // whether the service started to retire
}

// Stats returns a snapshot of the registry.
func (m *Manager) Stats() *Stats {
	st := &Stats{
		Total:      m.total.Load(),
		Background: m.background.Load(),
		Queued:     m.runq.len(),
		Unloading:  m.unloading.Load(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st.Apps = len(m.reg.apps)
	st.Foreground = m.reg.front != nil
	m.reg.each(func(j *Job) {
		state, _ := j.State()
		switch state {
		case Initialized:
			st.Initialized++
		case Waiting:
			st.Waiting++
		case Running, Retrying:
			st.Running++
		case Paused:
			st.Paused++
		default:
			st.Finished++
		}
	})
	return st
}
