// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskmanager

import (
	"context"
	"log/slog"
	"time"
)

// sweepLoop runs the sweep immediately and then according to the sweep
// schedule until ctx is done.
func (m *Manager) sweepLoop(ctx context.Context) {
	for {
		m.sweep()
		m.testSweepDone() // testing hook

		now := m.now()
		next := m.sweepSchedule.Next(now)
		t := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// Sweep stops jobs that are older than one month or waited for the
// network for more than a day. It runs periodically once the manager is
// started.
func (m *Manager) Sweep() {
	m.sweep()
}

func (m *Manager) sweep() {
	now := m.now()
	var stopped []*Job

	m.mu.Lock()
	m.reg.each(func(j *Job) {
		if j.Config.Version == V10 && now.Sub(j.Created) > maxJobAge {
			if j.SetStatus(Stopped, ReasonSurvivedOneMonth) {
				stopped = append(stopped, j)
				return
			}
		}
		state, _ := j.State()
		if state != Waiting {
			return
		}
		if since := j.WaitingSince(); since != nil && now.Sub(*since) > maxNetworkWait {
			if j.SetStatus(Stopped, ReasonNetworkWaitTimeout) {
				stopped = append(stopped, j)
			}
		}
	})
	m.processQuotaWaitersLocked()
	m.mu.Unlock()

	for _, j := range stopped {
		state, reason := j.State()
		m.logger.Info("task swept", append(jobAttrs(j),
			slog.String("state", state.String()),
			slog.String("reason", reason.String()),
		)...)
		m.afterJobProcessed(j)
	}
}

// processQuotaWaitersLocked offers a running slot to every job waiting
// for one.
func (m *Manager) processQuotaWaitersLocked() {
	for _, jobs := range m.reg.apps {
		for _, j := range jobs {
			if state, reason := j.State(); state == Waiting && reason == ReasonRunningQuotaExceeded {
				m.startLocked(j)
			}
		}
	}
}

// onNetworkChange is registered with the platform. Once the network is
// back, every waiting job that can run on it is started after a short
// settle delay. The platform's thread never takes the registry lock.
func (m *Manager) onNetworkChange() {
	if !m.platform.IsNetworkOnline() {
		m.logger.Debug("network offline")
		return
	}
	m.spawn(func(context.Context) {
		m.scanNetworkWaiters()
	})
}

func (m *Manager) scanNetworkWaiters() {
	defer m.testNetScanned() // testing hook

	if !m.platform.IsNetworkOnline() {
		return
	}

	var waiting []*Job
	m.mu.Lock()
	m.reg.each(func(j *Job) {
		if state, _ := j.State(); state == Waiting && j.IsNetworkConditionSatisfied() {
			waiting = append(waiting, j)
		}
	})
	m.mu.Unlock()

	m.logger.Debug("network online", slog.Int("waiting", len(waiting)))
	for _, j := range waiting {
		j := j
		m.spawn(func(ctx context.Context) {
			m.resumeAfterNetwork(ctx, j)
		})
	}
}

func (m *Manager) resumeAfterNetwork(ctx context.Context, j *Job) {
	defer m.testNetResumed() // testing hook

	if m.settleDelay > 0 {
		t := time.NewTimer(m.settleDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.reg.registered(j) {
		return
	}
	if state, _ := j.State(); state != Waiting {
		return
	}
	m.startLocked(j)
}

// onAppStateChange is registered with the platform. It tracks the
// foreground application and stops its foreground job when it leaves
// the foreground. Stopping runs on the manager's goroutines and is
// dropped when the manager is not running.
func (m *Manager) onAppStateChange(uid uint64, state AppState) {
	m.logger.Debug("application state changed",
		slog.Uint64("uid", uid),
		slog.String("app_state", state.String()),
	)

	if state == AppForeground {
		m.appMu.Lock()
		m.frontUID = &uid
		m.appMu.Unlock()
		return
	}

	m.appMu.Lock()
	if m.frontUID != nil && *m.frontUID == uid {
		m.frontUID = nil
	}
	m.appMu.Unlock()

	m.spawn(func(context.Context) {
		m.stopFrontJob(uid, state)
	})
}

func (m *Manager) stopFrontJob(uid uint64, state AppState) {
	m.appMu.Lock()
	back := m.frontUID != nil && *m.frontUID == uid
	m.appMu.Unlock()
	if back {
		// Returned to the foreground before this ran.
		return
	}

	m.mu.Lock()
	j := m.reg.front
	if j == nil || j.UID != uid || !j.SetStatus(Stopped, ReasonAppBackgroundOrTerminated) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.logger.Info("foreground task stopped", append(jobAttrs(j),
		slog.String("app_state", state.String()),
	)...)
	m.record(j)
	// An executing job is retired by its worker once Run returns. Nothing
	// else would ever retire an idle one, so do it here.
	if !j.executing.Load() {
		m.afterJobProcessed(j)
	}
}

// isFrontApp reports whether the application uid with the given bundle
// name is in the foreground.
func (m *Manager) isFrontApp(uid uint64, bundle string) bool {
	m.appMu.Lock()
	front := m.frontUID
	m.appMu.Unlock()
	if front != nil {
		return *front == uid
	}
	return bundle != "" && m.platform.ForegroundBundleName() == bundle
}
