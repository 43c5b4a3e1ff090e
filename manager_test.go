// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskmanager

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerDefaults(t *testing.T) {
	m := New()
	if m.st == nil {
		t.Fatal("Store is nil")
	}
	if have, want := m.concurrency, defaultConcurrency; have != want {
		t.Fatalf("concurrency = %v, want %v", have, want)
	}
	if have, want := m.idleInterval, 60*time.Second; have != want {
		t.Fatalf("idleInterval = %v, want %v", have, want)
	}
	if have, want := m.serviceID, int32(3706); have != want {
		t.Fatalf("serviceID = %v, want %v", have, want)
	}
	if have, want := m.started, false; have != want {
		t.Fatalf("started = %t, want %t", have, want)
	}
	now := time.Now()
	if have, want := m.sweepSchedule.Next(now).Sub(now), 30*time.Minute; have != want {
		t.Fatalf("sweep interval = %v, want %v", have, want)
	}
}

func TestManagerStartRequiresRunner(t *testing.T) {
	m, _ := newTestManager(t)
	require.Error(t, m.Start())
}

func TestManagerStartClose(t *testing.T) {
	m, p := newTestManager(t, SetRunner(newTestRunner()))
	require.NoError(t, m.Start())
	require.Error(t, m.Start(), "expected second Start to fail")

	p.mu.Lock()
	registered := p.netCb != nil && p.appCb != nil
	p.mu.Unlock()
	assert.True(t, registered, "expected platform callbacks to be registered")

	require.NoError(t, m.CloseWithTimeout(5*time.Second))
	require.NoError(t, m.Close(), "expected Close after close to be a no-op")
}

func TestConstructPerAppQuota(t *testing.T) {
	m, _ := newTestManager(t)
	for i := 0; i < maxJobsPerApp; i++ {
		_, err := m.Construct(bgConfig("com.example.app"), 1, nil)
		require.NoError(t, err)
	}
	_, err := m.Construct(bgConfig("com.example.app"), 1, nil)
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, CodeQueueFull, Code(err))

	// Other applications are not affected.
	_, err = m.Construct(bgConfig("com.example.other"), 2, nil)
	require.NoError(t, err)
	assert.EqualValues(t, maxJobsPerApp+1, m.TotalCount())
	assert.EqualValues(t, maxJobsPerApp+1, m.BackgroundCount())
}

func TestConstructSystemQuota(t *testing.T) {
	m, _ := newTestManager(t)
	var first uint32
	for uid := uint64(1); uid <= maxBackgroundJobs/maxJobsPerApp; uid++ {
		for i := 0; i < maxJobsPerApp; i++ {
			id, err := m.Construct(bgConfig("com.example.app"), uid, nil)
			require.NoError(t, err)
			if first == 0 {
				first = id
			}
		}
	}
	require.EqualValues(t, maxBackgroundJobs, m.BackgroundCount())

	_, err := m.Construct(bgConfig("com.example.late"), 1000, nil)
	require.ErrorIs(t, err, ErrQueueFull)

	// A retired job frees exactly one slot.
	require.NoError(t, m.Remove(1, first))
	require.EqualValues(t, maxBackgroundJobs-1, m.BackgroundCount())
	_, err = m.Construct(bgConfig("com.example.late"), 1000, nil)
	require.NoError(t, err)
	_, err = m.Construct(bgConfig("com.example.late"), 1000, nil)
	require.ErrorIs(t, err, ErrQueueFull)

	// Legacy jobs are not capped.
	cfg := bgConfig("com.example.late")
	cfg.Version = V9
	_, err = m.Construct(cfg, 1000, nil)
	require.NoError(t, err)
	assert.EqualValues(t, maxBackgroundJobs+1, m.TotalCount())
	assert.EqualValues(t, maxBackgroundJobs, m.BackgroundCount())
}

func TestConstructLegacyJobsCountTowardsAppCap(t *testing.T) {
	m, _ := newTestManager(t)
	cfg := bgConfig("com.example.app")
	cfg.Version = V9
	for i := 0; i < 2*maxJobsPerApp; i++ {
		_, err := m.Construct(cfg, 1, nil)
		require.NoError(t, err)
	}
	_, err := m.Construct(bgConfig("com.example.app"), 1, nil)
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestConstructAssignsUniqueIDs(t *testing.T) {
	m, _ := newTestManager(t)
	seen := make(map[uint32]bool)
	for uid := uint64(1); uid <= 5; uid++ {
		for i := 0; i < 5; i++ {
			id, err := m.Construct(bgConfig("com.example.app"), uid, nil)
			require.NoError(t, err)
			require.False(t, seen[id], "duplicate task id %d", id)
			seen[id] = true
		}
	}
}

func TestConstructClosesFilesOnRejection(t *testing.T) {
	m, _ := newTestManager(t)
	f, err := os.Create(filepath.Join(t.TempDir(), "upload.bin"))
	require.NoError(t, err)

	cfg := bgConfig("com.example.app")
	cfg.Mode = Foreground
	_, err = m.Construct(cfg, 1, []*os.File{f})
	require.ErrorIs(t, err, ErrModeNotPermitted)

	_, err = f.Write([]byte("x"))
	require.Error(t, err, "expected file to be closed")
}

func TestStartTaskRequiresInitialized(t *testing.T) {
	m, _ := newTestManager(t)
	id, err := m.Construct(bgConfig("com.example.app"), 1, nil)
	require.NoError(t, err)

	require.NoError(t, m.StartTask(1, id))
	info, err := m.Show(1, id)
	require.NoError(t, err)
	assert.Equal(t, Running, info.State)

	err = m.StartTask(1, id)
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, CodeInvalidState, Code(err))

	require.ErrorIs(t, m.StartTask(2, id), ErrTaskNotFound)
	require.ErrorIs(t, m.StartTask(1, id+1000), ErrTaskNotFound)
}

func TestStartTaskWaitsForNetwork(t *testing.T) {
	m, p := newTestManager(t)
	p.setOnline(false)
	id, err := m.Construct(bgConfig("com.example.app"), 1, nil)
	require.NoError(t, err)

	require.NoError(t, m.StartTask(1, id))
	info, err := m.Show(1, id)
	require.NoError(t, err)
	assert.Equal(t, Waiting, info.State)
	assert.Equal(t, ReasonNetworkOffline, info.Code)
}

func TestStartTaskWaitsForNetworkType(t *testing.T) {
	m, p := newTestManager(t)
	p.netType = Cellular
	cfg := bgConfig("com.example.app")
	cfg.Network = Wifi
	id, err := m.Construct(cfg, 1, nil)
	require.NoError(t, err)

	require.NoError(t, m.StartTask(1, id))
	info, err := m.Show(1, id)
	require.NoError(t, err)
	assert.Equal(t, Waiting, info.State)
	assert.Equal(t, ReasonUnsupportedNetworkType, info.Code)
}

func TestRunningQuotaPerApp(t *testing.T) {
	m, _ := newTestManager(t)
	var ids []uint32
	for i := 0; i < maxRunningPerApp+1; i++ {
		id, err := m.Construct(bgConfig("com.example.app"), 1, nil)
		require.NoError(t, err)
		require.NoError(t, m.StartTask(1, id))
		ids = append(ids, id)
	}

	for _, id := range ids[:maxRunningPerApp] {
		info, err := m.Show(1, id)
		require.NoError(t, err)
		assert.Equal(t, Running, info.State)
	}
	last := ids[maxRunningPerApp]
	info, err := m.Show(1, last)
	require.NoError(t, err)
	assert.Equal(t, Waiting, info.State)
	assert.Equal(t, ReasonRunningQuotaExceeded, info.Code)

	// Another application has its own running quota.
	other, err := m.Construct(bgConfig("com.example.other"), 2, nil)
	require.NoError(t, err)
	require.NoError(t, m.StartTask(2, other))
	info, err = m.Show(2, other)
	require.NoError(t, err)
	assert.Equal(t, Running, info.State)

	// Retiring a running job frees a slot for the waiting one.
	require.NoError(t, m.Stop(1, ids[0]))
	info, err = m.Show(1, last)
	require.NoError(t, err)
	assert.Equal(t, Running, info.State)
}

func TestForegroundAdmission(t *testing.T) {
	m, p := newTestManager(t)
	cfg := bgConfig("com.example.front")
	cfg.Mode = Foreground

	_, err := m.Construct(cfg, 1, nil)
	require.ErrorIs(t, err, ErrModeNotPermitted)
	assert.Equal(t, CodeModeNotPermitted, Code(err))

	// Matched by bundle name while the foreground identity is unknown.
	p.setForegroundBundle("com.example.front")
	_, err = m.Construct(cfg, 1, nil)
	require.NoError(t, err)

	// Matched by identity once the platform reported it.
	m.onAppStateChange(7, AppForeground)
	_, err = m.Construct(cfg, 1, nil)
	require.ErrorIs(t, err, ErrModeNotPermitted)
	_, err = m.Construct(cfg, 7, nil)
	require.NoError(t, err)
}

func TestForegroundDisplacement(t *testing.T) {
	m, _ := newTestManager(t)
	m.onAppStateChange(1, AppForeground)
	cfg := bgConfig("com.example.front")
	cfg.Mode = Foreground

	first, err := m.Construct(cfg, 1, nil)
	require.NoError(t, err)
	m.mu.Lock()
	displaced := m.reg.front
	m.mu.Unlock()
	require.NotNil(t, displaced)

	second, err := m.Construct(cfg, 1, nil)
	require.NoError(t, err)

	state, reason := displaced.State()
	assert.Equal(t, Stopped, state)
	assert.Equal(t, ReasonDisplacedByNewForegroundJob, reason)

	_, err = m.Show(1, first)
	require.ErrorIs(t, err, ErrTaskNotFound)

	// The foreground job is visible under any owner.
	info, err := m.Show(42, second)
	require.NoError(t, err)
	assert.Equal(t, Initialized, info.State)

	assert.EqualValues(t, 1, m.TotalCount())
	assert.EqualValues(t, 0, m.BackgroundCount())
}

func TestPauseResume(t *testing.T) {
	m, _ := newTestManager(t)
	id, err := m.Construct(bgConfig("com.example.app"), 1, nil)
	require.NoError(t, err)

	require.ErrorIs(t, m.Pause(1, id), ErrInvalidState)
	require.ErrorIs(t, m.Resume(1, id), ErrInvalidState)

	require.NoError(t, m.StartTask(1, id))
	require.NoError(t, m.Pause(1, id))
	info, err := m.Show(1, id)
	require.NoError(t, err)
	assert.Equal(t, Paused, info.State)
	assert.Equal(t, ReasonUserOperation, info.Code)

	require.NoError(t, m.Resume(1, id))
	info, err = m.Show(1, id)
	require.NoError(t, err)
	assert.Equal(t, Running, info.State)

	require.ErrorIs(t, m.Pause(2, id), ErrTaskNotFound)
	require.ErrorIs(t, m.Resume(2, id), ErrTaskNotFound)
}

func TestPauseResumeForegroundNotPermitted(t *testing.T) {
	m, _ := newTestManager(t)
	m.onAppStateChange(1, AppForeground)
	cfg := bgConfig("com.example.front")
	cfg.Mode = Foreground
	id, err := m.Construct(cfg, 1, nil)
	require.NoError(t, err)
	require.NoError(t, m.StartTask(1, id))

	require.ErrorIs(t, m.Pause(1, id), ErrModeNotPermitted)
	require.ErrorIs(t, m.Resume(1, id), ErrModeNotPermitted)
}

func TestStopAndRemove(t *testing.T) {
	m, _ := newTestManager(t)
	a, err := m.Construct(bgConfig("com.example.app"), 1, nil)
	require.NoError(t, err)
	b, err := m.Construct(bgConfig("com.example.app"), 1, nil)
	require.NoError(t, err)

	require.NoError(t, m.Stop(1, a))
	_, err = m.Show(1, a)
	require.ErrorIs(t, err, ErrTaskNotFound)
	require.ErrorIs(t, m.Stop(1, a), ErrTaskNotFound)

	require.NoError(t, m.Remove(1, b))
	_, err = m.Show(1, b)
	require.ErrorIs(t, err, ErrTaskNotFound)
	require.ErrorIs(t, m.Remove(1, b), ErrTaskNotFound)

	assert.EqualValues(t, 0, m.TotalCount())
	assert.EqualValues(t, 0, m.BackgroundCount())

	m.mu.Lock()
	_, found := m.reg.apps[1]
	m.mu.Unlock()
	assert.False(t, found, "expected empty owner map to be deleted")
}

func TestLegacySoftRetirement(t *testing.T) {
	m, _ := newTestManager(t)
	cfg := bgConfig("com.example.app")
	cfg.Version = V9
	id, err := m.Construct(cfg, 1, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, m.TotalCount())

	require.NoError(t, m.Stop(1, id))
	assert.EqualValues(t, 0, m.TotalCount())

	// The record stays queryable.
	info, err := m.Show(1, id)
	require.NoError(t, err)
	assert.Equal(t, Stopped, info.State)
	require.ErrorIs(t, m.Stop(1, id), ErrInvalidState)

	// Removing it later does not decrement again.
	require.NoError(t, m.Remove(1, id))
	assert.EqualValues(t, 0, m.TotalCount())
	_, err = m.Show(1, id)
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestQueryMimeType(t *testing.T) {
	m, _ := newTestManager(t)
	id, err := m.Construct(bgConfig("com.example.app"), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "", m.QueryMimeType(1, id))

	m.mu.Lock()
	m.reg.get(1, id).SetMimeType("application/zip")
	m.mu.Unlock()
	assert.Equal(t, "application/zip", m.QueryMimeType(1, id))
	assert.Equal(t, "", m.QueryMimeType(2, id))
}

// TestCounterInvariant applies random operations and checks that the
// total counter matches the jobs reachable from the registry, minus
// softly retired legacy jobs.
func TestCounterInvariant(t *testing.T) {
	m, _ := newTestManager(t)
	rnd := rand.New(rand.NewSource(1))

	type ref struct {
		uid uint64
		id  uint32
	}
	var refs []ref

	check := func(step int) {
		m.mu.Lock()
		defer m.mu.Unlock()
		var want, background uint32
		m.reg.each(func(j *Job) {
			state, _ := j.State()
			if j.Config.Version == V9 && state.IsTerminal() {
				return
			}
			want++
			if j.Config.Version == V10 && j != m.reg.front {
				background++
			}
		})
		require.Equal(t, want, m.total.Load(), "total counter at step %d", step)
		require.Equal(t, background, m.background.Load(), "background counter at step %d", step)
	}

	for step := 0; step < 2000; step++ {
		uid := uint64(rnd.Intn(4) + 1)
		switch op := rnd.Intn(6); {
		case op == 0 || len(refs) == 0:
			cfg := bgConfig("com.example.app")
			if rnd.Intn(3) == 0 {
				cfg.Version = V9
			}
			if id, err := m.Construct(cfg, uid, nil); err == nil {
				refs = append(refs, ref{uid, id})
			}
		case op == 1:
			r := refs[rnd.Intn(len(refs))]
			_ = m.StartTask(r.uid, r.id)
		case op == 2:
			r := refs[rnd.Intn(len(refs))]
			_ = m.Pause(r.uid, r.id)
		case op == 3:
			r := refs[rnd.Intn(len(refs))]
			_ = m.Resume(r.uid, r.id)
		case op == 4:
			r := refs[rnd.Intn(len(refs))]
			_ = m.Stop(r.uid, r.id)
		case op == 5:
			r := refs[rnd.Intn(len(refs))]
			_ = m.Remove(r.uid, r.id)
		}
		check(step)
	}
}

func TestJobCompletes(t *testing.T) {
	started := make(chan struct{}, 1)
	retired := make(chan struct{}, 10)

	r := newTestRunner()
	m, _ := newTestManager(t, SetRunner(r))
	m.testJobStarted = func() { started <- struct{}{} }
	m.testJobRetired = func() { retired <- struct{}{} }
	require.NoError(t, m.Start())
	defer m.Close()

	id, err := m.Construct(bgConfig("com.example.app"), 1, nil)
	require.NoError(t, err)
	require.NoError(t, m.StartTask(1, id))

	timeout := 2 * time.Second
	select {
	case <-started:
	case <-time.After(timeout):
		t.Fatal("Job Start timed out")
	}
	j := r.waitStarted(t)
	r.finish(t, nil)
	select {
	case <-retired:
	case <-time.After(timeout):
		t.Fatal("Job retirement timed out")
	}

	state, reason := j.State()
	assert.Equal(t, Completed, state)
	assert.Equal(t, ReasonDefault, reason)
	assert.EqualValues(t, 0, m.TotalCount())

	require.Eventually(t, func() bool {
		info, err := m.History(1, id)
		return err == nil && info.State == Completed
	}, timeout, 5*time.Millisecond)
}

func TestJobFailure(t *testing.T) {
	r := newTestRunner()
	m, _ := newTestManager(t, SetRunner(r))
	require.NoError(t, m.Start())
	defer m.Close()

	id, err := m.Construct(bgConfig("com.example.app"), 1, nil)
	require.NoError(t, err)
	require.NoError(t, m.StartTask(1, id))
	j := r.waitStarted(t)
	r.finish(t, errors.New("connection reset"))

	require.Eventually(t, func() bool {
		state, _ := j.State()
		return state == Failed
	}, 2*time.Second, 5*time.Millisecond)
	_, reason := j.State()
	assert.Equal(t, ReasonOthersError, reason)

	require.Eventually(t, func() bool {
		info, err := m.History(1, id)
		return err == nil && info.State == Failed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStopRunningJob(t *testing.T) {
	r := newTestRunner()
	m, _ := newTestManager(t, SetRunner(r))
	require.NoError(t, m.Start())
	defer m.Close()

	f, err := os.Create(filepath.Join(t.TempDir(), "download.bin"))
	require.NoError(t, err)
	id, err := m.Construct(bgConfig("com.example.app"), 1, []*os.File{f})
	require.NoError(t, err)
	require.NoError(t, m.StartTask(1, id))
	j := r.waitStarted(t)

	require.NoError(t, m.Stop(1, id))
	require.Eventually(t, func() bool {
		return !j.executing.Load() && j.Files() == nil
	}, 2*time.Second, 5*time.Millisecond)

	state, reason := j.State()
	assert.Equal(t, Stopped, state)
	assert.Equal(t, ReasonUserOperation, reason)
	assert.EqualValues(t, 0, m.TotalCount())
}

func TestPauseResumeRunningJob(t *testing.T) {
	r := newTestRunner()
	m, _ := newTestManager(t, SetRunner(r))
	require.NoError(t, m.Start())
	defer m.Close()

	id, err := m.Construct(bgConfig("com.example.app"), 1, nil)
	require.NoError(t, err)
	require.NoError(t, m.StartTask(1, id))
	j := r.waitStarted(t)

	require.NoError(t, m.Pause(1, id))
	require.Eventually(t, func() bool { return !j.executing.Load() }, 2*time.Second, 5*time.Millisecond)
	state, _ := j.State()
	assert.Equal(t, Paused, state)

	require.NoError(t, m.Resume(1, id))
	r.waitStarted(t)
	r.finish(t, nil)
	require.Eventually(t, func() bool {
		state, _ := j.State()
		return state == Completed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSweepNetworkWaitTimeout(t *testing.T) {
	clock := newFakeClock()
	m, p := newTestManager(t, SetClock(clock.Now))
	p.setOnline(false)

	id, err := m.Construct(bgConfig("com.example.app"), 1, nil)
	require.NoError(t, err)
	require.NoError(t, m.StartTask(1, id))
	m.mu.Lock()
	j := m.reg.get(1, id)
	m.mu.Unlock()

	clock.Advance(23 * time.Hour)
	m.Sweep()
	state, _ := j.State()
	require.Equal(t, Waiting, state)

	clock.Advance(2 * time.Hour)
	m.Sweep()
	state, reason := j.State()
	assert.Equal(t, Stopped, state)
	assert.Equal(t, ReasonNetworkWaitTimeout, reason)
	_, err = m.Show(1, id)
	require.ErrorIs(t, err, ErrTaskNotFound)
	assert.EqualValues(t, 0, m.TotalCount())
}

func TestSweepQuotaWaitIsNotTimedOut(t *testing.T) {
	clock := newFakeClock()
	m, _ := newTestManager(t, SetClock(clock.Now))
	var last uint32
	for i := 0; i < maxRunningPerApp+1; i++ {
		id, err := m.Construct(bgConfig("com.example.app"), 1, nil)
		require.NoError(t, err)
		require.NoError(t, m.StartTask(1, id))
		last = id
	}

	clock.Advance(25 * time.Hour)
	m.Sweep()
	info, err := m.Show(1, last)
	require.NoError(t, err)
	assert.Equal(t, Waiting, info.State)
}

func TestSweepOneMonth(t *testing.T) {
	clock := newFakeClock()
	m, _ := newTestManager(t, SetClock(clock.Now))
	id, err := m.Construct(bgConfig("com.example.app"), 1, nil)
	require.NoError(t, err)
	legacy := bgConfig("com.example.app")
	legacy.Version = V9
	old, err := m.Construct(legacy, 1, nil)
	require.NoError(t, err)

	clock.Advance(31 * 24 * time.Hour)
	m.Sweep()

	_, err = m.Show(1, id)
	require.ErrorIs(t, err, ErrTaskNotFound)
	info, err := m.Show(1, old)
	require.NoError(t, err)
	assert.Equal(t, Initialized, info.State)
	assert.EqualValues(t, 1, m.TotalCount())
}

func TestNetworkRecovery(t *testing.T) {
	r := newTestRunner()
	m, p := newTestManager(t, SetRunner(r))
	require.NoError(t, m.Start())
	defer m.Close()

	p.setOnline(false)
	id, err := m.Construct(bgConfig("com.example.app"), 1, nil)
	require.NoError(t, err)
	require.NoError(t, m.StartTask(1, id))
	info, err := m.Show(1, id)
	require.NoError(t, err)
	require.Equal(t, Waiting, info.State)

	p.setOnline(true)
	j := r.waitStarted(t)
	state, _ := j.State()
	assert.Equal(t, Retrying, state)
	assert.True(t, j.Retry())
	assert.EqualValues(t, 1, j.Tries())
	assert.Nil(t, j.WaitingSince())

	r.finish(t, nil)
}

func TestAppBackgroundStopsForegroundJob(t *testing.T) {
	m, p := newTestManager(t, SetRunner(newTestRunner()))
	require.NoError(t, m.Start())
	defer m.Close()

	p.appState(1, AppForeground)
	cfg := bgConfig("com.example.front")
	cfg.Mode = Foreground
	id, err := m.Construct(cfg, 1, nil)
	require.NoError(t, err)
	m.mu.Lock()
	j := m.reg.front
	m.mu.Unlock()

	// Another application going to the background is ignored.
	p.appState(2, AppBackground)
	_, err = m.Show(1, id)
	require.NoError(t, err)

	p.appState(1, AppBackground)
	require.Eventually(t, func() bool {
		return m.TotalCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
	state, reason := j.State()
	assert.Equal(t, Stopped, state)
	assert.Equal(t, ReasonAppBackgroundOrTerminated, reason)
	_, err = m.Show(1, id)
	require.ErrorIs(t, err, ErrTaskNotFound)

	// The application is no longer in the foreground.
	_, err = m.Construct(cfg, 1, nil)
	require.ErrorIs(t, err, ErrModeNotPermitted)
}

func TestIdleUnload(t *testing.T) {
	unloaded := make(chan struct{}, 1)
	r := newTestRunner()
	m, p := newTestManager(t, SetRunner(r), SetIdleCheckInterval(10*time.Millisecond))
	m.testIdleUnloaded = func() { unloaded <- struct{}{} }
	require.NoError(t, m.Start())
	defer m.Close()

	id, err := m.Construct(bgConfig("com.example.app"), 1, nil)
	require.NoError(t, err)
	require.NoError(t, m.StartTask(1, id))
	r.waitStarted(t)
	r.finish(t, nil)

	select {
	case <-unloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("Unload timed out")
	}
	assert.True(t, m.Unloading())

	_, err = m.Construct(bgConfig("com.example.app"), 1, nil)
	require.ErrorIs(t, err, ErrServiceUnloading)
	assert.Equal(t, CodeServiceUnloading, Code(err))

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, p.unloads.Load())
}

func TestIdleUnloadFailureRearms(t *testing.T) {
	r := newTestRunner()
	m, p := newTestManager(t, SetRunner(r), SetIdleCheckInterval(10*time.Millisecond))
	p.unloadErr = errors.New("service manager unavailable")
	require.NoError(t, m.Start())
	defer m.Close()

	id, err := m.Construct(bgConfig("com.example.app"), 1, nil)
	require.NoError(t, err)
	require.NoError(t, m.Remove(1, id))

	require.Eventually(t, func() bool { return p.unloads.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !m.idleArmed.Load() }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, m.Unloading())

	// No automatic retry until the next retirement.
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, p.unloads.Load())

	id, err = m.Construct(bgConfig("com.example.app"), 1, nil)
	require.NoError(t, err)
	require.NoError(t, m.Remove(1, id))
	require.Eventually(t, func() bool { return p.unloads.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestIdleMonitorKeepsPollingWhileBusy(t *testing.T) {
	m, p := newTestManager(t, SetRunner(newTestRunner()), SetIdleCheckInterval(10*time.Millisecond))
	require.NoError(t, m.Start())
	defer m.Close()

	id, err := m.Construct(bgConfig("com.example.app"), 1, nil)
	require.NoError(t, err)

	// Empty the registry while holding its lock, so the armed monitor
	// only sees contention.
	m.mu.Lock()
	j := m.reg.get(1, id)
	j.SetStatus(Removed, ReasonUserOperation)
	m.reg.remove(j)
	j.counted.Store(false)
	m.total.Store(0)
	m.background.Store(0)
	m.maybeUnload()
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 0, p.unloads.Load())

	// A new admission arrives before the monitor gets the lock.
	next := newJob(bgConfig("com.example.app"), 1, id+1, nil, p, time.Now)
	m.reg.add(next)
	next.counted.Store(true)
	m.total.Add(1)
	m.background.Add(1)
	m.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, p.unloads.Load())
	assert.True(t, m.idleArmed.Load(), "expected monitor to keep polling")
	assert.False(t, m.Unloading())
}

func TestFrontNotify(t *testing.T) {
	var events []string
	sink := NotificationSinkFunc(func(event string, data *NotifyData) {
		events = append(events, event)
	})
	m, p := newTestManager(t)
	assert.False(t, m.HasNotificationSink())
	m.FrontNotify("progress", &NotifyData{UID: 1})

	m, p = newTestManager(t, SetNotificationSink(sink))
	require.True(t, m.HasNotificationSink())

	p.setForegroundBundle("com.example.front")
	m.FrontNotify("progress", &NotifyData{UID: 1, Bundle: "com.example.back"})
	m.FrontNotify("complete", &NotifyData{UID: 1, Bundle: "com.example.front"})
	require.Equal(t, []string{"complete"}, events)

	m.onAppStateChange(2, AppForeground)
	m.FrontNotify("complete", &NotifyData{UID: 1, Bundle: "com.example.front"})
	m.FrontNotify("fail", &NotifyData{UID: 2})
	require.Equal(t, []string{"complete", "fail"}, events)
	assert.False(t, m.LastFrontNotify().IsZero())
}

func TestStatsAndClearAll(t *testing.T) {
	m, _ := newTestManager(t)
	m.onAppStateChange(1, AppForeground)
	front := bgConfig("com.example.front")
	front.Mode = Foreground
	_, err := m.Construct(front, 1, nil)
	require.NoError(t, err)

	a, err := m.Construct(bgConfig("com.example.app"), 2, nil)
	require.NoError(t, err)
	_, err = m.Construct(bgConfig("com.example.app"), 2, nil)
	require.NoError(t, err)
	_, err = m.Construct(bgConfig("com.example.other"), 3, nil)
	require.NoError(t, err)
	require.NoError(t, m.StartTask(2, a))
	require.NoError(t, m.Pause(2, a))

	st := m.Stats()
	assert.EqualValues(t, 4, st.Total)
	assert.EqualValues(t, 3, st.Background)
	assert.Equal(t, 2, st.Apps)
	assert.True(t, st.Foreground)
	assert.Equal(t, 3, st.Initialized)
	assert.Equal(t, 1, st.Paused)

	m.ClearAll()
	st = m.Stats()
	assert.EqualValues(t, 0, st.Total)
	assert.EqualValues(t, 0, st.Background)
	assert.Equal(t, 0, st.Apps)
	assert.False(t, st.Foreground)
}

func TestNetworkRecoveryResumesForegroundJob(t *testing.T) {
	r := newTestRunner()
	m, p := newTestManager(t, SetRunner(r))
	require.NoError(t, m.Start())
	defer m.Close()

	p.appState(1, AppForeground)
	cfg := bgConfig("com.example.front")
	cfg.Mode = Foreground
	id, err := m.Construct(cfg, 1, nil)
	require.NoError(t, err)

	p.setOnline(false)
	require.NoError(t, m.StartTask(1, id))
	info, err := m.Show(1, id)
	require.NoError(t, err)
	require.Equal(t, Waiting, info.State)

	p.setOnline(true)
	j := r.waitStarted(t)
	assert.EqualValues(t, id, j.ID)
	state, _ := j.State()
	assert.Equal(t, Retrying, state)

	r.finish(t, nil)
	require.Eventually(t, func() bool {
		return m.TotalCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNetworkSettleDelay(t *testing.T) {
	const delay = 200 * time.Millisecond
	scanned := make(chan struct{}, 10)
	r := newTestRunner()
	m, p := newTestManager(t, SetRunner(r), SetNetworkSettleDelay(delay))
	m.testNetScanned = func() { scanned <- struct{}{} }
	require.NoError(t, m.Start())
	defer m.Close()

	p.setOnline(false)
	id, err := m.Construct(bgConfig("com.example.app"), 1, nil)
	require.NoError(t, err)
	require.NoError(t, m.StartTask(1, id))

	began := time.Now()
	p.setOnline(true)
	select {
	case <-scanned:
	case <-time.After(2 * time.Second):
		t.Fatal("network scan timed out")
	}
	info, err := m.Show(1, id)
	require.NoError(t, err)
	assert.Equal(t, Waiting, info.State)

	j := r.waitStarted(t)
	assert.GreaterOrEqual(t, time.Since(began), delay)
	state, _ := j.State()
	assert.Equal(t, Retrying, state)
	r.finish(t, nil)
}

func TestNetworkResumeRechecksAtFireTime(t *testing.T) {
	scanned := make(chan struct{}, 10)
	resumed := make(chan struct{}, 10)
	r := newTestRunner()
	m, p := newTestManager(t, SetRunner(r), SetNetworkSettleDelay(200*time.Millisecond))
	m.testNetScanned = func() { scanned <- struct{}{} }
	m.testNetResumed = func() { resumed <- struct{}{} }
	require.NoError(t, m.Start())
	defer m.Close()

	p.setOnline(false)
	// Retiring a job re-offers its owner's waiters, so the removed one
	// belongs to another application.
	uids := []uint64{2, 1, 1, 1}
	ids := make([]uint32, len(uids))
	for i, uid := range uids {
		id, err := m.Construct(bgConfig("com.example.app"), uid, nil)
		require.NoError(t, err)
		require.NoError(t, m.StartTask(uid, id))
		ids[i] = id
	}
	removed, paused, restarted, waiting := ids[0], ids[1], ids[2], ids[3]

	p.setOnline(true)
	select {
	case <-scanned:
	case <-time.After(2 * time.Second):
		t.Fatal("network scan timed out")
	}

	// All of this happens while the resumes are still settling.
	require.NoError(t, m.Remove(2, removed))
	require.NoError(t, m.Pause(1, paused))
	require.NoError(t, m.Pause(1, restarted))
	require.NoError(t, m.Resume(1, restarted))
	first := r.waitStarted(t)
	assert.EqualValues(t, restarted, first.ID)

	for range ids {
		select {
		case <-resumed:
		case <-time.After(2 * time.Second):
			t.Fatal("network resume timed out")
		}
	}
	second := r.waitStarted(t)
	assert.EqualValues(t, waiting, second.ID)
	select {
	case j := <-r.started:
		t.Fatalf("unexpected run of task %d", j.ID)
	default:
	}

	_, err := m.Show(2, removed)
	require.ErrorIs(t, err, ErrTaskNotFound)
	info, err := m.Show(1, paused)
	require.NoError(t, err)
	assert.Equal(t, Paused, info.State)
	info, err = m.Show(1, restarted)
	require.NoError(t, err)
	assert.Equal(t, Running, info.State)
}

func TestAppStateCallbackIgnoredWhenStopped(t *testing.T) {
	m, _ := newTestManager(t)
	m.onAppStateChange(1, AppForeground)
	cfg := bgConfig("com.example.front")
	cfg.Mode = Foreground
	id, err := m.Construct(cfg, 1, nil)
	require.NoError(t, err)

	// Nothing runs the stop while the manager is not started.
	m.onAppStateChange(1, AppBackground)
	info, err := m.Show(1, id)
	require.NoError(t, err)
	assert.Equal(t, Initialized, info.State)
	assert.False(t, m.isFrontApp(1, ""))
}

func TestJobOutcomesNotifyFrontApp(t *testing.T) {
	type event struct {
		name string
		id   uint32
	}
	events := make(chan event, 10)
	sink := NotificationSinkFunc(func(name string, data *NotifyData) {
		events <- event{name: name, id: data.TaskID}
	})
	r := newTestRunner()
	m, p := newTestManager(t, SetRunner(r), SetNotificationSink(sink))
	require.NoError(t, m.Start())
	defer m.Close()

	next := func() event {
		t.Helper()
		select {
		case e := <-events:
			return e
		case <-time.After(2 * time.Second):
			t.Fatal("notification timed out")
		}
		return event{}
	}

	p.appState(1, AppForeground)
	cfg := bgConfig("com.example.front")
	cfg.Mode = Foreground
	front, err := m.Construct(cfg, 1, nil)
	require.NoError(t, err)
	require.NoError(t, m.StartTask(1, front))
	r.waitStarted(t)
	r.finish(t, nil)
	assert.Equal(t, event{name: EventComplete, id: front}, next())

	back, err := m.Construct(bgConfig("com.example.front"), 1, nil)
	require.NoError(t, err)
	require.NoError(t, m.StartTask(1, back))
	r.waitStarted(t)
	r.finish(t, errors.New("connection reset"))
	assert.Equal(t, event{name: EventFail, id: back}, next())
}

func TestOperationsNotifyFrontApp(t *testing.T) {
	var events []string
	sink := NotificationSinkFunc(func(event string, data *NotifyData) {
		events = append(events, event)
	})
	m, _ := newTestManager(t, SetNotificationSink(sink))
	m.onAppStateChange(1, AppForeground)

	id, err := m.Construct(bgConfig("com.example.app"), 1, nil)
	require.NoError(t, err)
	require.NoError(t, m.StartTask(1, id))
	require.NoError(t, m.Pause(1, id))
	require.NoError(t, m.Resume(1, id))
	require.ErrorIs(t, m.Resume(1, id), ErrInvalidState)
	require.NoError(t, m.Remove(1, id))
	assert.Equal(t, []string{EventPause, EventResume, EventRemove}, events)

	// Applications in the background are not notified.
	other, err := m.Construct(bgConfig("com.example.other"), 2, nil)
	require.NoError(t, err)
	require.NoError(t, m.StartTask(2, other))
	require.NoError(t, m.Pause(2, other))
	require.NoError(t, m.Remove(2, other))
	assert.Len(t, events, 3)
}

func TestRecordsRequireRunningManager(t *testing.T) {
	m, _ := newTestManager(t, SetRunner(newTestRunner()))
	id, err := m.Construct(bgConfig("com.example.app"), 1, nil)
	require.NoError(t, err)
	require.NoError(t, m.StartTask(1, id))
	require.NoError(t, m.Pause(1, id))
	assert.Equal(t, 0, m.recq.len())

	require.NoError(t, m.Start())
	require.NoError(t, m.Close())
	require.NoError(t, m.Resume(1, id))
	require.NoError(t, m.Pause(1, id))
	assert.Equal(t, 0, m.recq.len())
}

func TestSweepOffersFreedRunningSlots(t *testing.T) {
	clock := newFakeClock()
	m, _ := newTestManager(t, SetClock(clock.Now))
	ids := make([]uint32, maxRunningPerApp+1)
	for i := range ids {
		id, err := m.Construct(bgConfig("com.example.app"), 1, nil)
		require.NoError(t, err)
		require.NoError(t, m.StartTask(1, id))
		ids[i] = id
	}
	last := ids[len(ids)-1]
	info, err := m.Show(1, last)
	require.NoError(t, err)
	require.Equal(t, Waiting, info.State)
	require.Equal(t, ReasonRunningQuotaExceeded, info.Code)

	// Pausing frees a slot without retiring anything.
	require.NoError(t, m.Pause(1, ids[0]))
	info, err = m.Show(1, last)
	require.NoError(t, err)
	require.Equal(t, Waiting, info.State)

	m.Sweep()
	info, err = m.Show(1, last)
	require.NoError(t, err)
	assert.Equal(t, Running, info.State)
}
