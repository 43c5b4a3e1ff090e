// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskmanager

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency        = 4
	defaultSweepInterval      = 30 * time.Minute
	defaultIdleCheckInterval  = 60 * time.Second
	defaultNetworkSettleDelay = 10 * time.Second
	defaultServiceID          = 3706
	maxJobAge                 = 30 * 24 * time.Hour
	maxNetworkWait            = 24 * time.Hour
)

func nop() {}

// Manager admits jobs, enforces quotas, drives the job lifecycle and
// retires the hosting service once idle. Create a new manager via New.
type Manager struct {
	logger   *slog.Logger
	st       Store // history
	runner   Runner
	platform PlatformBridge
	sink     NotificationSink
	backoff  BackoffFunc
	now      func() time.Time

	concurrency   int
	sweepSchedule cron.Schedule
	idleInterval  time.Duration
	settleDelay   time.Duration
	serviceID     int32

	mu  sync.Mutex // registry lock, guards reg
	reg *registry

	nextID     atomic.Uint32
	total      atomic.Uint32 // all live jobs
	background atomic.Uint32 // admitted V10 background jobs
	unloading  atomic.Bool
	idleArmed  atomic.Bool
	recording  atomic.Bool // a record loop consumes recq

	appMu     sync.Mutex // guards the foreground application tracking
	frontUID  *uint64
	frontBeat time.Time // last notification delivered to the foreground app

	runq *fifo[*Job]
	recq *fifo[record]

	lifeMu  sync.Mutex // guards the following block
	started bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	g       *errgroup.Group

	testJobStarted   func() // testing hook
	testJobRetired   func() // testing hook
	testJobRecorded  func() // testing hook
	testSweepDone    func() // testing hook
	testIdleUnloaded func() // testing hook
	testNetScanned   func() // testing hook
	testNetResumed   func() // testing hook
}

// New creates a new manager. Pass options to configure it.
func New(options ...ManagerOption) *Manager {
	m := &Manager{
		logger:           slog.Default(),
		st:               NewInMemoryStore(),
		platform:         nopPlatform{},
		backoff:          exponentialBackoff,
		now:              time.Now,
		concurrency:      defaultConcurrency,
		sweepSchedule:    cron.Every(defaultSweepInterval),
		idleInterval:     defaultIdleCheckInterval,
		settleDelay:      defaultNetworkSettleDelay,
		serviceID:        defaultServiceID,
		reg:              newRegistry(),
		runq:             newFIFO[*Job](),
		recq:             newFIFO[record](),
		testJobStarted:   nop,
		testJobRetired:   nop,
		testJobRecorded:  nop,
		testSweepDone:    nop,
		testIdleUnloaded: nop,
		testNetScanned:   nop,
		testNetResumed:   nop,
	}
	m.nextID.Store(rand.Uint32())
	for _, opt := range options {
		opt(m)
	}
	return m
}

// -- Configuration --

// ManagerOption is the signature of an options provider.
type ManagerOption func(*Manager)

// SetLogger specifies the structured logger of the manager.
func SetLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// SetStore specifies the history Store. An in-memory store is used by
// default.
func SetStore(store Store) ManagerOption {
	return func(m *Manager) {
		m.st = store
	}
}

// SetRunner specifies the Runner that executes job transfers.
func SetRunner(runner Runner) ManagerOption {
	return func(m *Manager) {
		m.runner = runner
	}
}

// SetPlatform specifies the bridge to the hosting platform.
func SetPlatform(p PlatformBridge) ManagerOption {
	return func(m *Manager) {
		if p != nil {
			m.platform = p
		}
	}
}

// SetNotificationSink specifies where notifications for the foreground
// application are delivered.
func SetNotificationSink(sink NotificationSink) ManagerOption {
	return func(m *Manager) {
		m.sink = sink
	}
}

// SetConcurrency sets the number of workers executing jobs. It is 4 by
// default and must be at least 1.
func SetConcurrency(n int) ManagerOption {
	return func(m *Manager) {
		if n < 1 {
			n = 1
		}
		m.concurrency = n
	}
}

// SetSweepSchedule specifies when stale and stuck jobs are swept. The
// sweep runs every 30 minutes by default.
func SetSweepSchedule(schedule cron.Schedule) ManagerOption {
	return func(m *Manager) {
		if schedule != nil {
			m.sweepSchedule = schedule
		}
	}
}

// SetIdleCheckInterval sets the poll interval of the idle-unload
// monitor. It is 60 seconds by default.
func SetIdleCheckInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.idleInterval = d
		}
	}
}

// SetNetworkSettleDelay sets how long waiting jobs wait after the
// network came back before they are started. It is 10 seconds by default.
func SetNetworkSettleDelay(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d >= 0 {
			m.settleDelay = d
		}
	}
}

// SetServiceID specifies the identifier passed to the platform when the
// service unloads itself.
func SetServiceID(id int32) ManagerOption {
	return func(m *Manager) {
		m.serviceID = id
	}
}

// SetClock replaces the wall clock used for job timestamps and sweeps.
func SetClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// SetBackoffFunc specifies the backoff between retries of failed history
// writes. Exponential backoff is used by default.
func SetBackoffFunc(fn BackoffFunc) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.backoff = fn
		} else {
			m.backoff = exponentialBackoff
		}
	}
}

// -- Start and Stop --

// Start runs the workers, the sweep and the history recorder, and
// registers the platform callbacks. Use Close or CloseWithTimeout to
// stop it.
func (m *Manager) Start() error {
	m.lifeMu.Lock()
	if m.started {
		m.lifeMu.Unlock()
		return errors.New("taskmanager: manager already started")
	}
	if m.runner == nil {
		m.lifeMu.Unlock()
		return errors.New("taskmanager: no runner configured")
	}
	if err := m.st.Start(); err != nil {
		m.lifeMu.Unlock()
		return err
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.g, m.ctx = errgroup.WithContext(m.ctx)
	for i := 0; i < m.concurrency; i++ {
		m.g.Go(func() error {
			m.work(m.ctx)
			return nil
		})
	}
	m.g.Go(func() error {
		m.sweepLoop(m.ctx)
		return nil
	})
	m.recording.Store(true)
	m.g.Go(func() error {
		m.recordLoop(m.ctx)
		return nil
	})
	m.started = true
	m.lifeMu.Unlock()

	m.platform.RegisterNetworkCallback(m.onNetworkChange)
	m.platform.RegisterAppStateCallback(m.onAppStateChange)

	m.logger.Info("task manager started",
		slog.Int("concurrency", m.concurrency),
		slog.Int("service_id", int(m.serviceID)),
	)
	return nil
}

// Close stops the manager and waits for all workers and monitors to
// return. Runners see their context cancelled.
func (m *Manager) Close() error {
	return m.CloseWithTimeout(-1 * time.Second)
}

// CloseWithTimeout stops the manager. It waits for the specified timeout
// for workers and monitors to return. If the timeout is negative, it
// waits forever.
func (m *Manager) CloseWithTimeout(timeout time.Duration) error {
	m.lifeMu.Lock()
	if !m.started || m.closed {
		m.lifeMu.Unlock()
		return nil
	}
	m.closed = true
	m.recording.Store(false)
	m.cancel()
	m.lifeMu.Unlock()

	if timeout < 0 {
		_ = m.g.Wait()
		m.logger.Info("task manager stopped")
		return nil
	}

	done := make(chan struct{})
	go func() {
		_ = m.g.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("task manager stopped")
		return nil
	case <-time.After(timeout):
		return errors.New("taskmanager: close timed out")
	}
}

// spawn runs fn as a background unit of the manager. It reports false
// if the manager is not running.
func (m *Manager) spawn(fn func(ctx context.Context)) bool {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if !m.started || m.closed {
		return false
	}
	ctx := m.ctx
	m.g.Go(func() error {
		fn(ctx)
		return nil
	})
	return true
}

// -- Admission --

// Construct admits a new job for the application uid and returns its
// identifier. The job takes ownership of files.
func (m *Manager) Construct(cfg Config, uid uint64, files []*os.File) (uint32, error) {
	id := m.nextID.Add(1)
	j := newJob(cfg, uid, id, files, m.platform, m.now)
	logger := m.logger.With(jobAttrs(j)...)

	var front bool
	if cfg.Mode == Foreground {
		front = m.isFrontApp(uid, cfg.Bundle)
	}

	m.mu.Lock()
	if m.unloading.Load() {
		m.mu.Unlock()
		_ = j.releaseFiles()
		logger.Warn("construct rejected: service is unloading")
		return 0, ErrServiceUnloading
	}

	if cfg.Mode == Foreground {
		if !front {
			m.mu.Unlock()
			_ = j.releaseFiles()
			logger.Error("construct rejected: application is not in the foreground")
			return 0, ErrModeNotPermitted
		}
		old := m.reg.front
		m.reg.front = j
		if old != nil && old.counted.CompareAndSwap(true, false) {
			j.counted.Store(true)
		} else {
			j.counted.Store(true)
			m.total.Add(1)
		}
		m.mu.Unlock()
		if old != nil {
			old.SetStatus(Stopped, ReasonDisplacedByNewForegroundJob)
			m.releaseFiles(old)
			m.record(old)
			logger.Info("foreground task displaced", slog.Uint64("displaced_task_id", uint64(old.ID)))
		}
		m.record(j)
		logger.Debug("foreground task constructed")
		return id, nil
	}

	if err := m.reg.admitBackground(j, m.background.Load()); err != nil {
		m.mu.Unlock()
		_ = j.releaseFiles()
		logger.Error("construct rejected: quota exceeded",
			slog.Uint64("background", uint64(m.background.Load())),
		)
		return 0, err
	}
	j.counted.Store(true)
	m.total.Add(1)
	if cfg.Version == V10 {
		m.background.Add(1)
	}
	apps := m.reg.appCount(uid)
	m.mu.Unlock()

	m.record(j)
	logger.Debug("task constructed", slog.Int("app_tasks", apps))
	return id, nil
}

// -- Lifecycle --

// StartTask starts an initialized job. If the network is unavailable or
// the application already runs too many jobs, the job moves to Waiting
// and StartTask still succeeds.
func (m *Manager) StartTask(uid uint64, id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.reg.get(uid, id)
	if j == nil {
		m.logger.Error("start: task not found", slog.Uint64("uid", uid), slog.Uint64("task_id", uint64(id)))
		return ErrTaskNotFound
	}
	if state, _ := j.State(); state != Initialized {
		m.logger.Error("start: task is not initialized", slog.Uint64("task_id", uint64(id)), slog.String("state", state.String()))
		return ErrInvalidState
	}
	m.startLocked(j)
	return nil
}

// startLocked runs the start gate: network check, running quota, then
// scheduling. The registry lock must be held.
func (m *Manager) startLocked(j *Job) {
	logger := m.logger.With(jobAttrs(j)...)
	if !j.CheckNetworkStatus() {
		logger.Info("task waits for network")
		m.record(j)
		return
	}
	if !m.reg.runningGateOpen(j) {
		j.SetStatus(Waiting, ReasonRunningQuotaExceeded)
		logger.Debug("task waits for a running slot")
		m.record(j)
		return
	}

	state, reason := j.State()
	if state == Waiting && reason.IsNetwork() {
		j.markRetry()
		j.SetStatus(Retrying, ReasonDefault)
	} else {
		j.SetStatus(Running, ReasonDefault)
	}
	m.schedule(j)
	m.record(j)
	logger.Debug("task scheduled")
}

// Pause pauses an active background job.
func (m *Manager) Pause(uid uint64, id uint32) error {
	j, err := m.pause(uid, id)
	if err != nil {
		return err
	}
	m.notify(EventPause, j)
	return nil
}

func (m *Manager) pause(uid uint64, id uint32) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.reg.get(uid, id)
	if j == nil {
		return nil, ErrTaskNotFound
	}
	if j.Config.Mode == Foreground {
		m.logger.Error("pause: foreground tasks cannot be paused", slog.Uint64("task_id", uint64(id)))
		return nil, ErrModeNotPermitted
	}
	state, _ := j.State()
	if (state != Running && state != Retrying && state != Waiting) || !j.SetStatus(Paused, ReasonUserOperation) {
		m.logger.Error("pause: invalid task state", slog.Uint64("task_id", uint64(id)), slog.String("state", state.String()))
		return nil, ErrInvalidState
	}
	m.record(j)
	return j, nil
}

// Resume resumes a paused background job through the start gate.
func (m *Manager) Resume(uid uint64, id uint32) error {
	j, err := m.resume(uid, id)
	if err != nil {
		return err
	}
	m.notify(EventResume, j)
	return nil
}

func (m *Manager) resume(uid uint64, id uint32) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.reg.get(uid, id)
	if j == nil {
		return nil, ErrTaskNotFound
	}
	if j.Config.Mode == Foreground {
		m.logger.Error("resume: foreground tasks cannot be resumed", slog.Uint64("task_id", uint64(id)))
		return nil, ErrModeNotPermitted
	}
	if state, _ := j.State(); state != Paused {
		m.logger.Error("resume: task is not paused", slog.Uint64("task_id", uint64(id)), slog.String("state", state.String()))
		return nil, ErrInvalidState
	}
	m.startLocked(j)
	return j, nil
}

// Stop stops a job and retires it.
func (m *Manager) Stop(uid uint64, id uint32) error {
	m.mu.Lock()
	j := m.reg.get(uid, id)
	if j == nil {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	if !j.SetStatus(Stopped, ReasonUserOperation) {
		m.mu.Unlock()
		state, _ := j.State()
		m.logger.Error("stop: invalid task state", slog.Uint64("task_id", uint64(id)), slog.String("state", state.String()))
		return ErrInvalidState
	}
	m.mu.Unlock()

	m.afterJobProcessed(j)
	m.logger.Info("task stopped", jobAttrs(j)...)
	return nil
}

// Remove removes a job regardless of its state and retires it.
func (m *Manager) Remove(uid uint64, id uint32) error {
	m.mu.Lock()
	j := m.reg.get(uid, id)
	if j == nil {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	j.SetStatus(Removed, ReasonUserOperation)
	m.mu.Unlock()

	m.afterJobProcessed(j)
	m.logger.Info("task removed", jobAttrs(j)...)
	m.notify(EventRemove, j)
	return nil
}

// Show returns a snapshot of a job, or ErrTaskNotFound.
func (m *Manager) Show(uid uint64, id uint32) (*TaskInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.reg.get(uid, id)
	if j == nil {
		return nil, ErrTaskNotFound
	}
	return j.Show(), nil
}

// QueryMimeType returns the mime type of a job, or an empty string if
// the job does not exist.
func (m *Manager) QueryMimeType(uid uint64, id uint32) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.reg.get(uid, id)
	if j == nil {
		return ""
	}
	return j.MimeType()
}

// -- Retirement --

// afterJobProcessed is the single path for finished or retired jobs.
func (m *Manager) afterJobProcessed(j *Job) {
	m.retire(j)
	m.maybeUnload()
}

// retire removes a job in a terminal state from the registry and
// releases it from the counters. Legacy V9 jobs that were not removed
// stay registered for inspection and only give up their files.
func (m *Manager) retire(j *Job) {
	state, _ := j.State()
	if !state.IsTerminal() {
		return
	}

	m.mu.Lock()
	if j.Config.Version == V9 && state != Removed && m.reg.contains(j) {
		m.mu.Unlock()
		m.releaseFiles(j)
		if j.counted.CompareAndSwap(true, false) {
			m.total.Add(^uint32(0))
		}
		m.record(j)
		m.testJobRetired()
		return
	}

	found, front := m.reg.remove(j)
	if found && j.counted.CompareAndSwap(true, false) {
		m.total.Add(^uint32(0))
	}
	if found && !front && j.Config.Version == V10 {
		m.background.Add(^uint32(0))
		m.processWaitingLocked(j.UID)
	}
	m.mu.Unlock()

	m.releaseFiles(j)
	if found {
		m.record(j)
		m.logger.Debug("task retired", jobAttrs(j)...)
	}
	m.testJobRetired()
}

// releaseFiles closes the files of j unless a Runner still uses them.
// The worker retires the job again once the Runner returned.
func (m *Manager) releaseFiles(j *Job) {
	if j.executing.Load() {
		return
	}
	if err := j.releaseFiles(); err != nil {
		m.logger.Warn("releasing files failed", append(jobAttrs(j), errAttr(err))...)
	}
}

// processWaitingLocked offers every waiting job of uid to the start
// gate. The registry lock must be held.
func (m *Manager) processWaitingLocked(uid uint64) {
	for _, j := range m.reg.apps[uid] {
		if state, _ := j.State(); state == Waiting {
			m.startLocked(j)
		}
	}
}

// -- Introspection --

// TotalCount returns the number of live jobs.
func (m *Manager) TotalCount() uint32 {
	return m.total.Load()
}

// BackgroundCount returns the number of admitted V10 background jobs.
func (m *Manager) BackgroundCount() uint32 {
	return m.background.Load()
}

// Unloading reports whether the service started to retire.
func (m *Manager) Unloading() bool {
	return m.unloading.Load()
}

// ClearAll drops every job and resets the counters. Running transfers
// are not interrupted; their completion finds nothing to retire.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	var jobs []*Job
	m.reg.each(func(j *Job) {
		jobs = append(jobs, j)
	})
	m.reg = newRegistry()
	m.total.Store(0)
	m.background.Store(0)
	m.mu.Unlock()

	for _, j := range jobs {
		j.counted.Store(false)
		m.releaseFiles(j)
	}
	m.logger.Info("all tasks cleared", slog.Int("count", len(jobs)))
}
