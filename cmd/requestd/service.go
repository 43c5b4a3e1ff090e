package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/olivere/taskmanager"
	"github.com/olivere/taskmanager/internal/simulator"
)

// service bundles a started manager with its simulated host.
type service struct {
	m        *taskmanager.Manager
	platform *simulator.Platform
	store    io.Closer
	unloaded chan struct{}
	once     sync.Once
}

// newService opens the store and starts a manager backed by the
// simulator. The unloaded channel is closed once the manager asks the
// host to retire the service.
func newService(ctx context.Context, cfg *Config, logger *slog.Logger) (*service, error) {
	st, closer, err := openStore(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Type, err)
	}
	schedule, err := cfg.Manager.sweepSchedule()
	if err != nil {
		closer.Close()
		return nil, err
	}

	svc := &service{store: closer, unloaded: make(chan struct{})}
	svc.platform = simulator.NewPlatform(logger, func(serviceID int32) error {
		svc.once.Do(func() { close(svc.unloaded) })
		return nil
	})
	runner := &simulator.Runner{
		RunTime:     cfg.Simulation.RunTime,
		FailureRate: cfg.Simulation.FailureRate,
		Logger:      logger,
	}
	sink := taskmanager.NotificationSinkFunc(func(event string, data *taskmanager.NotifyData) {
		logger.DebugContext(ctx, "notify", "event", event, "uid", data.UID, "task_id", data.TaskID, "state", data.State)
	})

	svc.m = taskmanager.New(
		taskmanager.SetLogger(logger),
		taskmanager.SetStore(st),
		taskmanager.SetRunner(runner),
		taskmanager.SetPlatform(svc.platform),
		taskmanager.SetNotificationSink(sink),
		taskmanager.SetConcurrency(cfg.Manager.Concurrency),
		taskmanager.SetSweepSchedule(schedule),
		taskmanager.SetIdleCheckInterval(cfg.Manager.IdleCheckInterval),
		taskmanager.SetNetworkSettleDelay(cfg.Manager.NetworkSettleDelay),
		taskmanager.SetServiceID(cfg.Manager.ServiceID),
	)
	if err := svc.m.Start(); err != nil {
		closer.Close()
		return nil, fmt.Errorf("starting manager: %w", err)
	}
	return svc, nil
}

// close stops the manager and closes the store.
func (svc *service) close(cfg *Config) error {
	err := svc.m.CloseWithTimeout(cfg.Manager.ShutdownTimeout)
	if cerr := svc.store.Close(); err == nil {
		err = cerr
	}
	return err
}
