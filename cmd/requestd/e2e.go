package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/olivere/taskmanager"
)

var e2eFlags struct {
	duration    time.Duration
	apps        int
	fillTime    time.Duration
	flapTime    time.Duration
	logInterval time.Duration
}

var e2eCmd = &cobra.Command{
	Use:   "e2e",
	Short: "drive the task manager with simulated applications and network changes",
	RunE:  doE2E,
}

func init() {
	e2eCmd.Flags().DurationVar(&e2eFlags.duration, "duration", 30*time.Second, "how long to run (0 runs until interrupted)")
	e2eCmd.Flags().IntVar(&e2eFlags.apps, "apps", 5, "number of simulated applications")
	e2eCmd.Flags().DurationVar(&e2eFlags.fillTime, "fill-time", 500*time.Millisecond, "interval in which new tasks get added")
	e2eCmd.Flags().DurationVar(&e2eFlags.flapTime, "flap-time", 10*time.Second, "interval in which the network or the foreground app changes")
	e2eCmd.Flags().DurationVar(&e2eFlags.logInterval, "log-interval", time.Second, "log interval for stats")
}

func doE2E(cmd *cobra.Command, args []string) error {
	if e2eFlags.apps <= 0 {
		return fmt.Errorf("apps must be greater than 0")
	}
	if e2eFlags.fillTime <= 0 || e2eFlags.flapTime <= 0 || e2eFlags.logInterval <= 0 {
		return fmt.Errorf("intervals must be greater than 0")
	}
	ctx := contextAttrs(cmd.Context(), slog.Group("requestd",
		slog.String("cmd", "e2e"),
		slog.Int("pid", os.Getpid()),
	))
	if e2eFlags.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e2eFlags.duration)
		defer cancel()
	}

	svc, err := newService(ctx, config, logger)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return enqueuer(ctx, svc.m, e2eFlags.apps, e2eFlags.fillTime)
	})
	g.Go(func() error {
		flapper(ctx, svc, e2eFlags.apps, e2eFlags.flapTime)
		return nil
	})
	g.Go(func() error {
		statsLogger(ctx, svc.m, e2eFlags.logInterval)
		return nil
	})

	err = g.Wait()
	if cerr := svc.close(config); err == nil {
		err = cerr
	}
	logger.InfoContext(ctx, "exiting", "total", svc.m.TotalCount())
	return err
}

func appUID(i int) uint64 {
	return uint64(100 + i)
}

func appBundle(i int) string {
	return fmt.Sprintf("com.example.app%d", i)
}

func randomApp(apps int) int {
	return rand.IntN(apps)
}

// sleep waits for d and returns false if ctx is done first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// enqueuer admits and starts tasks at random, and pauses, resumes or
// stops some of the tasks it started.
func enqueuer(ctx context.Context, m *taskmanager.Manager, apps int, fillTime time.Duration) error {
	type task struct {
		uid uint64
		id  uint32
	}
	var (
		started []task
		cnt     int
	)
	for {
		if !sleep(ctx, rand.N(fillTime)+time.Millisecond) {
			return nil
		}
		app := randomApp(apps)
		cnt++
		cfg := taskmanager.Config{
			Action:  taskmanager.Action(rand.IntN(2)),
			Version: taskmanager.V10,
			Mode:    taskmanager.Background,
			Network: taskmanager.AnyNetwork,
			Bundle:  appBundle(app),
			URL:     fmt.Sprintf("https://example.com/files/%05d.bin", cnt),
			Title:   fmt.Sprintf("#%05d", cnt),
		}
		switch n := rand.IntN(10); {
		case n == 0:
			cfg.Version = taskmanager.V9
		case n == 1:
			cfg.Mode = taskmanager.Foreground
		case n == 2:
			cfg.Network = taskmanager.Wifi
		}
		uid := appUID(app)
		id, err := m.Construct(cfg, uid, nil)
		if err != nil {
			logger.DebugContext(ctx, "task rejected", "uid", uid, "mode", cfg.Mode, "code", taskmanager.Code(err))
			continue
		}
		if err := m.StartTask(uid, id); err != nil {
			logger.DebugContext(ctx, "task not started", "uid", uid, "task_id", id, "code", taskmanager.Code(err))
			continue
		}
		started = append(started, task{uid, id})
		if len(started) > 100 {
			started = started[len(started)-100:]
		}

		t := started[rand.IntN(len(started))]
		var op string
		switch rand.IntN(20) {
		case 0:
			op, err = "pause", m.Pause(t.uid, t.id)
		case 1:
			op, err = "resume", m.Resume(t.uid, t.id)
		case 2:
			op, err = "stop", m.Stop(t.uid, t.id)
		case 3:
			op, err = "remove", m.Remove(t.uid, t.id)
		default:
			continue
		}
		logger.DebugContext(ctx, "task operation", "op", op, "uid", t.uid, "task_id", t.id, "code", taskmanager.Code(err))
	}
}

// flapper takes the network down for a moment and switches the
// foreground application.
func flapper(ctx context.Context, svc *service, apps int, flapTime time.Duration) {
	for {
		if !sleep(ctx, flapTime) {
			return
		}
		if rand.IntN(2) == 0 {
			svc.platform.SetOnline(false)
			if !sleep(ctx, flapTime/4) {
				svc.platform.SetOnline(true)
				return
			}
			svc.platform.SetOnline(true)
			continue
		}
		app := randomApp(apps)
		svc.platform.SetForeground(appUID(app), appBundle(app))
	}
}

func statsLogger(ctx context.Context, m *taskmanager.Manager, d time.Duration) {
	t := time.NewTicker(d)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			ss := m.Stats()
			logger.InfoContext(ctx, "stats",
				"total", ss.Total,
				"background", ss.Background,
				"apps", ss.Apps,
				"waiting", ss.Waiting,
				"running", ss.Running,
				"paused", ss.Paused,
				"queued", ss.Queued,
			)
		case <-ctx.Done():
			return
		}
	}
}
