// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package server is a read-only dashboard for a task manager. It pushes
// snapshots of the manager statistics and the recent history to every
// connected WebSocket client.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/olivere/taskmanager"
)

const (
	defaultInterval  = 1 * time.Second
	defaultRateLimit = rate.Limit(5)
	defaultBurst     = 10
	recentTasks      = 10
)

// Server is a simple web server with a WebSocket backend.
type Server struct {
	m        *taskmanager.Manager
	logger   *slog.Logger
	interval time.Duration
	limit    rate.Limit
	burst    int
	public   string
	hub      *hub
}

// Option configures a Server.
type Option func(*Server)

// SetLogger specifies the logger to use.
func SetLogger(logger *slog.Logger) Option {
	return func(srv *Server) {
		srv.logger = logger
	}
}

// SetInterval specifies how often a snapshot is pushed to clients.
func SetInterval(d time.Duration) Option {
	return func(srv *Server) {
		if d > 0 {
			srv.interval = d
		}
	}
}

// SetRateLimit limits the requests a single client may send.
func SetRateLimit(limit rate.Limit, burst int) Option {
	return func(srv *Server) {
		srv.limit = limit
		srv.burst = burst
	}
}

// SetPublicDir serves static files from dir at "/".
func SetPublicDir(dir string) Option {
	return func(srv *Server) {
		srv.public = dir
	}
}

// New initializes a new Server.
func New(m *taskmanager.Manager, options ...Option) *Server {
	srv := &Server{
		m:        m,
		logger:   slog.Default(),
		interval: defaultInterval,
		limit:    defaultRateLimit,
		burst:    defaultBurst,
		hub:      newHub(),
	}
	for _, opt := range options {
		opt(srv)
	}
	return srv
}

// Handler returns the HTTP handler of the dashboard.
func (srv *Server) Handler() http.Handler {
	r := http.NewServeMux()
	r.Handle("/ws", wsserver{srv: srv})
	r.HandleFunc("/state", srv.serveState)
	if srv.public != "" {
		r.Handle("/", http.FileServer(http.Dir(srv.public)))
	}
	return r
}

// Serve starts the web server at the given address and blocks until
// ctx is done or the listener fails.
func (srv *Server) Serve(ctx context.Context, addr string) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srv.run(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		srv.logger.Info("dashboard listening", "addr", addr)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}

// run runs the websocket hub and the snapshot watcher until ctx is done.
func (srv *Server) run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.hub.run(ctx)
	}()
	srv.watch(ctx)
	<-done
}

// State is the current state of the task manager.
type State struct {
	Type   string                  `json:"type"`
	Stats  *taskmanager.Stats      `json:"stats,omitempty"`
	Recent []*taskmanager.TaskInfo `json:"recent,omitempty"`
	Failed []*taskmanager.TaskInfo `json:"failed,omitempty"`
}

func (srv *Server) snapshot() (*State, error) {
	state := &State{Type: "SET_STATE", Stats: srv.m.Stats()}
	rsp, err := srv.m.List(&taskmanager.ListRequest{Limit: recentTasks})
	if err != nil {
		return nil, err
	}
	state.Recent = rsp.Tasks
	failed := taskmanager.Failed
	rsp, err = srv.m.List(&taskmanager.ListRequest{State: &failed, Limit: recentTasks})
	if err != nil {
		return nil, err
	}
	state.Failed = rsp.Tasks
	return state, nil
}

func (srv *Server) watch(ctx context.Context) {
	t := time.NewTicker(srv.interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			state, err := srv.snapshot()
			if err != nil {
				srv.logger.Warn("cannot take snapshot", "error", err)
				continue
			}
			payload, err := json.Marshal(state)
			if err != nil {
				srv.logger.Error("cannot encode snapshot", "error", err)
				continue
			}
			select {
			case srv.hub.broadcast <- payload:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (srv *Server) serveState(w http.ResponseWriter, r *http.Request) {
	state, err := srv.snapshot()
	if err != nil {
		srv.logger.Warn("cannot take snapshot", "error", err)
		http.Error(w, "snapshot unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(state); err != nil {
		srv.logger.Debug("cannot write snapshot", "error", err)
	}
}
