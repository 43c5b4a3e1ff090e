package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/olivere/taskmanager"
	"github.com/olivere/taskmanager/mongodb"
	"github.com/olivere/taskmanager/mysql"
	"github.com/olivere/taskmanager/sqlite"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openStore initializes the history store selected by cfg.
func openStore(cfg StoreConfig, logger *slog.Logger) (taskmanager.Store, io.Closer, error) {
	switch cfg.Type {
	case "memory":
		return taskmanager.NewInMemoryStore(), nopCloser{}, nil
	case "sqlite":
		var options []sqlite.StoreOption
		if cfg.Debug {
			options = append(options, sqlite.SetDebug(logger))
		}
		st, err := sqlite.NewStore(cfg.URL, options...)
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	case "mysql":
		var options []mysql.StoreOption
		if cfg.Debug {
			options = append(options, mysql.SetDebug(logger))
		}
		st, err := mysql.NewStore(cfg.URL, options...)
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	case "mongodb":
		st, err := mongodb.NewStore(cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	}
	return nil, nil, fmt.Errorf("unsupported store type %q", cfg.Type)
}
