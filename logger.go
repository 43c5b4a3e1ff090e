// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskmanager

import (
	"io"
	"log/slog"
)

// NewDiscardLogger returns a logger that drops every record. Pass it to
// SetLogger to silence the manager.
func NewDiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func errAttr(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

func jobAttrs(j *Job) []any {
	return []any{
		slog.Uint64("uid", j.UID),
		slog.Uint64("task_id", uint64(j.ID)),
		slog.String("version", j.Config.Version.String()),
		slog.String("mode", j.Config.Mode.String()),
	}
}
