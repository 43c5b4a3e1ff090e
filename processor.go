// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskmanager

import "context"

// Runner executes the transfer of a job. Run blocks until the transfer
// completes or the job moved itself out of Running, e.g. to Waiting
// after losing the network, or to Stopped because the manager stopped
// it. Implementations watch the job state and ctx and return promptly
// when either tells them to.
//
// If the job is still Running or Retrying when Run returns, the manager
// marks it Completed (nil error) or Failed.
type Runner interface {
	Run(ctx context.Context, job *Job) error
}

// RunnerFunc adapts a function to a Runner.
type RunnerFunc func(ctx context.Context, job *Job) error

// Run calls f(ctx, job).
func (f RunnerFunc) Run(ctx context.Context, job *Job) error {
	return f(ctx, job)
}
