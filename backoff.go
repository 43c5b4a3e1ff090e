// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskmanager

import (
	"math"
	"time"
)

// maxBackoff caps the pause between two attempts.
const maxBackoff = 10 * time.Second

// BackoffFunc is a callback that returns a backoff. It is configurable
// via the SetBackoffFunc option in the manager. The BackoffFunc is used
// to vary the timespan between retries of failed history writes.
type BackoffFunc func(attempts int) time.Duration

// exponentialBackoff is the default backoff function. It grows by a
// factor of ten per attempt, starting at 10ms, up to maxBackoff.
func exponentialBackoff(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	if attempts > 4 {
		return maxBackoff
	}
	d := time.Duration(math.Pow(10, float64(attempts))) * time.Millisecond
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
