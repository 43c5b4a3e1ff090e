// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskmanager

import "fmt"

// State is the lifecycle state of a job. The numeric values are part of
// the history record format and must not change.
type State uint32

const (
	// Initialized is the state of a job right after admission.
	Initialized State = 0x00
	// Waiting for network or for a free running slot.
	Waiting State = 0x10
	// Running is the state of jobs currently transferring data.
	Running State = 0x20
	// Retrying is Running after a previous network wait.
	Retrying State = 0x21
	// Paused by the user.
	Paused State = 0x30
	// Stopped by the user, the system, or a displacement.
	Stopped State = 0x31
	// Completed successfully.
	Completed State = 0x40
	// Failed to complete.
	Failed State = 0x41
	// Removed by the user.
	Removed State = 0x50
)

// IsTerminal reports whether s ends the lifecycle of a job.
func (s State) IsTerminal() bool {
	switch s {
	case Stopped, Completed, Failed, Removed:
		return true
	}
	return false
}

// IsActive reports whether a job in state s occupies a running slot.
func (s State) IsActive() bool {
	return s == Running || s == Retrying
}

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	case Retrying:
		return "retrying"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Removed:
		return "removed"
	}
	return fmt.Sprintf("state(%#x)", uint32(s))
}

// transitions lists the states a job may move to from a given state.
// Terminal states only accept Removed so that a softly retired legacy
// job can still be deleted; Removed accepts nothing.
var transitions = map[State][]State{
	Initialized: {Initialized, Waiting, Running, Retrying, Stopped, Failed, Removed},
	Waiting:     {Waiting, Running, Retrying, Paused, Stopped, Failed, Removed},
	Running:     {Waiting, Retrying, Paused, Stopped, Completed, Failed, Removed},
	Retrying:    {Waiting, Running, Paused, Stopped, Completed, Failed, Removed},
	Paused:      {Waiting, Running, Retrying, Stopped, Removed},
	Stopped:     {Removed},
	Completed:   {Removed},
	Failed:      {Removed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reason explains the most recent state change of a job.
type Reason uint32

const (
	ReasonDefault Reason = iota
	ReasonSurvivedOneMonth
	ReasonNetworkWaitTimeout
	ReasonDisplacedByNewForegroundJob
	ReasonRunningQuotaExceeded
	ReasonUserOperation
	ReasonAppBackgroundOrTerminated
	ReasonNetworkOffline
	ReasonUnsupportedNetworkType
	ReasonConnectError
	ReasonRequestError
	ReasonProtocolError
	ReasonIOError
	ReasonOthersError
)

var reasonText = map[Reason]string{
	ReasonDefault:                     "",
	ReasonSurvivedOneMonth:            "task survived one month",
	ReasonNetworkWaitTimeout:          "waited for network for one day",
	ReasonDisplacedByNewForegroundJob: "stopped by a new foreground task",
	ReasonRunningQuotaExceeded:        "too many running tasks for the application",
	ReasonUserOperation:               "user operation",
	ReasonAppBackgroundOrTerminated:   "application went to background or terminated",
	ReasonNetworkOffline:              "network offline",
	ReasonUnsupportedNetworkType:      "unsupported network type",
	ReasonConnectError:                "connect error",
	ReasonRequestError:                "request error",
	ReasonProtocolError:               "protocol error",
	ReasonIOError:                     "io error",
	ReasonOthersError:                 "other error",
}

func (r Reason) String() string {
	if s, ok := reasonText[r]; ok {
		return s
	}
	return fmt.Sprintf("reason(%d)", uint32(r))
}

// IsNetwork reports whether r is one of the network wait reasons.
func (r Reason) IsNetwork() bool {
	return r == ReasonNetworkOffline || r == ReasonUnsupportedNetworkType
}

// Version is the schema version of a job configuration.
type Version uint32

const (
	// V9 is the legacy schema: no per-app caps, soft retirement.
	V9 Version = 9
	// V10 is the current schema with per-app and system-wide quotas.
	V10 Version = 10
)

func (v Version) String() string {
	switch v {
	case V9:
		return "api9"
	case V10:
		return "api10"
	}
	return fmt.Sprintf("api(%d)", uint32(v))
}

// Mode is the execution mode of a job.
type Mode uint32

const (
	Background Mode = iota
	Foreground
)

func (m Mode) String() string {
	if m == Foreground {
		return "foreground"
	}
	return "background"
}

// Action is the transfer direction of a job.
type Action uint32

const (
	Download Action = iota
	Upload
)

func (a Action) String() string {
	if a == Upload {
		return "upload"
	}
	return "download"
}

// Network is the network type a job requires.
type Network uint32

const (
	AnyNetwork Network = iota
	Wifi
	Cellular
)

func (n Network) String() string {
	switch n {
	case Wifi:
		return "wifi"
	case Cellular:
		return "cellular"
	}
	return "any"
}
