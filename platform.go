// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskmanager

// AppState is the lifecycle state of an application as reported by the
// platform.
type AppState int

const (
	AppForeground AppState = iota
	AppBackground
	AppTerminated
)

func (s AppState) String() string {
	switch s {
	case AppForeground:
		return "foreground"
	case AppBackground:
		return "background"
	case AppTerminated:
		return "terminated"
	}
	return "unknown"
}

// NetworkProber reports network reachability.
type NetworkProber interface {
	IsNetworkOnline() bool
}

// NetworkTypeReporter may be implemented by a PlatformBridge that knows
// which kind of network is currently in use. Jobs that require a
// specific network type only check it if the bridge implements it.
type NetworkTypeReporter interface {
	NetworkType() Network
}

// PlatformBridge is everything the manager needs from the hosting
// platform.
type PlatformBridge interface {
	NetworkProber

	// ForegroundBundleName returns the bundle name of the application
	// currently in the foreground.
	ForegroundBundleName() string

	// RegisterNetworkCallback installs fn to be called whenever the
	// network reachability changes.
	RegisterNetworkCallback(fn func())

	// RegisterAppStateCallback installs fn to be called whenever an
	// application changes its lifecycle state.
	RegisterAppStateCallback(fn func(uid uint64, state AppState))

	// UnloadThisService asks the service manager to retire the service
	// with the given identifier.
	UnloadThisService(serviceID int32) error
}

// NotifyData is the payload delivered to a NotificationSink.
type NotifyData struct {
	TaskID     uint32      `json:"tid"`
	UID        uint64      `json:"uid"`
	Bundle     string      `json:"bundle"`
	Action     Action      `json:"action"`
	Version    Version     `json:"version"`
	Mode       Mode        `json:"mode"`
	State      State       `json:"state"`
	Progress   Progress    `json:"progress"`
	TaskStates []TaskState `json:"task_states,omitempty"`
}

// TaskState is the outcome of transferring a single file.
type TaskState struct {
	Path         string `json:"path"`
	ResponseCode uint32 `json:"response_code"`
	Message      string `json:"message,omitempty"`
}

// NotificationSink receives events for the foreground application.
type NotificationSink interface {
	Notify(event string, data *NotifyData)
}

// NotificationSinkFunc adapts a function to a NotificationSink.
type NotificationSinkFunc func(event string, data *NotifyData)

// Notify calls f(event, data).
func (f NotificationSinkFunc) Notify(event string, data *NotifyData) {
	f(event, data)
}

// nopPlatform is used when no platform bridge is configured. It is
// always online, has no foreground application and refuses to unload.
type nopPlatform struct{}

func (nopPlatform) IsNetworkOnline() bool { return true }
func (nopPlatform) ForegroundBundleName() string { return "" }
func (nopPlatform) RegisterNetworkCallback(func()) {}
func (nopPlatform) RegisterAppStateCallback(func(uint64, AppState)) {}
func (nopPlatform) UnloadThisService(int32) error { return errNoPlatform }
