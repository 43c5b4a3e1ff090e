// Package simulator provides a platform bridge and a runner that stand
// in for a real host when running the task manager as a standalone
// service.
package simulator

import (
	"log/slog"
	"sync"

	"github.com/olivere/taskmanager"
)

// Platform is an in-process PlatformBridge. Network and application
// state are driven by calling its setters.
type Platform struct {
	logger   *slog.Logger
	onUnload func(serviceID int32) error

	mu         sync.Mutex
	online     bool
	network    taskmanager.Network
	frontUID   uint64
	frontApp   string
	netFuncs   []func()
	appFuncs   []func(uid uint64, state taskmanager.AppState)
	unloadedID int32
}

// NewPlatform returns a platform that is online on Wi-Fi with no
// application in the foreground. onUnload is called when the manager
// asks to retire the service; it may be nil.
func NewPlatform(logger *slog.Logger, onUnload func(serviceID int32) error) *Platform {
	if logger == nil {
		logger = slog.Default()
	}
	return &Platform{
		logger:   logger,
		onUnload: onUnload,
		online:   true,
		network:  taskmanager.Wifi,
	}
}

// IsNetworkOnline reports whether the simulated network is up.
func (p *Platform) IsNetworkOnline() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// NetworkType reports the simulated network type.
func (p *Platform) NetworkType() taskmanager.Network {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.network
}

// ForegroundBundleName returns the bundle of the foreground application.
func (p *Platform) ForegroundBundleName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frontApp
}

func (p *Platform) RegisterNetworkCallback(fn func()) {
	p.mu.Lock()
	p.netFuncs = append(p.netFuncs, fn)
	p.mu.Unlock()
}

func (p *Platform) RegisterAppStateCallback(fn func(uid uint64, state taskmanager.AppState)) {
	p.mu.Lock()
	p.appFuncs = append(p.appFuncs, fn)
	p.mu.Unlock()
}

// UnloadThisService forwards the request to the onUnload callback.
func (p *Platform) UnloadThisService(serviceID int32) error {
	p.logger.Info("service unload requested", "service_id", serviceID)
	p.mu.Lock()
	p.unloadedID = serviceID
	fn := p.onUnload
	p.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(serviceID)
}

// UnloadedServiceID returns the identifier passed to the last unload
// request, or 0.
func (p *Platform) UnloadedServiceID() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unloadedID
}

// SetOnline changes reachability and notifies the callbacks if it
// changed.
func (p *Platform) SetOnline(online bool) {
	p.mu.Lock()
	changed := p.online != online
	p.online = online
	fns := append([]func(){}, p.netFuncs...)
	p.mu.Unlock()
	if !changed {
		return
	}
	p.logger.Debug("network changed", "online", online)
	for _, fn := range fns {
		fn()
	}
}

// SetNetworkType changes the network type and notifies the callbacks.
func (p *Platform) SetNetworkType(n taskmanager.Network) {
	p.mu.Lock()
	changed := p.network != n
	p.network = n
	fns := append([]func(){}, p.netFuncs...)
	p.mu.Unlock()
	if !changed {
		return
	}
	for _, fn := range fns {
		fn()
	}
}

// SetForeground brings the application to the foreground. The previous
// foreground application, if any, moves to the background.
func (p *Platform) SetForeground(uid uint64, bundle string) {
	p.mu.Lock()
	prevUID, prevApp := p.frontUID, p.frontApp
	p.frontUID, p.frontApp = uid, bundle
	fns := append([]func(uint64, taskmanager.AppState){}, p.appFuncs...)
	p.mu.Unlock()

	for _, fn := range fns {
		if prevApp != "" && prevUID != uid {
			fn(prevUID, taskmanager.AppBackground)
		}
		fn(uid, taskmanager.AppForeground)
	}
}

// Terminate ends the application.
func (p *Platform) Terminate(uid uint64) {
	p.mu.Lock()
	if p.frontUID == uid {
		p.frontUID, p.frontApp = 0, ""
	}
	fns := append([]func(uint64, taskmanager.AppState){}, p.appFuncs...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(uid, taskmanager.AppTerminated)
	}
}
