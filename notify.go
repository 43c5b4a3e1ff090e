package taskmanager

import "time"

// Events delivered to the NotificationSink.
const (
	EventComplete = "complete"
	EventFail     = "fail"
	EventPause    = "pause"
	EventResume   = "resume"
	EventRemove   = "remove"
)

// HasNotificationSink reports whether notifications are delivered at all.
func (m *Manager) HasNotificationSink() bool {
	return m.sink != nil
}

// FrontNotify delivers event to the NotificationSink if data concerns
// the application currently in the foreground. Events for other
// applications are dropped.
func (m *Manager) FrontNotify(event string, data *NotifyData) {
	if m.sink == nil || data == nil {
		return
	}
	if !m.isFrontApp(data.UID, data.Bundle) {
		return
	}
	m.appMu.Lock()
	m.frontBeat = m.now()
	m.appMu.Unlock()
	m.sink.Notify(event, data)
}

// notify reports event for j to the foreground application. It must not
// be called with the registry lock held.
func (m *Manager) notify(event string, j *Job) {
	if m.sink == nil {
		return
	}
	m.FrontNotify(event, j.NotifyData())
}

// LastFrontNotify returns when the last notification was delivered to
// the foreground application, or the zero time.
func (m *Manager) LastFrontNotify() time.Time {
	m.appMu.Lock()
	defer m.appMu.Unlock()
	return m.frontBeat
}

// NotifyData returns the notification payload describing j.
func (j *Job) NotifyData() *NotifyData {
	info := j.Show()
	return &NotifyData{
		TaskID:   info.TaskID,
		UID:      info.UID,
		Bundle:   info.Bundle,
		Action:   info.Action,
		Version:  info.Version,
		Mode:     info.Mode,
		State:    info.State,
		Progress: info.Progress,
	}
}
