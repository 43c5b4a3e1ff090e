// Package taskmanager admits, schedules and retires the download and
// upload tasks of a background transfer service.
//
// Applications using taskmanager first create a Manager, passing a Runner
// that performs the actual transfers and a PlatformBridge that reports
// network reachability and the foreground application. Start the manager
// before submitting work and Close it on shutdown.
//
// New tasks are admitted via Construct. Background tasks of schema V10
// are subject to quotas: at most 300 admitted system-wide and at most 10
// per application. Legacy V9 tasks are admitted without caps. Foreground
// tasks may only be constructed by the application currently in the
// foreground; there is a single foreground slot and a new foreground
// task stops the one it displaces.
//
// A task is in one of these states: Initialized, Waiting (for network or
// a running slot), Running, Retrying (running again after a network
// wait), Paused, and the terminal states Stopped, Completed, Failed and
// Removed. StartTask, Pause, Resume, Stop and Remove drive a task through
// its lifecycle. At most 5 V10 background tasks of one application run at
// the same time; the others wait and are started as running tasks retire.
//
// Once Running, a task is handed to a fixed pool of workers (4 by
// default, see SetConcurrency). The Runner watches the task state and
// returns when the transfer is done or the task left Running. If the
// task is still Running when the Runner returns, it is marked Completed
// or Failed, depending on the returned error.
//
// Three monitors react to the outside world. A sweep, every 30 minutes by
// default, stops V10 tasks older than one month and tasks that waited
// more than a day for the network. When the network comes back, waiting
// tasks are started again after a short settle delay. When the foreground
// application goes to the background or terminates, its foreground task
// is stopped.
//
// When the last task retired, an idle monitor polls the manager every 60
// seconds. If it is still idle, the manager refuses further admissions
// and asks the platform to unload the service.
//
// The manager writes a history of every task into a Store. By default,
// an in-memory store is used. There are persistent stores in the
// "sqlite", "mysql" and "mongodb" packages. The history is for
// inspection only: tasks are never restored from it after a restart.
package taskmanager
