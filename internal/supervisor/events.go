package supervisor

import "time"

// State is the lifecycle state of a supervised worker.
type State int

const (
	StateSpawning State = iota
	StateReady
	StateBusy
	StateIdle
	StateShuttingDown
	StateTerminated
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateIdle:
		return "idle"
	case StateShuttingDown:
		return "shutting-down"
	case StateTerminated:
		return "terminated"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// EventType identifies a lifecycle event.
type EventType string

const (
	EventSpawned    EventType = "spawned"
	EventReady      EventType = "ready"
	EventCrashed    EventType = "crashed"
	EventRestarted  EventType = "restarted"
	EventFatal      EventType = "fatal"
	EventTerminated EventType = "terminated"
)

// Event describes a worker lifecycle change.
type Event struct {
	Type         EventType
	Worker       string
	RestartCount int
	Err          error
}

// Observer receives worker lifecycle measurements.
type Observer interface {
	ObserveSpawn(worker string)
	ObserveReady(worker string, startup time.Duration)
	ObserveExit(worker string)
	ObserveCrash(worker string, reason string)
	ObserveRestart(worker string, restartCount int)
	ObserveFatal(worker string)
	ObserveRequest(method, status string, duration time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveSpawn(string)                          {}
func (nopObserver) ObserveReady(string, time.Duration)           {}
func (nopObserver) ObserveExit(string)                           {}
func (nopObserver) ObserveCrash(string, string)                  {}
func (nopObserver) ObserveRestart(string, int)                   {}
func (nopObserver) ObserveFatal(string)                          {}
func (nopObserver) ObserveRequest(string, string, time.Duration) {}

// Crash reasons reported to the Observer.
const (
	CrashReasonExit      = "exit"
	CrashReasonHeartbeat = "heartbeat"
	CrashReasonStream    = "stream"
	CrashReasonStartup   = "startup"
)
