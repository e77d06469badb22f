package sorting

// Status is the lifecycle state of a Session.
type Status int

const (
	StatusIdle Status = iota
	StatusInitializing
	StatusRunning
	StatusPaused
	StatusStopped
	StatusError
	StatusCancelled
)

var statusNames = [...]string{
	StatusIdle:         "idle",
	StatusInitializing: "initializing",
	StatusRunning:      "running",
	StatusPaused:       "paused",
	StatusStopped:      "stopped",
	StatusError:        "error",
	StatusCancelled:    "cancelled",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusStopped || s == StatusError || s == StatusCancelled
}
