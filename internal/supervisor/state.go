package supervisor

// State is the lifecycle state of one instance.
type State int

const (
	// StateStopped means no child process exists for the tenant.
	StateStopped State = iota
	// StateStarting means a spawn is in progress.
	StateStarting
	// StateRunning means the child process is alive.
	StateRunning
	// StateStopping means a graceful shutdown is in progress.
	StateStopping
	// StateCrashed means the child exited unexpectedly or stopped responding
	// to health probes.
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	default:
		return "invalid"
	}
}

// Usage is a point-in-time resource sample for a running child process.
type Usage struct {
	MemoryBytes int64   `json:"memory_bytes"`
	CPUPercent  float64 `json:"cpu_percent"`
}

// Status is the externally visible view of one instance.
type Status struct {
	Tenant       string `json:"tenant"`
	State        string `json:"state"`
	Port         int    `json:"port,omitempty"`
	PID          int    `json:"pid,omitempty"`
	Package      string `json:"package,omitempty"`
	Usage        Usage  `json:"usage"`
	RestartCount int    `json:"restart_count"`
	UptimeSecs   int64  `json:"uptime_seconds,omitempty"`
}
