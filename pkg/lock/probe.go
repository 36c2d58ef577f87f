package lock

// LivenessProbe reports whether the process that owns a lock still runs.
// Implementations must not disturb the probed process.
type LivenessProbe interface {
	IsAlive(pid int) bool
}

// ProbeFunc adapts a function to LivenessProbe.
type ProbeFunc func(pid int) bool

// IsAlive calls f(pid).
func (f ProbeFunc) IsAlive(pid int) bool { return f(pid) }

// ProcessProbe checks real operating system processes.
type ProcessProbe struct{}
