// Package lifecycle tracks the process phase reported by /health.
package lifecycle

import "sync/atomic"

// Phase is the process lifecycle phase.
type Phase int32

const (
	Starting Phase = iota
	Ready
	ShuttingDown
)

func (p Phase) String() string {
	switch p {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case ShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}

var phase atomic.Int32

// Current returns the process phase.
func Current() Phase {
	return Phase(phase.Load())
}

// MarkReady moves Starting to Ready. It never leaves ShuttingDown.
func MarkReady() {
	phase.CompareAndSwap(int32(Starting), int32(Ready))
}

// SetShuttingDown enters ShuttingDown. Call first on SIGTERM so /health fails before the listener closes.
func SetShuttingDown() {
	phase.Store(int32(ShuttingDown))
}

// IsShuttingDown reports whether shutdown has begun.
func IsShuttingDown() bool {
	return Current() == ShuttingDown
}

// Reset returns to Starting. For tests only.
func Reset() {
	phase.Store(int32(Starting))
}
