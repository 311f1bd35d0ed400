package reconciler

import "github.com/killallgit/kortix/pkg/stream"

// Status is the lifecycle state of the stream of one run
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusStreaming  Status = "streaming"
	StatusCompleted  Status = "completed"
	StatusStopped    Status = "stopped"
	StatusError      Status = "error"
)

// String returns the string representation of the status
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether the run's stream has finished
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusStopped, StatusError:
		return true
	default:
		return false
	}
}

// IsActive reports whether a subscription is live
func (s Status) IsActive() bool {
	return s == StatusConnecting || s == StatusStreaming
}

// Snapshot is a copy of the observable stream state
type Snapshot struct {
	Status     Status
	RunID      string
	Text       string
	ActiveTool *stream.ToolCallStarted
	Error      string
	Stats      StreamStats
}
