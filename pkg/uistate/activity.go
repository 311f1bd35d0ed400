package uistate

// Activity is what the assistant is visibly doing, derived from the flags
type Activity string

const (
	// ActivityIdle indicates nothing is running
	ActivityIdle Activity = ""

	// ActivityThinking indicates a run is generating output
	ActivityThinking Activity = "thinking"

	// ActivityToolUse indicates a tool is executing
	ActivityToolUse Activity = "tool"
)

// String returns the string representation of the activity
func (a Activity) String() string {
	return string(a)
}

// GetIcon returns the indicator shown next to the input for the activity
func (a Activity) GetIcon() string {
	switch a {
	case ActivityToolUse:
		return "🔨"
	case ActivityThinking:
		return "🤔"
	default:
		return ""
	}
}

// GetDisplayName returns a human-readable name for the activity
func (a Activity) GetDisplayName() string {
	switch a {
	case ActivityThinking:
		return "Thinking"
	case ActivityToolUse:
		return "Using tools"
	case ActivityIdle:
		return "Idle"
	default:
		return ""
	}
}
