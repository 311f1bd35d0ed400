package stream

// Event is one semantic event decoded from a stream frame. The concrete
// types below are the only implementations.
type Event interface {
	Kind() string
	event()
}

// Event kinds, also used as metric labels
const (
	KindTextChunk         = "text_chunk"
	KindAssistantComplete = "assistant_complete"
	KindToolCallStarted   = "tool_call_started"
	KindToolCallFinished  = "tool_call_finished"
	KindLifecycle         = "lifecycle"
	KindUnparseable       = "unparseable"
)

// TextChunk is a partial piece of assistant output. Chunks are reassembled by
// ascending Sequence, which need not match arrival order.
type TextChunk struct {
	Sequence int
	Content  string
}

// AssistantComplete marks the end of a streamed assistant message. It carries
// no text and never clears what has been accumulated.
type AssistantComplete struct{}

// ToolCallStarted reports that the agent began executing a tool
type ToolCallStarted struct {
	ToolIndex    int
	Name         string
	RawArguments string
	XMLTag       string
}

// ToolOutcome is how a tool call ended
type ToolOutcome string

const (
	ToolSuccess ToolOutcome = "success"
	ToolFailure ToolOutcome = "failure"
	ToolError   ToolOutcome = "error"
)

// ToolCallFinished reports that the tool at ToolIndex stopped running
type ToolCallFinished struct {
	ToolIndex int
	Outcome   ToolOutcome
}

// LifecycleKind identifies a run lifecycle signal
type LifecycleKind string

const (
	ThreadRunEnd   LifecycleKind = "thread_run_end"
	LifecycleError LifecycleKind = "error"
)

// LifecycleStatus ends the run, successfully or with Message as the error
type LifecycleStatus struct {
	Signal  LifecycleKind
	Message string
}

// Unparseable is a frame that matched no known shape. Text holds any
// plain text that could still be recovered from it.
type Unparseable struct {
	Raw  string
	Text string
}

func (TextChunk) Kind() string         { return KindTextChunk }
func (AssistantComplete) Kind() string { return KindAssistantComplete }
func (ToolCallStarted) Kind() string   { return KindToolCallStarted }
func (ToolCallFinished) Kind() string  { return KindToolCallFinished }
func (LifecycleStatus) Kind() string   { return KindLifecycle }
func (Unparseable) Kind() string       { return KindUnparseable }

func (TextChunk) event()         {}
func (AssistantComplete) event() {}
func (ToolCallStarted) event()   {}
func (ToolCallFinished) event()  {}
func (LifecycleStatus) event()   {}
func (Unparseable) event()       {}
