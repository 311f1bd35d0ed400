package stream

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/killallgit/kortix/pkg/safejson"
)

// Substrings the backend emits, sometimes outside any JSON envelope, once
// a run is over.
var completionSentinels = []string{
	"Run data not available for streaming",
	"run data not available for streaming",
	"Stream ended with status: completed",
	"stream ended with status: completed",
}

var errorSentinels = []string{
	"Stream ended with status: failed",
	"stream ended with status: failed",
	"Stream ended with status: error",
	"stream ended with status: error",
}

// Only consulted when the payload is not valid JSON.
var statusCompletedSentinels = []string{
	`"status": "completed"`,
	`"status":"completed"`,
}

var legacyContentPattern = regexp.MustCompile(`"content"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// Parse decodes one raw frame. ok is false when the frame carries nothing
// after the "data:" prefix is removed; such frames must be skipped. Parse
// never panics: anything it cannot make sense of becomes Unparseable.
func Parse(raw string) (ev Event, ok bool) {
	payload := stripDataPrefix(raw)
	if payload == "" {
		return nil, false
	}

	defer func() {
		if r := recover(); r != nil {
			ev, ok = Unparseable{Raw: payload}, true
		}
	}()

	if containsAny(payload, completionSentinels) {
		return LifecycleStatus{Signal: ThreadRunEnd}, true
	}
	if containsAny(payload, errorSentinels) {
		return LifecycleStatus{Signal: LifecycleError, Message: payload}, true
	}

	var frame map[string]any
	if err := json.Unmarshal([]byte(payload), &frame); err != nil || frame == nil {
		if containsAny(payload, statusCompletedSentinels) {
			return LifecycleStatus{Signal: ThreadRunEnd}, true
		}
		return parseLegacy(payload), true
	}

	return parseFrame(payload, frame), true
}

func stripDataPrefix(raw string) string {
	s := strings.TrimSpace(raw)
	if after, found := strings.CutPrefix(s, "data:"); found {
		s = strings.TrimSpace(after)
	}
	return s
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func parseFrame(payload string, frame map[string]any) Event {
	// a top-level status wins over the type discriminator
	if status, _ := safejson.String(frame, "status"); status != "" {
		switch status {
		case "completed":
			return LifecycleStatus{Signal: ThreadRunEnd}
		case "error":
			msg, _ := safejson.String(frame, "message")
			return LifecycleStatus{Signal: LifecycleError, Message: msg}
		}
	}

	msgType, _ := safejson.String(frame, "type")
	switch msgType {
	case "assistant":
		return parseAssistant(payload, frame)
	case "status":
		return parseStatus(payload, frame)
	default:
		return Unparseable{Raw: payload}
	}
}

func parseAssistant(payload string, frame map[string]any) Event {
	content := safejson.Field(frame, "content")
	metadata := safejson.Field(frame, "metadata")

	text, _ := safejson.String(content, "content")
	sequence, _ := safejson.Int(frame, "sequence")

	streamStatus, hasStatus := safejson.String(metadata, "stream_status")
	switch {
	case streamStatus == "chunk":
		if text != "" {
			return TextChunk{Sequence: sequence, Content: text}
		}
	case streamStatus == "complete":
		return AssistantComplete{}
	case !hasStatus && text != "":
		return TextChunk{Sequence: sequence, Content: text}
	}
	return Unparseable{Raw: payload}
}

func parseStatus(payload string, frame map[string]any) Event {
	content := safejson.Field(frame, "content")
	statusType, _ := safejson.String(content, "status_type")
	toolIndex, _ := safejson.Int(content, "tool_index")

	switch statusType {
	case "tool_started":
		name, _ := safejson.String(content, "function_name")
		tag, _ := safejson.String(content, "xml_tag_name")
		return ToolCallStarted{
			ToolIndex:    toolIndex,
			Name:         name,
			RawArguments: safejson.Raw(content, "arguments"),
			XMLTag:       tag,
		}
	case "tool_completed":
		return ToolCallFinished{ToolIndex: toolIndex, Outcome: ToolSuccess}
	case "tool_failed":
		return ToolCallFinished{ToolIndex: toolIndex, Outcome: ToolFailure}
	case "tool_error":
		return ToolCallFinished{ToolIndex: toolIndex, Outcome: ToolError}
	case "thread_run_end":
		return LifecycleStatus{Signal: ThreadRunEnd}
	case "error":
		msg, ok := safejson.String(content, "message")
		if !ok {
			msg, _ = safejson.String(frame, "message")
		}
		return LifecycleStatus{Signal: LifecycleError, Message: msg}
	}
	return Unparseable{Raw: payload}
}

// parseLegacy recovers text from frames that are not valid JSON: truncated
// envelopes still carrying a "content" string, or bare text.
func parseLegacy(payload string) Event {
	if !strings.HasPrefix(payload, "{") && !strings.HasPrefix(payload, "[") {
		return Unparseable{Raw: payload, Text: payload}
	}
	return Unparseable{Raw: payload, Text: extractContent(payload, 1)}
}

func extractContent(s string, depth int) string {
	m := legacyContentPattern.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	text, err := strconv.Unquote(`"` + m[1] + `"`)
	if err != nil {
		return m[1]
	}

	trimmed := strings.TrimSpace(text)
	if depth > 0 && strings.HasPrefix(trimmed, "{") {
		if inner, ok := safejson.String(safejson.Object(trimmed), "content"); ok {
			return inner
		}
		if nested := extractContent(trimmed, depth-1); nested != "" {
			return nested
		}
	}
	return text
}
