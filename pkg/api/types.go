package api

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/killallgit/kortix/pkg/safejson"
)

// Thread identifies a conversation tied to one project
type Thread struct {
	ThreadID  string    `json:"thread_id"`
	ProjectID string    `json:"project_id"`
	AccountID string    `json:"account_id,omitempty"`
	IsPublic  bool      `json:"is_public,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageType is the kind of a persisted message
type MessageType string

const (
	MessageTypeUser      MessageType = "user"
	MessageTypeAssistant MessageType = "assistant"
	MessageTypeTool      MessageType = "tool"
	MessageTypeStatus    MessageType = "status"
	MessageTypeSystem    MessageType = "system"
)

// TempIDPrefix marks locally-constructed messages not yet confirmed by the backend
const TempIDPrefix = "temp-"

// Message is a persisted unit of conversation. Content and Metadata are
// JSON-encoded strings and must be read through ParsedContent/ParsedMetadata.
type Message struct {
	MessageID    string      `json:"message_id"`
	ThreadID     string      `json:"thread_id"`
	Type         MessageType `json:"type"`
	IsLLMMessage bool        `json:"is_llm_message"`
	Content      string      `json:"content"`
	Metadata     string      `json:"metadata"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// UnmarshalJSON accepts content/metadata either as JSON-encoded strings or as
// inline JSON values; both are kept as opaque strings.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	var raw struct {
		alias
		Content  json.RawMessage `json:"content"`
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Message(raw.alias)
	m.Content = opaqueString(raw.Content)
	m.Metadata = opaqueString(raw.Metadata)
	return nil
}

func opaqueString(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return string(trimmed)
}

// IsOptimistic reports whether the message was inserted locally ahead of
// server confirmation.
func (m Message) IsOptimistic() bool {
	return strings.HasPrefix(m.MessageID, TempIDPrefix)
}

// ParsedContent decodes Content, yielding an empty map when malformed
func (m Message) ParsedContent() map[string]any {
	return safejson.Object(m.Content)
}

// ParsedMetadata decodes Metadata, yielding an empty map when malformed
func (m Message) ParsedMetadata() map[string]any {
	return safejson.Object(m.Metadata)
}

// Text returns the human-readable body of the message: the "content" field
// of the decoded payload, or the raw content when it is not a JSON object.
func (m Message) Text() string {
	parsed := m.ParsedContent()
	if s, ok := safejson.String(parsed, "content"); ok {
		return s
	}
	if len(parsed) == 0 {
		return m.Content
	}
	return safejson.Raw(parsed, "content")
}

// UserContent encodes text the way the backend stores user messages
func UserContent(text string) string {
	b, _ := json.Marshal(map[string]string{"role": "user", "content": text})
	return string(b)
}

// CreateMessageRequest appends a message to a thread
type CreateMessageRequest struct {
	Type         MessageType `json:"type"`
	Content      string      `json:"content"`
	IsLLMMessage bool        `json:"is_llm_message"`
}

// AgentRunStatus is the lifecycle status of an agent run
type AgentRunStatus string

const (
	AgentRunRunning   AgentRunStatus = "running"
	AgentRunCompleted AgentRunStatus = "completed"
	AgentRunStopped   AgentRunStatus = "stopped"
	AgentRunFailed    AgentRunStatus = "failed"
)

// AgentRun is a single execution of the agent over a thread
type AgentRun struct {
	ID          string         `json:"id"`
	ThreadID    string         `json:"thread_id"`
	Status      AgentRunStatus `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// IsRunning reports whether the run is still executing
func (r AgentRun) IsRunning() bool {
	return r.Status == AgentRunRunning
}

// StartAgentOptions are the optional knobs sent when starting a run
type StartAgentOptions struct {
	ModelName       string `json:"model_name,omitempty"`
	EnableThinking  *bool  `json:"enable_thinking,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
	Stream          *bool  `json:"stream,omitempty"`
	AgentID         string `json:"agent_id,omitempty"`
}

// StartAgentResponse carries the id of the run that was started
type StartAgentResponse struct {
	AgentRunID string `json:"agent_run_id"`
	Status     string `json:"status,omitempty"`
}

// CheckoutRequest asks for a subscription checkout session
type CheckoutRequest struct {
	PriceID    string `json:"price_id"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

// CheckoutResponse is either a redirect URL or a status message when the
// subscription was changed in place.
type CheckoutResponse struct {
	SessionID string `json:"session_id,omitempty"`
	URL       string `json:"url,omitempty"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// PortalResponse is the billing-portal redirect URL
type PortalResponse struct {
	URL string `json:"url"`
}

// SubscriptionActionResponse acknowledges cancel/reactivate requests
type SubscriptionActionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// SubscriptionStatus summarizes the account's current plan
type SubscriptionStatus struct {
	Status            string     `json:"status"`
	PlanName          string     `json:"plan_name,omitempty"`
	PriceID           string     `json:"price_id,omitempty"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
}
