package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
)

// ListMessages returns the persisted messages of a thread ordered by creation
// time. The backend may answer with a bare array or {"messages": [...]}.
func (c *Client) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	var raw json.RawMessage
	path := fmt.Sprintf("/threads/%s/messages", url.PathEscape(threadID))
	if err := c.do(ctx, "list_messages", http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}

	messages, err := decodeMessageList(raw)
	if err != nil {
		return nil, fmt.Errorf("list_messages: %w", err)
	}
	SortMessages(messages)
	return messages, nil
}

// CreateMessage appends a message to a thread
func (c *Client) CreateMessage(ctx context.Context, threadID string, req CreateMessageRequest) (Message, error) {
	var msg Message
	path := fmt.Sprintf("/threads/%s/messages", url.PathEscape(threadID))
	if err := c.do(ctx, "create_message", http.MethodPost, path, req, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func decodeMessageList(raw json.RawMessage) ([]Message, error) {
	var list []Message
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var wrapped struct {
		Messages []Message `json:"messages"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return wrapped.Messages, nil
}

// SortMessages orders messages by creation time, keeping the relative order
// of messages created at the same instant.
func SortMessages(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
}
