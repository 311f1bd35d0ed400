package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// StartAgent starts an agent run on a thread
func (c *Client) StartAgent(ctx context.Context, threadID string, opts StartAgentOptions) (StartAgentResponse, error) {
	var resp StartAgentResponse
	path := fmt.Sprintf("/thread/%s/agent/start", url.PathEscape(threadID))
	if err := c.do(ctx, "start_agent", http.MethodPost, path, opts, &resp); err != nil {
		return StartAgentResponse{}, err
	}
	if resp.AgentRunID == "" {
		return StartAgentResponse{}, fmt.Errorf("start_agent: response carried no agent_run_id")
	}
	return resp, nil
}

// StopAgent asks the backend to cancel a run
func (c *Client) StopAgent(ctx context.Context, runID string) error {
	path := fmt.Sprintf("/agent-run/%s/stop", url.PathEscape(runID))
	return c.do(ctx, "stop_agent", http.MethodPost, path, struct{}{}, nil)
}

// GetAgentRun fetches the status of one run
func (c *Client) GetAgentRun(ctx context.Context, runID string) (AgentRun, error) {
	var run AgentRun
	path := fmt.Sprintf("/agent-run/%s", url.PathEscape(runID))
	if err := c.do(ctx, "get_agent_run", http.MethodGet, path, nil, &run); err != nil {
		return AgentRun{}, err
	}
	return run, nil
}

// ListAgentRuns returns the runs of a thread
func (c *Client) ListAgentRuns(ctx context.Context, threadID string) ([]AgentRun, error) {
	var resp struct {
		AgentRuns []AgentRun `json:"agent_runs"`
	}
	path := fmt.Sprintf("/thread/%s/agent-runs", url.PathEscape(threadID))
	if err := c.do(ctx, "list_agent_runs", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.AgentRuns, nil
}

// StreamPath is the path of the live event stream of a run, relative to the
// backend root.
func StreamPath(runID string) string {
	return fmt.Sprintf("/agent-run/%s/stream", url.PathEscape(runID))
}
