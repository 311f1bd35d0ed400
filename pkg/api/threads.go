package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// GetProjectThread returns the thread of a project. errors.Is(err, ErrNotFound)
// reports that the project has no thread yet.
func (c *Client) GetProjectThread(ctx context.Context, projectID string) (Thread, error) {
	var thread Thread
	path := fmt.Sprintf("/projects/%s/thread", url.PathEscape(projectID))
	if err := c.do(ctx, "get_project_thread", http.MethodGet, path, nil, &thread); err != nil {
		return Thread{}, err
	}
	return thread, nil
}

// GetThread fetches a thread by id
func (c *Client) GetThread(ctx context.Context, threadID string) (Thread, error) {
	var thread Thread
	path := fmt.Sprintf("/threads/%s", url.PathEscape(threadID))
	if err := c.do(ctx, "get_thread", http.MethodGet, path, nil, &thread); err != nil {
		return Thread{}, err
	}
	return thread, nil
}

// CreateThread creates a thread for a project
func (c *Client) CreateThread(ctx context.Context, projectID string) (Thread, error) {
	var thread Thread
	req := map[string]string{"project_id": projectID}
	if err := c.do(ctx, "create_thread", http.MethodPost, "/threads", req, &thread); err != nil {
		return Thread{}, err
	}
	if thread.ThreadID == "" {
		return Thread{}, fmt.Errorf("create_thread: response carried no thread_id")
	}
	return thread, nil
}
