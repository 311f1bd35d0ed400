// Package chatsession composes thread lookup, message persistence, agent
// runs and the stream reconciler into the API a chat view drives.
package chatsession

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/killallgit/kortix/pkg/api"
	"github.com/killallgit/kortix/pkg/history"
	"github.com/killallgit/kortix/pkg/logger"
	"github.com/killallgit/kortix/pkg/metrics"
	"github.com/killallgit/kortix/pkg/reconciler"
	"github.com/killallgit/kortix/pkg/stream"
	"github.com/killallgit/kortix/pkg/uistate"
)

var (
	// ErrEmptyMessage is returned when the message has no text
	ErrEmptyMessage = errors.New("message is empty")

	// ErrNoProject is returned when a thread is needed but no project is set
	ErrNoProject = errors.New("no project selected")

	// ErrNoThread is returned by calls that need an existing thread
	ErrNoThread = errors.New("no thread selected")

	// ErrStopped is returned by SendMessage when StopAgent was called before
	// the run could be streamed
	ErrStopped = errors.New("agent run stopped")
)

// Backend is the slice of the backend API a session uses
type Backend interface {
	history.Backend
	GetProjectThread(ctx context.Context, projectID string) (api.Thread, error)
	GetThread(ctx context.Context, threadID string) (api.Thread, error)
	CreateThread(ctx context.Context, projectID string) (api.Thread, error)
	StartAgent(ctx context.Context, threadID string, opts api.StartAgentOptions) (api.StartAgentResponse, error)
	StopAgent(ctx context.Context, runID string) error
	ListAgentRuns(ctx context.Context, threadID string) ([]api.AgentRun, error)
}

// StreamView is the read-only side of the run stream
type StreamView interface {
	Snapshot() reconciler.Snapshot
	Subscribe() (<-chan reconciler.Snapshot, func())
	Wait(ctx context.Context) (reconciler.Snapshot, error)
}

// FlagsView is the read-only side of the shared UI flags
type FlagsView interface {
	Snapshot() uistate.Flags
	Subscribe() (<-chan uistate.Flags, func())
}

// Session is the chat of one project
type Session struct {
	mu       sync.Mutex
	ensureMu sync.Mutex
	// runMu orders StopAgent against the hand-off of a new run to the stream
	runMu sync.Mutex

	backend Backend
	history *history.Cache
	flags   *uistate.Store
	stream  *reconciler.Reconciler
	log     *logger.Logger

	projectID string
	threadID  string
	runID     string
	stops     uint64
	// thread each streamed run belongs to, until its history is refreshed
	runThreads map[string]string
	agentOpts  api.StartAgentOptions

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// Option configures a Session
type Option func(*settings)

type settings struct {
	projectID       string
	threadID        string
	agentOpts       api.StartAgentOptions
	flags           *uistate.Store
	history         *history.Cache
	clearDelay      time.Duration
	invalidateDelay time.Duration
	metrics         *metrics.Metrics
	log             *logger.Logger
}

// WithProject sets the project whose thread is used or created
func WithProject(projectID string) Option {
	return func(s *settings) { s.projectID = projectID }
}

// WithThread starts the session on an existing thread
func WithThread(threadID string) Option {
	return func(s *settings) { s.threadID = threadID }
}

// WithAgentOptions sets the options sent when starting runs
func WithAgentOptions(opts api.StartAgentOptions) Option {
	return func(s *settings) { s.agentOpts = opts }
}

// WithFlags shares an existing flag store
func WithFlags(store *uistate.Store) Option {
	return func(s *settings) { s.flags = store }
}

// WithHistory shares an existing history cache
func WithHistory(cache *history.Cache) Option {
	return func(s *settings) { s.history = cache }
}

// WithStreamDelays sets the text clear and history invalidation delays
func WithStreamDelays(clear, invalidate time.Duration) Option {
	return func(s *settings) {
		s.clearDelay = clear
		s.invalidateDelay = invalidate
	}
}

// WithMetrics records stream and history metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithLogger sets the session logger
func WithLogger(l *logger.Logger) Option {
	return func(s *settings) { s.log = l }
}

// New creates a session. No thread is created until the first message is sent.
func New(backend Backend, transport stream.Transport, opts ...Option) *Session {
	cfg := settings{
		clearDelay:      time.Second,
		invalidateDelay: time.Second,
		log:             logger.WithComponent("chatsession"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.flags == nil {
		cfg.flags = uistate.NewStore()
	}
	if cfg.history == nil {
		cfg.history = history.NewCache(backend, history.WithMetrics(cfg.metrics))
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		backend:    backend,
		history:    cfg.history,
		flags:      cfg.flags,
		log:        cfg.log,
		projectID:  cfg.projectID,
		threadID:   cfg.threadID,
		agentOpts:  cfg.agentOpts,
		runThreads: make(map[string]string),
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
	s.stream = reconciler.New(transport,
		reconciler.WithFlags(cfg.flags),
		reconciler.WithClearDelay(cfg.clearDelay),
		reconciler.WithInvalidateDelay(cfg.invalidateDelay),
		reconciler.WithOnInvalidate(s.invalidateHistory),
		reconciler.WithMetrics(cfg.metrics),
	)
	return s
}

// SendMessage sends text as a user message and starts an agent run on it.
// The generating flag is raised before any request and lowered again on
// failure. Billing errors can be recovered with api.AsBillingError.
func (s *Session) SendMessage(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}

	s.mu.Lock()
	stops := s.stops
	s.mu.Unlock()

	s.flags.SetGenerating(true)
	fail := func(err error) (string, error) {
		s.flags.SetGenerating(false)
		s.log.Warn("Send failed", "error", err)
		return "", err
	}

	threadID, err := s.ensureThread(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to get thread: %w", err))
	}

	req := api.CreateMessageRequest{
		Type:         api.MessageTypeUser,
		Content:      api.UserContent(text),
		IsLLMMessage: true,
	}
	if _, err := s.history.AddOptimistic(ctx, threadID, req); err != nil {
		return fail(fmt.Errorf("failed to send message: %w", err))
	}

	if s.stoppedSince(stops) {
		return "", ErrStopped
	}

	resp, err := s.backend.StartAgent(ctx, threadID, s.agentOpts)
	if err != nil {
		return fail(fmt.Errorf("failed to start agent: %w", err))
	}

	s.runMu.Lock()
	if s.stoppedSince(stops) {
		s.runMu.Unlock()
		s.log.Info("Stopping run started after stop request", "run_id", resp.AgentRunID)
		if err := s.backend.StopAgent(ctx, resp.AgentRunID); err != nil {
			return "", fmt.Errorf("%w: failed to stop agent run %s: %v", ErrStopped, resp.AgentRunID, err)
		}
		return "", ErrStopped
	}
	err = s.startStream(resp.AgentRunID)
	s.runMu.Unlock()
	if err != nil {
		return fail(err)
	}

	s.log.Info("Agent run started", "thread_id", threadID, "run_id", resp.AgentRunID)
	return resp.AgentRunID, nil
}

func (s *Session) stoppedSince(stops uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops != stops
}

// StopAgent stops the local stream and clears the flags immediately, then
// asks the backend to cancel the run when one is known. A SendMessage still
// waiting for its run stops that run instead of streaming it. A backend
// failure is returned but never leaves local state running.
func (s *Session) StopAgent(ctx context.Context) error {
	s.runMu.Lock()
	s.mu.Lock()
	s.stops++
	runID := s.runID
	s.runID = ""
	s.mu.Unlock()

	s.stream.Stop()
	s.flags.SetGenerating(false)
	s.flags.SetCurrentTool(nil)
	s.runMu.Unlock()

	if runID == "" {
		return nil
	}
	if err := s.backend.StopAgent(ctx, runID); err != nil {
		s.log.Warn("Backend stop failed", "run_id", runID, "error", err)
		return fmt.Errorf("failed to stop agent run %s: %w", runID, err)
	}
	return nil
}

// Attach streams a run that is already executing
func (s *Session) Attach(runID string) error {
	s.flags.SetGenerating(true)
	if err := s.startStream(runID); err != nil {
		s.flags.SetGenerating(false)
		return err
	}
	return nil
}

// Resume attaches to the most recent running run of the thread, if any.
// It never creates a thread.
func (s *Session) Resume(ctx context.Context) (string, bool, error) {
	threadID, err := s.lookupThread(ctx)
	if err != nil {
		if errors.Is(err, api.ErrNotFound) || errors.Is(err, ErrNoProject) {
			return "", false, nil
		}
		return "", false, err
	}

	runs, err := s.backend.ListAgentRuns(ctx, threadID)
	if err != nil {
		return "", false, fmt.Errorf("failed to list agent runs: %w", err)
	}

	var latest *api.AgentRun
	for i := range runs {
		run := &runs[i]
		if !run.IsRunning() {
			continue
		}
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			latest = run
		}
	}
	if latest == nil {
		return "", false, nil
	}

	if err := s.Attach(latest.ID); err != nil {
		return "", false, err
	}
	s.log.Info("Resumed agent run", "thread_id", threadID, "run_id", latest.ID)
	return latest.ID, true, nil
}

// OpenThread switches the session to an existing thread
func (s *Session) OpenThread(ctx context.Context, threadID string) (api.Thread, error) {
	thread, err := s.backend.GetThread(ctx, threadID)
	if err != nil {
		return api.Thread{}, fmt.Errorf("failed to open thread: %w", err)
	}

	s.mu.Lock()
	s.threadID = thread.ThreadID
	if thread.ProjectID != "" {
		s.projectID = thread.ProjectID
	}
	s.mu.Unlock()
	return thread, nil
}

// Messages returns the thread's messages, fetching them when stale
func (s *Session) Messages(ctx context.Context) ([]api.Message, error) {
	threadID := s.ThreadID()
	if threadID == "" {
		return nil, nil
	}
	return s.history.GetMessages(ctx, threadID)
}

// WatchMessages streams the thread's messages until ctx is done
func (s *Session) WatchMessages(ctx context.Context) (<-chan []api.Message, error) {
	threadID := s.ThreadID()
	if threadID == "" {
		return nil, ErrNoThread
	}
	return s.history.Watch(ctx, threadID), nil
}

// Stream exposes the run stream state
func (s *Session) Stream() StreamView {
	return s.stream
}

// Flags exposes the shared UI flags
func (s *Session) Flags() FlagsView {
	return s.flags
}

// ThreadID returns the current thread, empty until one exists
func (s *Session) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

// RunID returns the run last started or attached
func (s *Session) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// Close cancels any live stream. The session cannot stream afterwards.
func (s *Session) Close() {
	s.cancelBase()
	s.stream.Close()
}

func (s *Session) startStream(runID string) error {
	s.mu.Lock()
	s.runID = runID
	if s.threadID != "" {
		s.runThreads[runID] = s.threadID
	}
	s.mu.Unlock()

	if err := s.stream.Start(s.baseCtx, runID); err != nil {
		return fmt.Errorf("failed to start stream: %w", err)
	}
	return nil
}

// ensureThread returns the project's thread, creating it when absent
func (s *Session) ensureThread(ctx context.Context) (string, error) {
	s.ensureMu.Lock()
	defer s.ensureMu.Unlock()

	threadID, err := s.lookupThread(ctx)
	if err == nil {
		return threadID, nil
	}
	if !errors.Is(err, api.ErrNotFound) {
		return "", err
	}

	s.mu.Lock()
	projectID := s.projectID
	s.mu.Unlock()

	thread, err := s.backend.CreateThread(ctx, projectID)
	if err != nil {
		return "", err
	}
	s.log.Info("Created thread", "project_id", projectID, "thread_id", thread.ThreadID)

	s.mu.Lock()
	s.threadID = thread.ThreadID
	s.mu.Unlock()
	return thread.ThreadID, nil
}

// lookupThread returns the known thread or the project's existing one
func (s *Session) lookupThread(ctx context.Context) (string, error) {
	s.mu.Lock()
	threadID, projectID := s.threadID, s.projectID
	s.mu.Unlock()

	if threadID != "" {
		return threadID, nil
	}
	if projectID == "" {
		return "", ErrNoProject
	}

	thread, err := s.backend.GetProjectThread(ctx, projectID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.threadID = thread.ThreadID
	s.mu.Unlock()
	return thread.ThreadID, nil
}

// invalidateHistory refreshes the thread the finished run was streamed on,
// even if the session has moved to another thread since
func (s *Session) invalidateHistory(runID string) {
	s.mu.Lock()
	threadID, ok := s.runThreads[runID]
	delete(s.runThreads, runID)
	s.mu.Unlock()
	if ok {
		s.history.Invalidate(threadID)
	}
}
