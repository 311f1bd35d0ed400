package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/killallgit/kortix/pkg/api"
	"github.com/killallgit/kortix/pkg/auth"
	"github.com/killallgit/kortix/pkg/logger"
	"github.com/killallgit/kortix/pkg/metrics"
)

// Handlers receive the frames of one run. OnClose and OnError are mutually
// exclusive and called at most once; nothing is called after either.
type Handlers struct {
	OnMessage func(raw string)
	OnError   func(err error)
	OnClose   func()
}

// CancelFunc ends a subscription. It is idempotent and suppresses every
// later callback.
type CancelFunc func()

// Transport opens the live event stream of an agent run
type Transport interface {
	Open(ctx context.Context, runID string, h Handlers) CancelFunc
}

// StatusError is a non-2xx answer from the stream endpoint
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("stream request failed with status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("stream request failed with status %d", e.StatusCode)
}

// HTTPTransport reads run events over HTTP server-sent events
type HTTPTransport struct {
	baseURL    string
	httpClient *http.Client
	tokens     auth.TokenSource
	metrics    *metrics.Metrics
	log        *logger.Logger
}

// TransportOption configures an HTTPTransport
type TransportOption func(*HTTPTransport)

// WithStreamHTTPClient overrides the HTTP client. It should not carry a
// request timeout since streams are long-lived.
func WithStreamHTTPClient(hc *http.Client) TransportOption {
	return func(t *HTTPTransport) { t.httpClient = hc }
}

// WithStreamTokenSource sets where the bearer token comes from
func WithStreamTokenSource(ts auth.TokenSource) TransportOption {
	return func(t *HTTPTransport) { t.tokens = ts }
}

// WithStreamMetrics records stream gauges and transport errors
func WithStreamMetrics(m *metrics.Metrics) TransportOption {
	return func(t *HTTPTransport) { t.metrics = m }
}

// WithStreamLogger sets the transport logger
func WithStreamLogger(l *logger.Logger) TransportOption {
	return func(t *HTTPTransport) { t.log = l }
}

// NewHTTPTransport creates a transport rooted at the backend base URL
func NewHTTPTransport(baseURL string, opts ...TransportOption) *HTTPTransport {
	t := &HTTPTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		tokens:     auth.Anonymous,
		log:        logger.WithComponent("stream"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open starts reading the run's stream in the background. The token is
// fetched now, for this connection only.
func (t *HTTPTransport) Open(ctx context.Context, runID string, h Handlers) CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{handlers: h, cancel: cancel}
	go t.run(ctx, runID, sub)
	return sub.Cancel
}

func (t *HTTPTransport) run(ctx context.Context, runID string, sub *subscription) {
	defer sub.cancel()
	log := t.log.With("run_id", runID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+api.StreamPath(runID), nil)
	if err != nil {
		sub.fail(fmt.Errorf("failed to create stream request: %w", err))
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	bearer, err := auth.BearerHeader(ctx, t.tokens)
	if err != nil {
		sub.fail(fmt.Errorf("failed to get access token: %w", err))
		return
	}
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		t.metrics.RecordTransportError("connect")
		log.Warn("Stream connection failed", "error", err)
		sub.fail(fmt.Errorf("stream connection failed: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		t.metrics.RecordTransportError("status")
		sub.fail(&StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))})
		return
	}

	t.metrics.StreamOpened()
	defer t.metrics.StreamClosed()
	log.Debug("Stream opened")

	frames := newFrameReader(resp.Body)
	for {
		frame, err := frames.Next()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				log.Debug("Stream closed by server")
				sub.close()
				return
			}
			t.metrics.RecordTransportError("read")
			sub.fail(fmt.Errorf("stream read failed: %w", err))
			return
		}
		sub.deliver(frame)
	}
}

// subscription guards the callbacks of one Open call. Callbacks run with mu
// held and check done under it, so none starts once Cancel has returned.
type subscription struct {
	handlers Handlers
	cancel   context.CancelFunc
	mu       sync.Mutex
	done     atomic.Bool
}

// Cancel stops the subscription; safe to call any number of times, also from
// inside a callback
func (s *subscription) Cancel() {
	if s.mu.TryLock() {
		s.done.Store(true)
		s.mu.Unlock()
	} else {
		// a callback is running and already passed its check
		s.done.Store(true)
	}
	s.cancel()
}

func (s *subscription) deliver(raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done.Load() || s.handlers.OnMessage == nil {
		return
	}
	s.handlers.OnMessage(raw)
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done.CompareAndSwap(false, true) {
		return
	}
	if s.handlers.OnClose != nil {
		s.handlers.OnClose()
	}
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done.CompareAndSwap(false, true) {
		return
	}
	if s.handlers.OnError != nil {
		s.handlers.OnError(err)
	}
}
