// Package reconciler turns the frames of an agent run into one observable
// state: status, reassembled text, the active tool call and any error.
package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/killallgit/kortix/pkg/logger"
	"github.com/killallgit/kortix/pkg/metrics"
	"github.com/killallgit/kortix/pkg/stream"
	"github.com/killallgit/kortix/pkg/uistate"
)

// ErrClosed is returned by Start after Close
var ErrClosed = errors.New("reconciler closed")

const defaultStreamError = "Stream error"

// Reconciler owns at most one live transport subscription. Callbacks from a
// superseded subscription are ignored.
type Reconciler struct {
	mu sync.Mutex

	transport       stream.Transport
	flags           uistate.Setter
	clearDelay      time.Duration
	invalidateDelay time.Duration
	onInvalidate    func(runID string)
	metrics         *metrics.Metrics
	log             *logger.Logger

	gen        uint64
	status     Status
	runID      string
	acc        *ChunkAccumulator
	activeTool *stream.ToolCallStarted
	errMsg     string
	startedAt  time.Time
	cancel     stream.CancelFunc
	clearTimer *time.Timer
	closed     bool

	subs   map[int]chan Snapshot
	nextID int
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithFlags sets the shared flags updated on tool changes and finalization
func WithFlags(flags uistate.Setter) Option {
	return func(r *Reconciler) { r.flags = flags }
}

// WithClearDelay sets how long finished text stays visible
func WithClearDelay(d time.Duration) Option {
	return func(r *Reconciler) { r.clearDelay = d }
}

// WithInvalidateDelay sets how long after finalization OnInvalidate fires
func WithInvalidateDelay(d time.Duration) Option {
	return func(r *Reconciler) { r.invalidateDelay = d }
}

// WithOnInvalidate sets the callback that refreshes persisted history. It
// receives the id of the run that finished.
func WithOnInvalidate(fn func(runID string)) Option {
	return func(r *Reconciler) { r.onInvalidate = fn }
}

// WithMetrics records frame and run metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithLogger sets the reconciler logger
func WithLogger(l *logger.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// New creates an idle reconciler reading runs through transport
func New(transport stream.Transport, opts ...Option) *Reconciler {
	r := &Reconciler{
		transport:       transport,
		flags:           nopFlags{},
		clearDelay:      time.Second,
		invalidateDelay: time.Second,
		log:             logger.WithComponent("reconciler"),
		status:          StatusIdle,
		acc:             NewChunkAccumulator(),
		subs:            make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins streaming runID, cancelling any live subscription first.
// ctx bounds the subscription.
func (r *Reconciler) Start(ctx context.Context, runID string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.clearTimer != nil {
		r.clearTimer.Stop()
		r.clearTimer = nil
	}

	r.gen++
	gen := r.gen
	r.acc.Reset()
	r.activeTool = nil
	r.errMsg = ""
	r.status = StatusConnecting
	r.runID = runID
	r.startedAt = time.Now()
	r.log.Debug("Starting stream", "run_id", runID)
	r.publishLocked()
	r.mu.Unlock()

	// handlers may run before Open returns
	cancel := r.transport.Open(ctx, runID, stream.Handlers{
		OnMessage: func(raw string) { r.handleMessage(gen, raw) },
		OnError:   func(err error) { r.handleError(gen, err) },
		OnClose:   func() { r.handleClose(gen) },
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen == gen && r.status.IsActive() {
		r.cancel = cancel
	} else {
		cancel()
	}
	return nil
}

// Stop cancels the live subscription and settles in StatusStopped. It is a
// no-op unless a stream is connecting or streaming.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.status.IsActive() {
		return
	}
	r.finalizeLocked(StatusStopped, "")
}

// Close tears the reconciler down: the subscription is cancelled, pending
// timers are dropped, subscribers are closed and later Starts fail.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.gen++

	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.clearTimer != nil {
		r.clearTimer.Stop()
		r.clearTimer = nil
	}
	if r.status.IsActive() {
		r.flags.SetGenerating(false)
		r.flags.SetCurrentTool(nil)
	}

	r.status = StatusIdle
	r.runID = ""
	r.acc.Reset()
	r.activeTool = nil
	r.errMsg = ""

	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
}

// Snapshot returns a copy of the current state
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Subscribe returns a channel primed with the current state. Slow readers
// only see the latest snapshot. The returned function unsubscribes.
func (r *Reconciler) Subscribe() (<-chan Snapshot, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan Snapshot, 1)
	if r.closed {
		close(ch)
		return ch, func() {}
	}

	id := r.nextID
	r.nextID++
	ch <- r.snapshotLocked()
	r.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if c, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(c)
			}
		})
	}
}

// Wait blocks until the stream reaches a terminal status and returns that
// snapshot.
func (r *Reconciler) Wait(ctx context.Context) (Snapshot, error) {
	ch, unsubscribe := r.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		case snap, ok := <-ch:
			if !ok {
				return Snapshot{}, ErrClosed
			}
			if snap.Status.IsTerminal() {
				return snap, nil
			}
		}
	}
}

func (r *Reconciler) handleMessage(gen uint64, raw string) {
	ev, ok := stream.Parse(raw)
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen || !r.status.IsActive() {
		return
	}
	r.metrics.RecordFrame(ev.Kind())

	if r.status == StatusConnecting && meaningful(ev) {
		r.status = StatusStreaming
	}

	switch e := ev.(type) {
	case stream.TextChunk:
		r.acc.Add(e.Sequence, e.Content)
	case stream.ToolCallStarted:
		r.activeTool = &e
		r.flags.SetCurrentTool(&uistate.ToolRef{Index: e.ToolIndex, Name: e.Name})
	case stream.ToolCallFinished:
		if r.activeTool == nil || r.activeTool.ToolIndex != e.ToolIndex {
			r.log.Debug("Ignoring completion for inactive tool", "tool_index", e.ToolIndex)
			break
		}
		r.activeTool = nil
		r.flags.SetCurrentTool(nil)
	case stream.LifecycleStatus:
		if e.Signal == stream.LifecycleError {
			msg := e.Message
			if msg == "" {
				msg = defaultStreamError
			}
			r.finalizeLocked(StatusError, msg)
			return
		}
		r.finalizeLocked(StatusCompleted, "")
		return
	case stream.Unparseable:
		if e.Text != "" {
			r.acc.AddPlain(e.Text)
		}
	case stream.AssistantComplete:
	}
	r.publishLocked()
}

func (r *Reconciler) handleError(gen uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen || !r.status.IsActive() {
		return
	}
	msg := defaultStreamError
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	r.log.Warn("Stream failed", "run_id", r.runID, "error", msg)
	r.finalizeLocked(StatusError, msg)
}

func (r *Reconciler) handleClose(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen || !r.status.IsActive() {
		return
	}
	r.finalizeLocked(StatusCompleted, "")
}

// finalizeLocked settles the stream in a terminal status. Shared flags are
// cleared before the status changes; text stays until the clear delay.
func (r *Reconciler) finalizeLocked(status Status, errMsg string) {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.flags.SetGenerating(false)
	r.flags.SetCurrentTool(nil)

	r.status = status
	r.errMsg = errMsg
	r.metrics.RecordRunFinalized(status.String(), time.Since(r.startedAt))
	r.log.Info("Stream finalized", "run_id", r.runID, "status", status, "error", errMsg)
	r.publishLocked()

	gen := r.gen
	r.clearTimer = time.AfterFunc(r.clearDelay, func() { r.clearFinished(gen) })
	runID := r.runID
	time.AfterFunc(r.invalidateDelay, func() { r.invalidate(runID) })
}

func (r *Reconciler) clearFinished(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen || !r.status.IsTerminal() {
		return
	}
	r.clearTimer = nil
	r.acc.Reset()
	r.activeTool = nil
	r.runID = ""
	r.publishLocked()
}

func (r *Reconciler) invalidate(runID string) {
	r.mu.Lock()
	fn, closed := r.onInvalidate, r.closed
	r.mu.Unlock()
	if closed || fn == nil {
		return
	}
	fn(runID)
}

func (r *Reconciler) snapshotLocked() Snapshot {
	snap := Snapshot{
		Status: r.status,
		RunID:  r.runID,
		Text:   r.acc.Text(),
		Error:  r.errMsg,
		Stats:  r.acc.Stats(),
	}
	if r.activeTool != nil {
		tool := *r.activeTool
		snap.ActiveTool = &tool
	}
	return snap
}

func (r *Reconciler) publishLocked() {
	if len(r.subs) == 0 {
		return
	}
	snap := r.snapshotLocked()
	for _, ch := range r.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// meaningful reports whether ev proves the stream is live
func meaningful(ev stream.Event) bool {
	if u, ok := ev.(stream.Unparseable); ok {
		return u.Text != ""
	}
	return true
}

type nopFlags struct{}

func (nopFlags) SetGenerating(bool)              {}
func (nopFlags) SetCurrentTool(*uistate.ToolRef) {}
