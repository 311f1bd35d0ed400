package reconciler_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/killallgit/kortix/pkg/metrics"
	"github.com/killallgit/kortix/pkg/reconciler"
	"github.com/killallgit/kortix/pkg/stream"
	"github.com/killallgit/kortix/pkg/uistate"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// fakeTransport hands the test direct control of every subscription. It
// does not suppress callbacks after cancel, so stale deliveries reach the
// reconciler.
type fakeTransport struct {
	mu     sync.Mutex
	subs   []*fakeSub
	onOpen func(h stream.Handlers)
}

type fakeSub struct {
	runID   string
	h       stream.Handlers
	cancels atomic.Int32
}

func (f *fakeTransport) Open(_ context.Context, runID string, h stream.Handlers) stream.CancelFunc {
	sub := &fakeSub{runID: runID, h: h}
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	onOpen := f.onOpen
	f.mu.Unlock()
	if onOpen != nil {
		onOpen(h)
	}
	return func() { sub.cancels.Add(1) }
}

func (f *fakeTransport) last() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[len(f.subs)-1]
}

func (s *fakeSub) send(frames ...string) {
	for _, frame := range frames {
		s.h.OnMessage(frame)
	}
}

// flagRecorder records every write to the shared flags
type flagRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (f *flagRecorder) SetGenerating(g bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("generating=%t", g))
}

func (f *flagRecorder) SetCurrentTool(t *uistate.ToolRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t == nil {
		f.calls = append(f.calls, "tool=nil")
		return
	}
	f.calls = append(f.calls, fmt.Sprintf("tool=%d", t.Index))
}

func (f *flagRecorder) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func chunk(seq int, text string) string {
	return fmt.Sprintf(`data: {"type":"assistant","content":"{\"content\":\"%s\"}","metadata":"{\"stream_status\":\"chunk\"}","sequence":%d}`, text, seq)
}

func toolStarted(index int, name string) string {
	return fmt.Sprintf(`data: {"type":"status","content":"{\"status_type\":\"tool_started\",\"tool_index\":%d,\"function_name\":\"%s\"}"}`, index, name)
}

func toolCompleted(index int) string {
	return fmt.Sprintf(`data: {"type":"status","content":"{\"status_type\":\"tool_completed\",\"tool_index\":%d}"}`, index)
}

const runEnd = `data: {"type":"status","content":"{\"status_type\":\"thread_run_end\"}"}`

var _ = Describe("Reconciler", func() {
	var (
		transport      *fakeTransport
		store          *uistate.Store
		invalidated    atomic.Int32
		invalidatedRun atomic.Value
		m              *metrics.Metrics
		r              *reconciler.Reconciler
		ctx            context.Context
	)

	newReconciler := func(opts ...reconciler.Option) *reconciler.Reconciler {
		base := []reconciler.Option{
			reconciler.WithFlags(store),
			reconciler.WithClearDelay(40 * time.Millisecond),
			reconciler.WithInvalidateDelay(60 * time.Millisecond),
			reconciler.WithOnInvalidate(func(runID string) {
				invalidated.Add(1)
				invalidatedRun.Store(runID)
			}),
			reconciler.WithMetrics(m),
		}
		return reconciler.New(transport, append(base, opts...)...)
	}

	BeforeEach(func() {
		ctx = context.Background()
		transport = &fakeTransport{}
		store = uistate.NewStore()
		invalidated.Store(0)
		m = metrics.New()
		r = newReconciler()
	})

	AfterEach(func() {
		r.Close()
	})

	It("starts idle", func() {
		snap := r.Snapshot()
		Expect(snap.Status).To(Equal(reconciler.StatusIdle))
		Expect(snap.Text).To(BeEmpty())
		Expect(snap.ActiveTool).To(BeNil())
	})

	Describe("starting", func() {
		It("connects and moves to streaming on the first parsed event", func() {
			Expect(r.Start(ctx, "run-1")).To(Succeed())
			Expect(r.Snapshot().Status).To(Equal(reconciler.StatusConnecting))
			Expect(r.Snapshot().RunID).To(Equal("run-1"))

			transport.last().send("data: ", `{"type":"tool","content":"{}"}`)
			Expect(r.Snapshot().Status).To(Equal(reconciler.StatusConnecting))

			transport.last().send(chunk(1, "Hi"))
			Expect(r.Snapshot().Status).To(Equal(reconciler.StatusStreaming))
		})

		It("settles when the transport fails before Open returns", func() {
			transport.onOpen = func(h stream.Handlers) { h.OnError(errors.New("dial tcp: refused")) }

			Expect(r.Start(ctx, "run-1")).To(Succeed())

			snap := r.Snapshot()
			Expect(snap.Status).To(Equal(reconciler.StatusError))
			Expect(snap.Error).To(Equal("dial tcp: refused"))
			Expect(transport.last().cancels.Load()).To(BeNumerically(">=", 1))
		})
	})

	Describe("text reassembly", func() {
		frame1 := `data: {"type":"assistant","content":"{\"content\":\"Hel\"}","metadata":"{\"stream_status\":\"chunk\"}","sequence":1}`
		frame2 := `data: {"type":"assistant","content":"{\"content\":\"lo\"}","metadata":"{\"stream_status\":\"chunk\"}","sequence":2}`

		It("joins chunks delivered in order", func() {
			r.Start(ctx, "run-1")
			transport.last().send(frame1, frame2)
			Expect(r.Snapshot().Text).To(Equal("Hello"))
		})

		It("joins chunks delivered in reverse order", func() {
			r.Start(ctx, "run-1")
			transport.last().send(frame2, frame1)
			Expect(r.Snapshot().Text).To(Equal("Hello"))
		})

		It("is independent of delivery order", func() {
			words := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
			rng := rand.New(rand.NewSource(42))
			for i := 0; i < 20; i++ {
				order := rng.Perm(len(words))
				r.Start(ctx, fmt.Sprintf("run-%d", i))
				for _, idx := range order {
					transport.last().send(chunk(idx*10, words[idx]))
				}
				Expect(r.Snapshot().Text).To(Equal("abcdefgh"), "order %v", order)
			}
		})

		It("keeps every chunk when sequences are missing or repeated", func() {
			r.Start(ctx, "run-1")
			transport.last().send(
				`data: {"type":"assistant","content":"{\"content\":\"Hel\"}","metadata":"{\"stream_status\":\"chunk\"}"}`,
				`data: {"type":"assistant","content":"{\"content\":\"lo\"}","metadata":"{\"stream_status\":\"chunk\"}"}`,
				chunk(2, "!"),
				chunk(1, " there"),
				chunk(1, " you"),
			)
			Expect(r.Snapshot().Text).To(Equal("Hello there you!"))
		})

		It("keeps text on the completion marker", func() {
			r.Start(ctx, "run-1")
			transport.last().send(frame1, `{"type":"assistant","content":"{\"content\":\"Hello\"}","metadata":"{\"stream_status\":\"complete\"}"}`)
			Expect(r.Snapshot().Text).To(Equal("Hel"))
		})

		It("appends recoverable legacy text", func() {
			r.Start(ctx, "run-1")
			transport.last().send("data: plain words")
			snap := r.Snapshot()
			Expect(snap.Status).To(Equal(reconciler.StatusStreaming))
			Expect(snap.Text).To(Equal("plain words"))
		})

		It("counts frames by kind", func() {
			r.Start(ctx, "run-1")
			transport.last().send(frame1, frame2, toolStarted(0, "x"))
			Expect(testutil.ToFloat64(m.Frames.WithLabelValues(stream.KindTextChunk))).To(Equal(2.0))
			Expect(testutil.ToFloat64(m.Frames.WithLabelValues(stream.KindToolCallStarted))).To(Equal(1.0))
		})
	})

	Describe("tool calls", func() {
		It("tracks only the most recently started tool", func() {
			r.Start(ctx, "run-1")
			transport.last().send(toolStarted(0, "search"), toolStarted(1, "browse"), toolStarted(2, "write"))

			snap := r.Snapshot()
			Expect(snap.ActiveTool).ToNot(BeNil())
			Expect(snap.ActiveTool.ToolIndex).To(Equal(2))
			Expect(snap.ActiveTool.Name).To(Equal("write"))
			Expect(store.Snapshot().CurrentTool).To(Equal(&uistate.ToolRef{Index: 2, Name: "write"}))
		})

		It("ignores completions for a different tool", func() {
			r.Start(ctx, "run-1")
			transport.last().send(toolStarted(3, "write"), toolCompleted(2))

			snap := r.Snapshot()
			Expect(snap.ActiveTool).ToNot(BeNil())
			Expect(snap.ActiveTool.ToolIndex).To(Equal(3))
			Expect(store.Snapshot().CurrentTool).ToNot(BeNil())
		})

		It("clears the matching tool", func() {
			r.Start(ctx, "run-1")
			transport.last().send(toolStarted(3, "write"), `{"type":"status","content":{"status_type":"tool_failed","tool_index":3}}`)

			Expect(r.Snapshot().ActiveTool).To(BeNil())
			Expect(store.Snapshot().CurrentTool).To(BeNil())
		})
	})

	Describe("finalization", func() {
		BeforeEach(func() {
			store.SetGenerating(true)
		})

		It("completes on thread_run_end and clears flags synchronously", func() {
			r.Start(ctx, "run-1")
			transport.last().send(chunk(1, "done"), toolStarted(0, "x"), runEnd)

			snap := r.Snapshot()
			Expect(snap.Status).To(Equal(reconciler.StatusCompleted))
			Expect(snap.Text).To(Equal("done"))
			Expect(store.Snapshot()).To(Equal(uistate.Flags{}))
			Expect(transport.last().cancels.Load()).To(Equal(int32(1)))
		})

		It("clears flags before publishing the terminal status", func() {
			rec := &flagRecorder{}
			r = newReconciler(reconciler.WithFlags(rec))
			ch, unsubscribe := r.Subscribe()
			defer unsubscribe()

			r.Start(ctx, "run-1")
			transport.last().send(runEnd)

			var seen reconciler.Snapshot
			Eventually(ch).Should(Receive(&seen))
			Expect(seen.Status).To(Equal(reconciler.StatusCompleted))
			Expect(rec.Calls()).To(Equal([]string{"generating=false", "tool=nil"}))
		})

		It("completes on the plain-text sentinel", func() {
			r.Start(ctx, "run-1")
			transport.last().send("Stream ended with status: completed")
			Expect(r.Snapshot().Status).To(Equal(reconciler.StatusCompleted))
		})

		It("captures lifecycle errors", func() {
			r.Start(ctx, "run-1")
			transport.last().send(`{"type":"status","content":{"status_type":"error","message":"quota exceeded"}}`)

			snap := r.Snapshot()
			Expect(snap.Status).To(Equal(reconciler.StatusError))
			Expect(snap.Error).To(Equal("quota exceeded"))
			Expect(store.Snapshot().Generating).To(BeFalse())
		})

		It("uses a generic message for errors without one", func() {
			r.Start(ctx, "run-1")
			transport.last().send(`{"status":"error"}`)
			Expect(r.Snapshot().Error).To(Equal("Stream error"))
		})

		It("captures transport errors", func() {
			r.Start(ctx, "run-1")
			transport.last().h.OnError(errors.New("connection reset"))

			snap := r.Snapshot()
			Expect(snap.Status).To(Equal(reconciler.StatusError))
			Expect(snap.Error).To(Equal("connection reset"))
		})

		It("treats a clean close as completion", func() {
			r.Start(ctx, "run-1")
			transport.last().send(chunk(1, "x"))
			transport.last().h.OnClose()
			Expect(r.Snapshot().Status).To(Equal(reconciler.StatusCompleted))
		})

		It("treats a close while connecting as completion", func() {
			r.Start(ctx, "run-1")
			transport.last().h.OnClose()
			Expect(r.Snapshot().Status).To(Equal(reconciler.StatusCompleted))
		})

		It("clears text after the clear delay but keeps the status", func() {
			r.Start(ctx, "run-1")
			transport.last().send(chunk(1, "final"), toolStarted(1, "x"), runEnd)
			Expect(r.Snapshot().Text).To(Equal("final"))

			Eventually(func() string { return r.Snapshot().Text }).Should(BeEmpty())
			snap := r.Snapshot()
			Expect(snap.Status).To(Equal(reconciler.StatusCompleted))
			Expect(snap.RunID).To(BeEmpty())
			Expect(snap.ActiveTool).To(BeNil())
		})

		It("invalidates history after the invalidate delay", func() {
			r.Start(ctx, "run-1")
			transport.last().send(runEnd)

			Expect(invalidated.Load()).To(BeZero())
			Eventually(invalidated.Load).Should(Equal(int32(1)))
			Consistently(invalidated.Load, 100*time.Millisecond).Should(Equal(int32(1)))
			Expect(invalidatedRun.Load()).To(Equal("run-1"))
		})

		It("records the finalized run", func() {
			r.Start(ctx, "run-1")
			transport.last().h.OnError(errors.New("boom"))
			Expect(testutil.ToFloat64(m.Runs.WithLabelValues("error"))).To(Equal(1.0))
		})
	})

	Describe("late frames", func() {
		It("ignores mutations after a terminal status", func() {
			r.Start(ctx, "run-1")
			sub := transport.last()
			sub.send(chunk(1, "kept"), runEnd)

			sub.send(chunk(2, "late"), toolStarted(9, "late"))
			sub.h.OnError(errors.New("late error"))
			sub.h.OnClose()

			snap := r.Snapshot()
			Expect(snap.Status).To(Equal(reconciler.StatusCompleted))
			Expect(snap.Text).To(Equal("kept"))
			Expect(snap.ActiveTool).To(BeNil())
			Expect(snap.Error).To(BeEmpty())
			Expect(store.Snapshot().CurrentTool).To(BeNil())
		})

		It("ignores callbacks from a superseded run", func() {
			r.Start(ctx, "run-A")
			subA := transport.last()
			r.Start(ctx, "run-B")
			subB := transport.last()

			Expect(subA.cancels.Load()).To(Equal(int32(1)))
			Expect(subB.runID).To(Equal("run-B"))

			subA.send(chunk(1, "from A"), toolStarted(1, "a-tool"), runEnd)
			subA.h.OnError(errors.New("A failed"))

			snap := r.Snapshot()
			Expect(snap.Status).To(Equal(reconciler.StatusConnecting))
			Expect(snap.RunID).To(Equal("run-B"))
			Expect(snap.Text).To(BeEmpty())
			Expect(snap.ActiveTool).To(BeNil())

			subB.send(chunk(1, "from B"))
			Expect(r.Snapshot().Text).To(Equal("from B"))
		})

		It("does not let a previous run's clear timer wipe a new run", func() {
			r.Start(ctx, "run-1")
			transport.last().send(chunk(1, "old"), runEnd)

			r.Start(ctx, "run-2")
			transport.last().send(chunk(1, "new"))

			Consistently(func() string { return r.Snapshot().Text }, 100*time.Millisecond).Should(Equal("new"))
		})
	})

	Describe("stopping", func() {
		It("stops a live stream", func() {
			store.SetGenerating(true)
			r.Start(ctx, "run-1")
			transport.last().send(chunk(1, "partial"))

			r.Stop()

			snap := r.Snapshot()
			Expect(snap.Status).To(Equal(reconciler.StatusStopped))
			Expect(snap.Text).To(Equal("partial"))
			Expect(store.Snapshot().Generating).To(BeFalse())
			Expect(transport.last().cancels.Load()).To(Equal(int32(1)))
		})

		It("is idempotent", func() {
			r.Start(ctx, "run-1")
			r.Stop()
			once := r.Snapshot()

			Expect(func() { r.Stop() }).ToNot(Panic())
			Expect(r.Snapshot()).To(Equal(once))
			Expect(transport.last().cancels.Load()).To(Equal(int32(1)))
		})

		It("is a no-op when idle", func() {
			rec := &flagRecorder{}
			r = newReconciler(reconciler.WithFlags(rec))

			r.Stop()
			r.Stop()

			Expect(r.Snapshot().Status).To(Equal(reconciler.StatusIdle))
			Expect(rec.Calls()).To(BeEmpty())
			Consistently(invalidated.Load, 100*time.Millisecond).Should(BeZero())
		})

		It("does not overwrite an earlier terminal status", func() {
			r.Start(ctx, "run-1")
			transport.last().h.OnError(errors.New("boom"))
			r.Stop()
			Expect(r.Snapshot().Status).To(Equal(reconciler.StatusError))
		})
	})

	Describe("closing", func() {
		It("cancels the subscription and clears flags", func() {
			store.SetGenerating(true)
			r.Start(ctx, "run-1")
			transport.last().send(toolStarted(1, "x"))
			ch, _ := r.Subscribe()

			r.Close()

			Expect(transport.last().cancels.Load()).To(Equal(int32(1)))
			Expect(store.Snapshot()).To(Equal(uistate.Flags{}))
			Expect(r.Snapshot().Status).To(Equal(reconciler.StatusIdle))
			Eventually(func() bool {
				_, open := <-ch
				return open
			}).Should(BeFalse())
			Expect(r.Start(ctx, "run-2")).To(MatchError(reconciler.ErrClosed))
		})

		It("drops pending invalidation", func() {
			r.Start(ctx, "run-1")
			transport.last().send(runEnd)
			r.Close()
			Consistently(invalidated.Load, 120*time.Millisecond).Should(BeZero())
		})
	})

	Describe("waiting", func() {
		It("returns the terminal snapshot", func() {
			r.Start(ctx, "run-1")
			go transport.last().send(chunk(1, "answer"), runEnd)

			waitCtx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			snap, err := r.Wait(waitCtx)
			Expect(err).ToNot(HaveOccurred())
			Expect(snap.Status).To(Equal(reconciler.StatusCompleted))
		})

		It("honors the context", func() {
			r.Start(ctx, "run-1")
			waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			_, err := r.Wait(waitCtx)
			Expect(err).To(MatchError(context.DeadlineExceeded))
		})
	})
})
