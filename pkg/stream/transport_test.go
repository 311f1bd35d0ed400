package stream_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/killallgit/kortix/pkg/auth"
	"github.com/killallgit/kortix/pkg/metrics"
	"github.com/killallgit/kortix/pkg/stream"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recorder struct {
	mu       sync.Mutex
	messages []string
	errs     []error
	closes   int
}

func (r *recorder) handlers() stream.Handlers {
	return stream.Handlers{
		OnMessage: func(raw string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, raw)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
		OnClose: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.closes++
		},
	}
}

func (r *recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func (r *recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) Closes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

var _ = Describe("HTTPTransport", func() {
	var (
		server  *httptest.Server
		handler http.HandlerFunc
		rec     *recorder
		m       *metrics.Metrics
		ctx     context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		rec = &recorder{}
		m = metrics.New()
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer GinkgoRecover()
			handler(w, r)
		}))
	})

	AfterEach(func() {
		server.Close()
	})

	newTransport := func(opts ...stream.TransportOption) *stream.HTTPTransport {
		opts = append([]stream.TransportOption{stream.WithStreamMetrics(m)}, opts...)
		return stream.NewHTTPTransport(server.URL, opts...)
	}

	It("delivers frames in wire order and closes once", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Path).To(Equal("/agent-run/run-1/stream"))
			Expect(r.Header.Get("Accept")).To(Equal("text/event-stream"))
			Expect(r.Header.Get("Authorization")).To(Equal("Bearer tok"))
			w.Header().Set("Content-Type", "text/event-stream")
			for i := 1; i <= 3; i++ {
				fmt.Fprintf(w, "data: {\"sequence\":%d}\n\n", i)
				w.(http.Flusher).Flush()
			}
		}

		newTransport(stream.WithStreamTokenSource(auth.StaticToken("tok"))).Open(ctx, "run-1", rec.handlers())

		Eventually(rec.Closes).Should(Equal(1))
		Expect(rec.Messages()).To(Equal([]string{`{"sequence":1}`, `{"sequence":2}`, `{"sequence":3}`}))
		Expect(rec.Errors()).To(BeEmpty())
		Consistently(rec.Closes, 50*time.Millisecond).Should(Equal(1))
	})

	It("closes cleanly when the run already finished", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("data: {\"type\":\"status\",\"status\":\"completed\",\"message\":\"Run data not available for streaming\"}\n\n"))
		}

		newTransport().Open(ctx, "done", rec.handlers())

		Eventually(rec.Closes).Should(Equal(1))
		Expect(rec.Messages()).To(HaveLen(1))
		Expect(rec.Errors()).To(BeEmpty())
	})

	It("reports non-2xx answers as a single error", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("token expired"))
		}

		newTransport().Open(ctx, "run-1", rec.handlers())

		Eventually(rec.Errors).Should(HaveLen(1))
		var statusErr *stream.StatusError
		Expect(errors.As(rec.Errors()[0], &statusErr)).To(BeTrue())
		Expect(statusErr.StatusCode).To(Equal(http.StatusUnauthorized))
		Consistently(rec.Closes, 50*time.Millisecond).Should(BeZero())
		Expect(rec.Messages()).To(BeEmpty())
		Expect(testutil.ToFloat64(m.TransportErrs.WithLabelValues("status"))).To(Equal(1.0))
	})

	It("fails when the token cannot be read", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			Fail("request should not be sent")
		}
		tokens := auth.TokenFunc(func(context.Context) (string, error) {
			return "", errors.New("session expired")
		})

		newTransport(stream.WithStreamTokenSource(tokens)).Open(ctx, "run-1", rec.handlers())

		Eventually(rec.Errors).Should(HaveLen(1))
		Expect(rec.Errors()[0].Error()).To(ContainSubstring("session expired"))
	})

	It("fetches the token on every open", func() {
		var n int32
		tokens := auth.TokenFunc(func(context.Context) (string, error) {
			return fmt.Sprintf("tok-%d", atomic.AddInt32(&n, 1)), nil
		})
		seen := make(chan string, 2)
		handler = func(w http.ResponseWriter, r *http.Request) {
			seen <- r.Header.Get("Authorization")
		}

		tr := newTransport(stream.WithStreamTokenSource(tokens))
		tr.Open(ctx, "a", rec.handlers())
		Eventually(seen).Should(Receive(Equal("Bearer tok-1")))
		tr.Open(ctx, "b", rec.handlers())
		Eventually(seen).Should(Receive(Equal("Bearer tok-2")))
	})

	It("suppresses every callback after cancel", func() {
		release := make(chan struct{})
		handler = func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("data: first\n\n"))
			w.(http.Flusher).Flush()
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}

		cancel := newTransport().Open(ctx, "run-1", rec.handlers())
		Eventually(rec.Messages).Should(Equal([]string{"first"}))
		Eventually(func() float64 { return testutil.ToFloat64(m.ActiveStreams) }).Should(Equal(1.0))

		cancel()
		cancel()
		close(release)

		Consistently(func() int { return rec.Closes() + len(rec.Errors()) }, 100*time.Millisecond).Should(BeZero())
		Expect(rec.Messages()).To(Equal([]string{"first"}))
		Eventually(func() float64 { return testutil.ToFloat64(m.ActiveStreams) }).Should(BeZero())
	})

	It("tolerates cancel after a natural close", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {}

		cancel := newTransport().Open(ctx, "run-1", rec.handlers())
		Eventually(rec.Closes).Should(Equal(1))
		Expect(func() { cancel(); cancel() }).ToNot(Panic())
		Expect(rec.Closes()).To(Equal(1))
	})

	It("stops when the parent context is cancelled", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		}

		parent, cancel := context.WithCancel(ctx)
		newTransport().Open(parent, "run-1", rec.handlers())
		time.Sleep(20 * time.Millisecond)
		cancel()

		Consistently(func() int { return rec.Closes() + len(rec.Errors()) }, 100*time.Millisecond).Should(BeZero())
	})
})
