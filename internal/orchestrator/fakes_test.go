package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"live-relay/internal/platform/logger"
	"live-relay/internal/remux"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
)

// fakeClock fires timers only when the test advances it.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *fakeClock
	at    time.Duration
	f     func()
	done  bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.done
	t.done = true
	return was
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d, running due callbacks in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if !t.done && t.at <= target && (next == nil || t.at < next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.done = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

// fakeFetcher serves chunks "t<time>" for every time up to edge.
type fakeFetcher struct {
	mu         sync.Mutex
	state      StreamState
	stateErrs  []error
	stateCalls int
	edge       int64
	emptyAbove bool
	errAll     error
	errAt      map[int64][]error
	gate       map[int64]chan struct{}
	entered    chan int64
	calls      []int64
}

func newFakeFetcher(lastTimestamp, edge int64) *fakeFetcher {
	return &fakeFetcher{
		state: StreamState{
			Channels:  []Channel{{Channel: DefaultUnifiedChannel, Scale: 0, LastTimestampMs: lastTimestamp}},
			RoutingID: 2,
		},
		edge:    edge,
		errAt:   make(map[int64][]error),
		gate:    make(map[int64]chan struct{}),
		entered: make(chan int64, 16),
	}
}

func (f *fakeFetcher) FetchState(context.Context, CallID) (StreamState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateCalls++
	if len(f.stateErrs) > 0 {
		err := f.stateErrs[0]
		f.stateErrs = f.stateErrs[1:]
		return StreamState{}, err
	}
	return f.state, nil
}

func (f *fakeFetcher) FetchChunk(_ context.Context, req ChunkRequest) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.TimeMs)
	gate := f.gate[req.TimeMs]
	delete(f.gate, req.TimeMs)
	f.mu.Unlock()

	if gate != nil {
		f.entered <- req.TimeMs
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errAll != nil {
		return nil, f.errAll
	}
	if q := f.errAt[req.TimeMs]; len(q) > 0 {
		f.errAt[req.TimeMs] = q[1:]
		return nil, q[0]
	}
	if req.TimeMs > f.edge {
		if f.emptyAbove {
			return nil, nil
		}
		return nil, &APIError{Code: 400, Type: "TIME_TOO_BIG"}
	}
	return []byte(fmt.Sprintf("t%d", req.TimeMs)), nil
}

func (f *fakeFetcher) setEdge(edge int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edge = edge
}

func (f *fakeFetcher) edgeMs() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.edge
}

func (f *fakeFetcher) failAt(timeMs int64, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errAt[timeMs] = append(f.errAt[timeMs], errs...)
}

func (f *fakeFetcher) chunkCalls() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]int64(nil), f.calls...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// fakeRemuxer renders fragments as "<seq>@<base>:<payload>".
type fakeRemuxer struct {
	mu     sync.Mutex
	init   []byte
	closed bool
}

func (r *fakeRemuxer) Parse(raw []byte) (*remux.Container, error) {
	if string(raw) == "bad" {
		return nil, remux.ErrInvalidContainer
	}
	return &remux.Container{Tracks: []*remux.Track{{
		ID:      1,
		Samples: []*fmp4.Sample{{Payload: raw}},
	}}}, nil
}

func (r *fakeRemuxer) EnsureInit(c *remux.Container) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.init == nil {
		r.init = []byte("init:" + string(c.Tracks[0].Samples[0].Payload))
	}
	return nil
}

func (r *fakeRemuxer) Init() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.init
}

func (r *fakeRemuxer) Fragment(c *remux.Container, seq uint32, baseTimeMs int64) ([]byte, error) {
	return []byte(fmt.Sprintf("%d@%d:%s", seq, baseTimeMs, c.Tracks[0].Samples[0].Payload)), nil
}

func (r *fakeRemuxer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *fakeRemuxer) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// recordingNotifier keeps every broadcast.
type recordingNotifier struct {
	mu        sync.Mutex
	playheads []int64
	destroyed []CallID
}

func (n *recordingNotifier) PlayheadChanged(_ CallID, t int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.playheads = append(n.playheads, t)
}

func (n *recordingNotifier) Destroyed(id CallID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.destroyed = append(n.destroyed, id)
}

func (n *recordingNotifier) lastPlayhead() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.playheads) == 0 {
		return -1
	}
	return n.playheads[len(n.playheads)-1]
}

func (n *recordingNotifier) destroyedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.destroyed)
}

// harness wires a Service to fakes. Background work runs synchronously.
type harness struct {
	t        *testing.T
	fetcher  *fakeFetcher
	clock    *fakeClock
	notify   *recordingNotifier
	anchors  *InMemoryAnchorStore
	svc      *Service

	mu       sync.Mutex
	remuxers []*fakeRemuxer
}

// newHarness uses 1000 ms chunks, a 5 chunk target and a stream whose state
// reports lastTimestamp.
func newHarness(t *testing.T, lastTimestamp, edge int64) *harness {
	t.Helper()
	return newHarnessWithConfig(t, Config{}, lastTimestamp, edge)
}

func newHarnessWithConfig(t *testing.T, cfg Config, lastTimestamp, edge int64) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		fetcher: newFakeFetcher(lastTimestamp, edge),
		clock:   &fakeClock{},
		notify:  &recordingNotifier{},
		anchors: NewInMemoryAnchorStore(),
	}
	h.svc = NewService(cfg, Deps{
		Fetcher: h.fetcher,
		NewRemuxer: func() Remuxer {
			r := &fakeRemuxer{}
			h.mu.Lock()
			h.remuxers = append(h.remuxers, r)
			h.mu.Unlock()
			return r
		},
		Anchors:  h.anchors,
		Notifier: h.notify,
		Clock:    h.clock,
		Log:      logger.Discard(),
	})
	h.svc.spawn = func(f func()) { f() }
	return h
}

func (h *harness) remuxerList() []*fakeRemuxer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*fakeRemuxer(nil), h.remuxers...)
}

func (h *harness) session(id CallID) *Session {
	return h.svc.registry.GetOrCreate(id)
}

// snapshot returns the buffered fragments and the session state.
func (h *harness) snapshot(s *Session) (frags []string, st state) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.buffer {
		frags = append(frags, string(c.fragment))
	}
	return frags, s.state
}

func (h *harness) seqs(s *Session) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, 0, len(s.buffer))
	for _, c := range s.buffer {
		out = append(out, c.seq)
	}
	return out
}

// tickN runs n clock ticks, moving the upstream edge along with the playhead.
func (h *harness) tickN(s *Session, n int) {
	for i := 0; i < n; i++ {
		h.fetcher.mu.Lock()
		h.fetcher.edge += 1000
		h.fetcher.mu.Unlock()
		s.tick()
	}
}

// advanceLive moves the clock n seconds, keeping the upstream edge level with
// the playhead so the buffer stays full.
func (h *harness) advanceLive(n int) {
	for i := 0; i < n; i++ {
		h.fetcher.setEdge(h.fetcher.edgeMs() + 1000)
		h.clock.Advance(time.Second)
	}
}

// drain reads everything currently queued on a sink.
func drain(sink *Sink) (msgs []string, closed bool) {
	for {
		select {
		case b, ok := <-sink.C():
			if !ok {
				return msgs, true
			}
			msgs = append(msgs, string(b))
		default:
			return msgs, false
		}
	}
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
