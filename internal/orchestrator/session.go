package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"live-relay/internal/platform/metrics"

	"github.com/google/uuid"
)

// Session buffers one call's stream and serves every consumer of it from a
// single ordered buffer of fragments.
//
// All asynchronous work captures the generation it was started in and is
// discarded on completion if the generation moved on.
type Session struct {
	id      CallID
	cfg     Config
	fetcher Fetcher
	anchors AnchorStore
	notify  Notifier
	clock   Clock
	metrics *metrics.Metrics
	log     *slog.Logger

	newRemuxer RemuxerFactory
	onDestroy  func(*Session)
	spawn      func(func())

	mu         sync.Mutex
	state      state
	generation uint64
	playhead   int64
	cutoff     int64
	lastTime   int64
	chunkMs    int64
	scale      int32
	routingID  int
	target     int
	nextSeq    uint32
	retries    int
	busy       bool
	servedPull bool

	buffer  []bufferedChunk
	remuxer Remuxer
	drift   *DriftController

	active          map[uuid.UUID]*Sink
	waiting         map[uuid.UUID]*Sink
	playlistWaiters []*playlistWaiter
	segmentWaiters  []*segmentWaiter

	ticker   Timer
	pushIdle Timer
	pullIdle Timer
}

// sessionDeps are the collaborators shared by every session of a Service.
type sessionDeps struct {
	fetcher    Fetcher
	anchors    AnchorStore
	notify     Notifier
	clock      Clock
	metrics    *metrics.Metrics
	log        *slog.Logger
	newRemuxer RemuxerFactory
	onDestroy  func(*Session)
}

func newSession(id CallID, cfg Config, deps sessionDeps) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		id:         id,
		cfg:        cfg,
		fetcher:    deps.fetcher,
		anchors:    deps.anchors,
		notify:     deps.notify,
		clock:      deps.clock,
		metrics:    deps.metrics,
		log:        deps.log.With("call_id", string(id)),
		newRemuxer: deps.newRemuxer,
		onDestroy:  deps.onDestroy,
		spawn:      func(f func()) { go f() },
		drift:      NewDriftController(cfg.RTTWindow, cfg.MinBufferMs),
		active:     make(map[uuid.UUID]*Sink),
		waiting:    make(map[uuid.UUID]*Sink),
	}
}

// ID returns the call id of the session.
func (s *Session) ID() CallID {
	return s.id
}

// kickLocked returns the work a consumer arrival triggers: the first start
// of an idle session, or optionally a replenish of a live one.
func (s *Session) kickLocked(replenish bool) func() {
	switch s.state {
	case stateIdle:
		s.state = stateStarting
		return func() { s.spawn(s.start) }
	case stateLive, stateAhead:
		if replenish {
			return func() { s.spawn(s.replenishFromTick) }
		}
	}
	return func() {}
}

// start begins a new generation: it fetches the stream state, positions the
// playhead and starts the clock.
func (s *Session) start() {
	ctx := context.Background()

	s.mu.Lock()
	if s.state == stateDestroyed {
		s.mu.Unlock()
		return
	}
	stopTimer(&s.ticker)
	s.generation++
	gen := s.generation
	s.state = stateStarting
	s.buffer = nil
	s.nextSeq = 0
	s.busy = false
	if s.remuxer != nil {
		s.remuxer.Close()
	}
	s.remuxer = s.newRemuxer()
	s.log.Info("starting stream", "generation", gen)
	s.mu.Unlock()

	st, err := s.fetchState(ctx, gen)
	if err != nil {
		s.fail(gen, err)
		return
	}
	channel, ok := st.Find(s.cfg.UnifiedChannel)
	if !ok {
		s.handleError(gen, ErrNoUnifiedChannel)
		return
	}

	playhead := channel.LastTimestampMs
	if s.servesPull() {
		if anchor, ok, err := s.anchors.Get(ctx, s.id); err != nil {
			s.log.Warn("read reconnect anchor", "error", err)
		} else if ok && anchor > playhead {
			playhead = anchor
		}
	}

	s.mu.Lock()
	if s.state == stateDestroyed || s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.scale = channel.Scale
	s.chunkMs = scaleToTime(channel.Scale)
	s.routingID = st.RoutingID
	if s.target == 0 {
		s.target = s.drift.Initial(s.chunkMs)
	} else if n, ok := s.drift.Target(s.chunkMs); ok {
		s.target = n
	}
	s.playhead = playhead
	s.cutoff = playhead - int64(s.target)*s.chunkMs
	s.state = stateLive
	s.ticker = s.clock.AfterFunc(time.Duration(s.chunkMs)*time.Millisecond, s.onTick)
	s.metrics.SetTargetBuffer(s.target)
	s.log.Info("stream started",
		"generation", gen,
		"last_timestamp_ms", channel.LastTimestampMs,
		"playhead", playhead,
		"scale", channel.Scale,
		"target", s.target)
	s.mu.Unlock()

	s.emitPlayhead(playhead)

	if err := s.replenish(ctx); err != nil {
		s.handleError(gen, err)
	}
}

// fetchState calls the upstream with a bounded number of attempts.
func (s *Session) fetchState(ctx context.Context, gen uint64) (StreamState, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.StateRetryAttempts; attempt++ {
		st, err := s.fetcher.FetchState(ctx, s.id)
		if err == nil {
			return st, nil
		}
		lastErr = err
		s.log.Warn("fetch stream state", "attempt", attempt, "error", err)
		if !s.isCurrent(gen) {
			return StreamState{}, err
		}
		if attempt < s.cfg.StateRetryAttempts {
			s.sleep(s.cfg.StateRetryDelay)
		}
	}
	return StreamState{}, fmt.Errorf("fetch stream state: %w", lastErr)
}

func (s *Session) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	done := make(chan struct{})
	s.clock.AfterFunc(d, func() { close(done) })
	<-done
}

func (s *Session) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != stateDestroyed && s.generation == gen
}

func (s *Session) servesPull() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.servedPull
}

// onTick is the clock callback: it re-arms itself, advances the playhead
// unless the source is ahead, and replenishes.
func (s *Session) onTick() {
	s.mu.Lock()
	if s.state != stateLive && s.state != stateAhead {
		s.mu.Unlock()
		return
	}
	s.ticker = s.clock.AfterFunc(time.Duration(s.chunkMs)*time.Millisecond, s.onTick)
	s.mu.Unlock()

	s.tick()
}

// tick advances the clock by one chunk and replenishes the buffer.
func (s *Session) tick() {
	s.mu.Lock()
	if s.state != stateLive && s.state != stateAhead {
		s.mu.Unlock()
		return
	}
	advanced := s.state != stateAhead
	if advanced {
		s.playhead += s.chunkMs
		s.cutoff += s.chunkMs
		if s.evictLocked() {
			s.resolveWaitersLocked(false)
		}
	}
	playhead := s.playhead
	s.mu.Unlock()

	if advanced {
		s.emitPlayhead(playhead)
	}
	s.replenishFromTick()
}

// replenishFromTick replenishes and swallows the failure while something is
// still playable.
func (s *Session) replenishFromTick() {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()

	err := s.replenish(context.Background())
	if err == nil {
		return
	}

	s.mu.Lock()
	if s.state == stateDestroyed || s.generation != gen {
		s.mu.Unlock()
		return
	}
	playable := len(s.buffer) > 0 && s.state != stateAhead
	s.mu.Unlock()

	if playable {
		s.log.Warn("replenish failed, continuing on buffered data", "error", err)
		return
	}
	s.handleError(gen, err)
}

// evictLocked drops chunks below the cutoff and reports whether any were dropped.
func (s *Session) evictLocked() bool {
	n := 0
	for n < len(s.buffer) && s.buffer[n].time < s.cutoff {
		n++
	}
	if n == 0 {
		return false
	}
	s.buffer = append(s.buffer[:0], s.buffer[n:]...)
	return true
}

func (s *Session) hasEnoughBufferLocked() bool {
	return s.remuxer != nil && s.remuxer.Init() != nil && s.target > 0 && len(s.buffer) >= s.target
}

// handleError applies the recovery policy for err raised in generation gen.
func (s *Session) handleError(gen uint64, err error) {
	s.mu.Lock()
	if s.state == stateDestroyed || s.generation != gen {
		s.mu.Unlock()
		return
	}

	class := classify(err)
	s.metrics.IncFetchError(class.String())
	switch {
	case class == classResync:
		s.state = stateStarting
		s.mu.Unlock()
		s.log.Info("stream needs resync", "error", err)
		s.metrics.IncResyncs()
		s.spawn(s.start)
		return

	case class == classRetry && s.retries < s.cfg.MaxFetchRetries:
		s.retries++
		s.state = stateStarting
		retries := s.retries
		s.mu.Unlock()
		s.log.Info("retrying stream", "attempt", retries, "error", err)
		s.spawn(s.start)
		return
	}
	s.mu.Unlock()

	s.fail(gen, err)
}

// fail tears the session down if gen is still current.
func (s *Session) fail(gen uint64, err error) {
	if !s.isCurrent(gen) {
		return
	}
	s.log.Error("stream failed", "error", err)
	s.Destroy(err)
}

// Destroy tears the session down. Every sink is closed, every waiter is
// released with cause and a destroyed broadcast is emitted. It is safe to
// call more than once.
func (s *Session) Destroy(cause error) {
	if cause == nil {
		cause = ErrSessionDestroyed
	}

	s.mu.Lock()
	if s.state == stateDestroyed {
		s.mu.Unlock()
		return
	}
	s.state = stateDestroyed
	s.generation++

	stopTimer(&s.ticker)
	stopTimer(&s.pushIdle)
	stopTimer(&s.pullIdle)

	for id, sink := range s.active {
		sink.close()
		delete(s.active, id)
		s.metrics.AddConsumers("push", -1)
	}
	for id, sink := range s.waiting {
		sink.close()
		delete(s.waiting, id)
		s.metrics.AddConsumers("push", -1)
	}

	ended := s.playlistLocked(true)
	for _, w := range s.playlistWaiters {
		w.ch <- ended
	}
	s.playlistWaiters = nil
	for _, w := range s.segmentWaiters {
		w.ch <- segmentResult{err: cause}
	}
	s.segmentWaiters = nil

	if s.remuxer != nil {
		s.remuxer.Close()
	}
	s.mu.Unlock()

	s.log.Info("stream destroyed", "reason", cause)
	s.metrics.IncDestroyed(destroyReason(cause))
	if s.onDestroy != nil {
		s.onDestroy(s)
	}
	s.notify.Destroyed(s.id)
}

func destroyReason(err error) string {
	switch {
	case errors.Is(err, ErrLeft):
		return "left"
	case errors.Is(err, ErrIdle):
		return "idle"
	case errors.Is(err, ErrSessionDestroyed):
		return "shutdown"
	}
	return "error"
}

// emitPlayhead broadcasts the playhead and records it as reconnect anchor
// for sessions that serve pull consumers.
func (s *Session) emitPlayhead(timeMs int64) {
	s.notify.PlayheadChanged(s.id, timeMs)
	if !s.servesPull() {
		return
	}
	if err := s.anchors.Set(context.Background(), s.id, timeMs); err != nil {
		s.log.Warn("store reconnect anchor", "error", err)
	}
}

// Playhead returns the current playhead once the session has started.
func (s *Session) Playhead() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playhead, s.state == stateLive || s.state == stateAhead
}
