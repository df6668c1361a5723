package orchestrator

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Sink is one push-mode consumer. It receives the init segment followed by
// fragments in order on C. C is closed when the sink is detached, falls too
// far behind, or the session is destroyed.
type Sink struct {
	ID uuid.UUID

	session   *Session
	ch        chan []byte
	closeOnce sync.Once
}

func newSink(s *Session, buffer int) *Sink {
	return &Sink{ID: uuid.New(), session: s, ch: make(chan []byte, buffer)}
}

// C returns the fragment channel.
func (k *Sink) C() <-chan []byte {
	return k.ch
}

// Close detaches the sink from its session.
func (k *Sink) Close() {
	k.session.detach(k)
}

// send queues b without blocking. It reports false when the sink is full.
func (k *Sink) send(b []byte) bool {
	select {
	case k.ch <- b:
		return true
	default:
		return false
	}
}

func (k *Sink) close() {
	k.closeOnce.Do(func() { close(k.ch) })
}

// playlistWaiter is a pull request waiting for the buffer to fill.
type playlistWaiter struct {
	ch chan string
}

// segmentResult resolves a segmentWaiter.
type segmentResult struct {
	data []byte
	err  error
}

type segmentWaiter struct {
	seq uint32
	ch  chan segmentResult
}

// attachSink registers a new push consumer. A full buffer is delivered at
// once; otherwise the sink waits for the next successful replenish.
func (s *Session) attachSink() (*Sink, error) {
	s.mu.Lock()
	if s.state == stateDestroyed {
		s.mu.Unlock()
		return nil, ErrSessionDestroyed
	}

	stopTimer(&s.pushIdle)
	sink := newSink(s, s.cfg.SinkBuffer)
	if s.hasEnoughBufferLocked() {
		if s.deliverBacklogLocked(sink) {
			s.active[sink.ID] = sink
		}
	} else {
		s.waiting[sink.ID] = sink
	}
	s.metrics.AddConsumers("push", 1)
	s.log.Debug("sink attached", "sink_id", sink.ID, "active", len(s.active), "waiting", len(s.waiting))
	kick := s.kickLocked(true)
	s.mu.Unlock()

	kick()
	return sink, nil
}

// detach removes a push consumer and arms the inactivity timer once no
// consumer is left.
func (s *Session) detach(sink *Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, active := s.active[sink.ID]
	_, waiting := s.waiting[sink.ID]
	if !active && !waiting {
		return
	}
	delete(s.active, sink.ID)
	delete(s.waiting, sink.ID)
	sink.close()
	s.metrics.AddConsumers("push", -1)
	s.log.Debug("sink detached", "sink_id", sink.ID)

	if s.state != stateDestroyed && len(s.active) == 0 && len(s.waiting) == 0 {
		stopTimer(&s.pushIdle)
		s.pushIdle = s.clock.AfterFunc(s.cfg.PushIdleTimeout, s.onPushIdle)
	}
}

// onPushIdle tears the session down once the last push consumer is gone,
// unless pull consumers still keep it alive. The pull timer then owns
// teardown.
func (s *Session) onPushIdle() {
	s.mu.Lock()
	if s.state == stateDestroyed || s.hasPushLocked() {
		s.mu.Unlock()
		return
	}
	if s.hasPullLocked() {
		s.log.Debug("push idle timeout while pull consumers remain")
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.log.Info("no push consumers left")
	s.Destroy(ErrIdle)
}

func (s *Session) hasPushLocked() bool {
	return len(s.active) > 0 || len(s.waiting) > 0
}

// hasPullLocked reports whether a pull request arrived within the pull idle
// timeout or is still pending.
func (s *Session) hasPullLocked() bool {
	return s.pullIdle != nil || len(s.playlistWaiters) > 0 || len(s.segmentWaiters) > 0
}

// deliverBacklogLocked sends init and every retained fragment to sink.
func (s *Session) deliverBacklogLocked(sink *Sink) bool {
	if !sink.send(s.remuxer.Init()) {
		s.dropSinkLocked(sink)
		return false
	}
	for _, c := range s.buffer {
		if !sink.send(c.fragment) {
			s.dropSinkLocked(sink)
			return false
		}
	}
	return true
}

// fanOutLocked pushes newly committed chunks to active sinks and promotes
// every waiting sink with the full backlog.
func (s *Session) fanOutLocked(fresh []bufferedChunk) {
	for _, sink := range s.active {
		for _, c := range fresh {
			if !sink.send(c.fragment) {
				s.dropSinkLocked(sink)
				break
			}
		}
	}
	for id, sink := range s.waiting {
		delete(s.waiting, id)
		if s.deliverBacklogLocked(sink) {
			s.active[id] = sink
		}
	}
}

// dropSinkLocked closes a sink that cannot keep up.
func (s *Session) dropSinkLocked(sink *Sink) {
	s.log.Warn("dropping slow sink", "sink_id", sink.ID)
	delete(s.active, sink.ID)
	delete(s.waiting, sink.ID)
	sink.close()
	s.metrics.AddConsumers("push", -1)
	if len(s.active) == 0 && len(s.waiting) == 0 && s.state != stateDestroyed {
		stopTimer(&s.pushIdle)
		s.pushIdle = s.clock.AfterFunc(s.cfg.PushIdleTimeout, s.onPushIdle)
	}
}

// Playlist returns the media playlist once the buffer holds its target
// depth. If the session is torn down first, an ended playlist is returned.
func (s *Session) Playlist(ctx context.Context) (string, error) {
	s.mu.Lock()
	s.touchPullLocked()
	if s.state == stateDestroyed {
		p := s.playlistLocked(true)
		s.mu.Unlock()
		return p, nil
	}
	if s.hasEnoughBufferLocked() {
		p := s.playlistLocked(false)
		s.mu.Unlock()
		return p, nil
	}

	w := &playlistWaiter{ch: make(chan string, 1)}
	s.playlistWaiters = append(s.playlistWaiters, w)
	kick := s.kickLocked(false)
	s.mu.Unlock()
	kick()

	select {
	case p := <-w.ch:
		return p, nil
	case <-ctx.Done():
		s.mu.Lock()
		s.removePlaylistWaiterLocked(w)
		s.mu.Unlock()
		return "", ctx.Err()
	}
}

// InitSegment returns the init segment of the current generation.
func (s *Session) InitSegment() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remuxer == nil || s.state == stateDestroyed {
		return nil, false
	}
	init := s.remuxer.Init()
	return init, init != nil
}

// Segment returns the fragment with the given sequence number. It waits for
// sequences that are not produced yet and fails with ErrSegmentNotFound as
// soon as seq falls below the retained window.
func (s *Session) Segment(ctx context.Context, seq uint32) ([]byte, error) {
	s.mu.Lock()
	s.touchPullLocked()
	if s.state == stateDestroyed {
		s.mu.Unlock()
		return nil, ErrSessionDestroyed
	}
	if c, ok := s.findLocked(seq); ok {
		s.mu.Unlock()
		return c.fragment, nil
	}
	if len(s.buffer) > 0 && seq < s.buffer[0].seq {
		s.mu.Unlock()
		return nil, ErrSegmentNotFound
	}

	w := &segmentWaiter{seq: seq, ch: make(chan segmentResult, 1)}
	s.segmentWaiters = append(s.segmentWaiters, w)
	kick := s.kickLocked(false)
	s.mu.Unlock()
	kick()

	select {
	case r := <-w.ch:
		return r.data, r.err
	case <-ctx.Done():
		s.mu.Lock()
		s.removeSegmentWaiterLocked(w)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (s *Session) findLocked(seq uint32) (bufferedChunk, bool) {
	for _, c := range s.buffer {
		if c.seq == seq {
			return c, true
		}
	}
	return bufferedChunk{}, false
}

// resolveWaitersLocked settles pull waiters after the buffer changed.
func (s *Session) resolveWaitersLocked(committed bool) {
	if committed && len(s.playlistWaiters) > 0 {
		p := s.playlistLocked(false)
		for _, w := range s.playlistWaiters {
			w.ch <- p
		}
		s.playlistWaiters = nil
	}

	kept := s.segmentWaiters[:0]
	for _, w := range s.segmentWaiters {
		if c, ok := s.findLocked(w.seq); ok {
			w.ch <- segmentResult{data: c.fragment}
			continue
		}
		if len(s.buffer) > 0 && w.seq < s.buffer[0].seq {
			w.ch <- segmentResult{err: ErrSegmentNotFound}
			continue
		}
		kept = append(kept, w)
	}
	clear(s.segmentWaiters[len(kept):])
	s.segmentWaiters = kept
}

func (s *Session) removePlaylistWaiterLocked(w *playlistWaiter) {
	for i, x := range s.playlistWaiters {
		if x == w {
			s.playlistWaiters = append(s.playlistWaiters[:i], s.playlistWaiters[i+1:]...)
			return
		}
	}
}

func (s *Session) removeSegmentWaiterLocked(w *segmentWaiter) {
	for i, x := range s.segmentWaiters {
		if x == w {
			s.segmentWaiters = append(s.segmentWaiters[:i], s.segmentWaiters[i+1:]...)
			return
		}
	}
}

// touchPullLocked re-arms the pull idle timer and marks the session as
// serving pull consumers. A pending push idle teardown is cancelled.
func (s *Session) touchPullLocked() {
	if s.state == stateDestroyed {
		return
	}
	s.servedPull = true
	stopTimer(&s.pushIdle)
	stopTimer(&s.pullIdle)
	s.pullIdle = s.clock.AfterFunc(s.cfg.PullIdleTimeout, s.onPullIdle)
}

func (s *Session) onPullIdle() {
	s.mu.Lock()
	if s.state == stateDestroyed {
		s.mu.Unlock()
		return
	}
	if len(s.playlistWaiters) > 0 || len(s.segmentWaiters) > 0 {
		s.log.Debug("pull idle timeout with pending requests, re-arming")
		s.pullIdle = s.clock.AfterFunc(s.cfg.PullIdleTimeout, s.onPullIdle)
		s.mu.Unlock()
		return
	}
	s.pullIdle = nil
	if s.hasPushLocked() {
		// Push sinks keep the session; their detach arms the push timer.
		s.log.Debug("pull idle timeout while push consumers remain")
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.log.Info("no pull requests within idle timeout")
	s.Destroy(ErrIdle)
}

func (s *Session) playlistLocked(ended bool) string {
	segments := make([]Segment, 0, len(s.buffer))
	d := float64(s.chunkMs) / 1000
	for _, c := range s.buffer {
		segments = append(segments, Segment{Sequence: c.seq, Duration: d, Path: segmentPath(c.seq)})
	}
	return BuildLivePlaylist(segments, d, ended)
}
