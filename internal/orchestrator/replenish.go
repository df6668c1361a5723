package orchestrator

import (
	"context"
	"time"

	"live-relay/internal/remux"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("live-relay/orchestrator")

// fetchResult is the outcome of one chunk fetch of a replenish pass.
type fetchResult struct {
	time      int64
	container *remux.Container
	ahead     bool
	rtt       time.Duration
	fetched   bool
}

// replenish tops the buffer up to its target depth. At most one pass runs at
// a time; the fetches of a pass run in parallel and are joined before the
// buffer is touched. Results of a pass whose generation ended are dropped.
func (s *Session) replenish(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateLive && s.state != stateAhead {
		s.mu.Unlock()
		return nil
	}
	if s.evictLocked() {
		s.resolveWaitersLocked(false)
	}
	need := s.target - len(s.buffer)
	if need <= 0 || s.busy {
		s.mu.Unlock()
		return nil
	}
	s.busy = true
	gen := s.generation
	from := s.cutoff
	if n := len(s.buffer); n > 0 {
		from = s.buffer[n-1].time
	}
	req := ChunkRequest{
		CallID:    s.id,
		RoutingID: s.routingID,
		Scale:     s.scale,
		Channel:   s.cfg.UnifiedChannel,
		Quality:   s.cfg.UnifiedQuality,
	}
	chunkMs := s.chunkMs
	lastTime := s.lastTime
	rm := s.remuxer
	s.mu.Unlock()

	ctx, span := tracer.Start(ctx, "session.replenish")
	span.SetAttributes(
		attribute.String("call_id", string(s.id)),
		attribute.Int64("generation", int64(gen)),
		attribute.Int("need", need),
	)
	defer span.End()

	results := make([]fetchResult, need)
	var g errgroup.Group
	for i := range results {
		results[i].time = from + int64(i+1)*chunkMs
		g.Go(func() error {
			return s.fetchChunk(ctx, rm, req, lastTime, &results[i])
		})
	}
	err := g.Wait()

	s.mu.Lock()
	if s.state == stateDestroyed || s.generation != gen {
		s.mu.Unlock()
		s.log.Debug("discarding stale replenish", "generation", gen)
		return nil
	}
	s.busy = false
	for _, r := range results {
		if r.fetched {
			s.drift.Observe(r.rtt)
		}
	}
	if err != nil {
		s.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	playhead, ahead, err := s.settleLocked(results)
	s.mu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if ahead {
		s.emitPlayhead(playhead)
	}
	return nil
}

// fetchChunk fetches and parses the chunk at r.time. Times that cannot exist
// yet or were already committed resolve empty without an upstream call.
func (s *Session) fetchChunk(ctx context.Context, rm Remuxer, req ChunkRequest, lastTime int64, r *fetchResult) error {
	if r.time < 0 || r.time <= lastTime {
		return nil
	}
	req.TimeMs = r.time

	s.log.Debug("fetching chunk", "time_ms", r.time)
	started := time.Now()
	data, err := s.fetcher.FetchChunk(ctx, req)
	r.rtt = time.Since(started)
	if err != nil {
		if classify(err) == classAhead {
			r.ahead = true
			return nil
		}
		return err
	}
	r.fetched = true
	s.metrics.ObserveFetch(r.rtt)
	if len(data) == 0 {
		return nil
	}

	c, err := rm.Parse(data)
	if err != nil {
		return err
	}
	r.container = c
	return nil
}

// settleLocked applies a joined replenish pass to the buffer. It returns the
// new playhead when the source turned out to be ahead.
func (s *Session) settleLocked(results []fetchResult) (playhead int64, ahead bool, err error) {
	if s.remuxer.Init() == nil {
		for _, r := range results {
			if r.container == nil {
				continue
			}
			if err := s.remuxer.EnsureInit(r.container); err != nil {
				return 0, false, err
			}
			break
		}
	}
	if s.remuxer.Init() == nil {
		s.log.Debug("skipping flush, no init segment yet")
		return 0, false, nil
	}

	var aheadMin int64
	for _, r := range results {
		if r.ahead && (!ahead || r.time < aheadMin) {
			ahead = true
			aheadMin = r.time
		}
	}
	if ahead {
		s.log.Info("stream is ahead", "next_time_ms", aheadMin)
		s.state = stateAhead
		s.playhead = aheadMin
		s.cutoff = aheadMin - int64(s.target)*s.chunkMs
		n := len(s.buffer)
		for n > 0 && s.buffer[n-1].time >= aheadMin {
			n--
		}
		dropped := n < len(s.buffer)
		s.buffer = s.buffer[:n]
		if s.evictLocked() || dropped {
			s.resolveWaitersLocked(false)
		}
		return aheadMin, true, nil
	}

	var fresh []bufferedChunk
	last := s.lastTime
	for _, r := range results {
		if r.container == nil || r.time < s.cutoff || r.time <= last {
			continue
		}
		seq := s.nextSeq
		frag, err := s.remuxer.Fragment(r.container, seq, int64(seq)*s.chunkMs)
		if err != nil {
			return 0, false, err
		}
		s.nextSeq++
		last = r.time
		fresh = append(fresh, bufferedChunk{time: r.time, seq: seq, fragment: frag})
	}
	if len(fresh) == 0 {
		s.log.Debug("skipping flush, no new chunks")
		return 0, false, nil
	}

	s.buffer = append(s.buffer, fresh...)
	s.lastTime = last
	s.state = stateLive
	s.retries = 0
	s.adjustTargetLocked()

	s.fanOutLocked(fresh)
	s.resolveWaitersLocked(true)
	s.metrics.AddCommitted(len(fresh))
	s.log.Debug("buffer replenished", "committed", len(fresh), "buffered", len(s.buffer))
	return 0, false, nil
}

// adjustTargetLocked applies the drift controller's target, shifting the
// cutoff so that retained chunks stay and evicted ones stay evicted.
func (s *Session) adjustTargetLocked() {
	n, ok := s.drift.Target(s.chunkMs)
	if !ok || n == s.target {
		return
	}
	s.cutoff -= int64(n-s.target) * s.chunkMs
	s.log.Info("buffer target changed", "from", s.target, "to", n)
	s.target = n
	s.metrics.SetTargetBuffer(n)
	if s.evictLocked() {
		s.resolveWaitersLocked(false)
	}
}
