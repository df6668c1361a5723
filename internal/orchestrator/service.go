package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"live-relay/internal/platform/logger"
	"live-relay/internal/platform/metrics"
)

// Deps are the collaborators of a Service. Only Fetcher and NewRemuxer are
// required.
type Deps struct {
	Fetcher    Fetcher
	NewRemuxer RemuxerFactory
	Anchors    AnchorStore
	Notifier   Notifier
	Clock      Clock
	Metrics    *metrics.Metrics
	Log        *slog.Logger
}

// Service routes requests to the session of their call, creating sessions
// on demand, and forwards leave notifications.
type Service struct {
	registry *Registry
	fetcher  Fetcher
	anchors  AnchorStore
	log      *slog.Logger
	cfg      Config

	// spawn runs session background work; nil means a new goroutine.
	spawn func(func())
}

// NewService returns a Service with an empty session registry.
func NewService(cfg Config, deps Deps) *Service {
	cfg = cfg.withDefaults()
	if deps.Anchors == nil {
		deps.Anchors = NewInMemoryAnchorStore()
	}
	if deps.Notifier == nil {
		deps.Notifier = noopNotifier{}
	}
	if deps.Clock == nil {
		deps.Clock = RealClock
	}
	if deps.Log == nil {
		deps.Log = logger.Discard()
	}

	svc := &Service{
		fetcher: deps.Fetcher,
		anchors: deps.Anchors,
		log:     deps.Log,
		cfg:     cfg,
	}
	sd := sessionDeps{
		fetcher:    deps.Fetcher,
		anchors:    deps.Anchors,
		notify:     deps.Notifier,
		clock:      deps.Clock,
		metrics:    deps.Metrics,
		log:        deps.Log,
		newRemuxer: deps.NewRemuxer,
	}
	svc.registry = NewRegistry(func(id CallID) *Session {
		s := newSession(id, cfg, sd)
		s.onDestroy = svc.registry.Remove
		if svc.spawn != nil {
			s.spawn = svc.spawn
		}
		return s
	})
	return svc
}

// session returns a live session for id. A session destroyed between lookup
// and use is replaced on the next call.
func (s *Service) session(id CallID) *Session {
	return s.registry.GetOrCreate(id)
}

// OpenStream attaches a push consumer to the call's session.
func (s *Service) OpenStream(id CallID) (*Sink, error) {
	sink, err := s.session(id).attachSink()
	if errors.Is(err, ErrSessionDestroyed) {
		sink, err = s.session(id).attachSink()
	}
	return sink, err
}

// Playlist returns the call's media playlist, waiting for the buffer to fill.
func (s *Service) Playlist(ctx context.Context, id CallID) (string, error) {
	return s.session(id).Playlist(ctx)
}

// InitSegment returns the init segment of the call's current generation, or
// ErrSegmentNotFound if none exists yet.
func (s *Service) InitSegment(id CallID) ([]byte, error) {
	sess, ok := s.registry.Get(id)
	if !ok {
		return nil, ErrSegmentNotFound
	}
	init, ok := sess.InitSegment()
	if !ok {
		return nil, ErrSegmentNotFound
	}
	return init, nil
}

// Segment returns fragment seq of the call, waiting for it if it is ahead of
// the retained window.
func (s *Service) Segment(ctx context.Context, id CallID, seq uint32) ([]byte, error) {
	return s.session(id).Segment(ctx, seq)
}

// Leave tears down the call's session. A permanent leave also forgets the
// call's reconnect anchor.
func (s *Service) Leave(ctx context.Context, id CallID, permanent bool) error {
	if sess, ok := s.registry.Get(id); ok {
		sess.Destroy(ErrLeft)
	}
	if !permanent {
		return nil
	}
	return s.anchors.Delete(ctx, id)
}

// Status checks whether the call still produces media.
func (s *Service) Status(ctx context.Context, id CallID) (Liveness, error) {
	st, err := s.fetcher.FetchState(ctx, id)
	if err != nil {
		return "", err
	}
	if len(st.Channels) == 0 {
		return LivenessDead, nil
	}
	channel, ok := st.Find(s.cfg.UnifiedChannel)
	if !ok {
		return LivenessDead, nil
	}

	checkAt := channel.LastTimestampMs
	if anchor, ok, err := s.anchors.Get(ctx, id); err == nil && ok {
		checkAt = anchor
	}
	if sess, ok := s.registry.Get(id); ok {
		if t, ok := sess.Playhead(); ok {
			checkAt = t
		}
	}

	_, err = s.fetcher.FetchChunk(ctx, ChunkRequest{
		CallID:    id,
		RoutingID: st.RoutingID,
		TimeMs:    checkAt,
		Scale:     channel.Scale,
		Channel:   s.cfg.UnifiedChannel,
		Quality:   s.cfg.UnifiedQuality,
	})
	if err != nil {
		s.log.Debug("status check failed", "call_id", string(id), "error", err)
		return LivenessDying, nil
	}
	return LivenessAlive, nil
}

// ActiveSessionCount returns the number of live sessions. Used for metrics.
func (s *Service) ActiveSessionCount() int {
	return s.registry.ActiveSessionCount()
}

// Shutdown destroys every session.
func (s *Service) Shutdown() {
	for _, sess := range s.registry.Sessions() {
		sess.Destroy(ErrSessionDestroyed)
	}
}

type noopNotifier struct{}

func (noopNotifier) PlayheadChanged(CallID, int64) {}
func (noopNotifier) Destroyed(CallID)              {}
