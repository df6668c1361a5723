package orchestrator

import (
	"context"
	"time"

	"live-relay/internal/remux"
)

// CallID identifies a live call and therefore a session.
type CallID string

// Channel is one media channel advertised by the upstream state call.
type Channel struct {
	Channel         int32 `json:"channel"`
	Scale           int32 `json:"scale"`
	LastTimestampMs int64 `json:"last_timestamp_ms"`
}

// StreamState is the upstream description of a call's stream.
type StreamState struct {
	Channels  []Channel `json:"channels"`
	RoutingID int       `json:"routing_id"`
}

// Find returns the channel with the given id.
func (st StreamState) Find(channel int32) (Channel, bool) {
	for _, c := range st.Channels {
		if c.Channel == channel {
			return c, true
		}
	}
	return Channel{}, false
}

// ChunkRequest addresses one chunk of a call's stream.
type ChunkRequest struct {
	CallID    CallID
	RoutingID int
	TimeMs    int64
	Scale     int32
	Channel   int32
	Quality   int32
}

// Fetcher is the upstream the sessions poll. An empty chunk with a nil error
// means the chunk is not available yet.
type Fetcher interface {
	FetchState(ctx context.Context, id CallID) (StreamState, error)
	FetchChunk(ctx context.Context, req ChunkRequest) ([]byte, error)
}

// Remuxer converts chunks of one generation into fMP4. Parse must be safe
// for concurrent use; the other methods are called under the session lock.
type Remuxer interface {
	Parse(raw []byte) (*remux.Container, error)
	EnsureInit(c *remux.Container) error
	Init() []byte
	Fragment(c *remux.Container, seq uint32, baseTimeMs int64) ([]byte, error)
	Close()
}

// RemuxerFactory returns a fresh Remuxer for every generation.
type RemuxerFactory func() Remuxer

// Notifier receives session broadcasts. Implementations must not block.
type Notifier interface {
	PlayheadChanged(id CallID, timeMs int64)
	Destroyed(id CallID)
}

// Liveness is the result of a status check.
type Liveness string

const (
	LivenessDead  Liveness = "dead"
	LivenessDying Liveness = "dying"
	LivenessAlive Liveness = "alive"
)

// state is the lifecycle state of a session.
type state int

const (
	stateIdle state = iota
	stateStarting
	stateLive
	stateAhead
	stateDestroyed
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateStarting:
		return "starting"
	case stateLive:
		return "live"
	case stateAhead:
		return "ahead"
	case stateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// bufferedChunk is one committed fragment of the current generation.
type bufferedChunk struct {
	time     int64
	seq      uint32
	fragment []byte
}

// Segment is a playlist entry.
type Segment struct {
	Sequence uint32
	Duration float64
	Path     string
}

// scaleToTime returns the chunk duration in milliseconds for an upstream scale.
func scaleToTime(scale int32) int64 {
	if scale < 0 {
		return 1000 << uint(-scale)
	}
	return 1000 >> uint(scale)
}

// Config holds session tuning. Zero values are replaced by defaults, except
// StateRetryDelay: zero retries the state fetch immediately and only a
// negative delay selects DefaultStateRetryDelay.
type Config struct {
	MinBufferMs        int64
	RTTWindow          int
	StateRetryAttempts int
	StateRetryDelay    time.Duration
	MaxFetchRetries    int
	PushIdleTimeout    time.Duration
	PullIdleTimeout    time.Duration
	UnifiedChannel     int32
	UnifiedQuality     int32
	SinkBuffer         int
}

const (
	DefaultMinBufferMs        = 5000
	DefaultRTTWindow          = 10
	DefaultStateRetryAttempts = 3
	DefaultStateRetryDelay    = time.Second
	DefaultMaxFetchRetries    = 3
	DefaultPushIdleTimeout    = 5 * time.Second
	DefaultPullIdleTimeout    = 30 * time.Second
	DefaultUnifiedChannel     = 1
	DefaultUnifiedQuality     = 2
	DefaultSinkBuffer         = 64
)

func (c Config) withDefaults() Config {
	if c.MinBufferMs <= 0 {
		c.MinBufferMs = DefaultMinBufferMs
	}
	if c.RTTWindow <= 0 {
		c.RTTWindow = DefaultRTTWindow
	}
	if c.StateRetryAttempts <= 0 {
		c.StateRetryAttempts = DefaultStateRetryAttempts
	}
	if c.StateRetryDelay < 0 {
		c.StateRetryDelay = DefaultStateRetryDelay
	}
	if c.MaxFetchRetries <= 0 {
		c.MaxFetchRetries = DefaultMaxFetchRetries
	}
	if c.PushIdleTimeout <= 0 {
		c.PushIdleTimeout = DefaultPushIdleTimeout
	}
	if c.PullIdleTimeout <= 0 {
		c.PullIdleTimeout = DefaultPullIdleTimeout
	}
	if c.UnifiedChannel == 0 {
		c.UnifiedChannel = DefaultUnifiedChannel
	}
	if c.UnifiedQuality == 0 {
		c.UnifiedQuality = DefaultUnifiedQuality
	}
	if c.SinkBuffer <= 0 {
		c.SinkBuffer = DefaultSinkBuffer
	}
	return c
}
