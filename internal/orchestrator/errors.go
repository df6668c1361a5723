package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSegmentNotFound is returned for sequences that expired or never existed.
	ErrSegmentNotFound = errors.New("segment not found")

	// ErrSessionDestroyed is the error pending requests see when a session is torn down without a cause.
	ErrSessionDestroyed = errors.New("session destroyed")

	// ErrNoUnifiedChannel is returned when the stream state lacks the configured channel.
	ErrNoUnifiedChannel = errors.New("no unified channel found")

	// ErrLeft is the teardown cause for a leave notification.
	ErrLeft = errors.New("left call")

	// ErrIdle is the teardown cause when consumers stop asking for data.
	ErrIdle = errors.New("consumer inactivity")
)

// APIError is a typed failure reported by the upstream, e.g. TIME_TOO_BIG.
type APIError struct {
	Code int
	Type string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("upstream error %d: %s", e.Code, e.Type)
	}
	return "upstream error: " + e.Type
}

// errorClass says how a session reacts to a failure.
type errorClass int

const (
	classFatal errorClass = iota
	classResync
	classRetry
	classAhead
)

func (c errorClass) String() string {
	switch c {
	case classResync:
		return "resync"
	case classRetry:
		return "retry"
	case classAhead:
		return "ahead"
	}
	return "fatal"
}

func classify(err error) errorClass {
	if errors.Is(err, ErrNoUnifiedChannel) {
		return classRetry
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return classFatal
	}
	switch {
	case apiErr.Type == "TIME_TOO_BIG":
		return classAhead
	case strings.HasPrefix(apiErr.Type, "FLOOD_WAIT_"),
		apiErr.Type == "TIME_TOO_SMALL",
		apiErr.Type == "TIME_INVALID":
		return classResync
	case apiErr.Type == "GROUPCALL_FORBIDDEN",
		apiErr.Type == "VIDEO_CHANNEL_INVALID",
		apiErr.Type == "GROUPCALL_JOIN_MISSING":
		return classRetry
	}
	return classFatal
}
