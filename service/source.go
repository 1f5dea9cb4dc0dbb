package service

import (
	"context"
	"errors"

	"capture-worker/pkg/frame"
)

// Acquisition errors are classified so the state machine knows whether to
// retry. Anything not wrapped in one of these sentinels is treated as fatal.
var (
	// ErrUserStopped marks a user-initiated abort of source acquisition.
	// Never retried; the recording intent is cleared.
	ErrUserStopped = errors.New("capture cancelled by user")
	// ErrSourceUnavailable marks a transient source failure (no display,
	// momentary connection loss). Retried with backoff up to the configured
	// attempt cap.
	ErrSourceUnavailable = errors.New("capture source unavailable")
)

type SystemEventKind int

const (
	EventSleep SystemEventKind = iota
	EventWake
	EventScreenLock
	EventScreenUnlock
	EventScreensaverStart
	EventDisplayChanged
)

// SystemEvent carries OS-level signals the capture loop reacts to. Display
// geometry fields are only meaningful for EventDisplayChanged.
type SystemEvent struct {
	Kind         SystemEventKind
	DisplayCount int
	Width        int
	Height       int
	Primary      string
}

// CaptureStream is one live, acquired capture source. Frames closes when
// the stream dies. Primary identifies the display the stream was opened
// against; a change of primary invalidates the stream even when the pixel
// geometry is unchanged.
type CaptureStream interface {
	Frames() <-chan *frame.Frame
	DisplayCount() int
	Width() int
	Height() int
	Primary() string
	Stop()
}

// FrameSource acquires capture streams and delivers system events. The OS
// specifics of enumerating displays and opening a stream live behind this
// interface, outside the pipeline.
type FrameSource interface {
	Acquire(ctx context.Context) (CaptureStream, error)
	Events() <-chan SystemEvent
}

// NullSource is the placeholder wired when no platform frame source has
// been registered. Acquire always fails transiently and no events arrive,
// so the pipeline idles until an embedder provides a real source.
func NullSource() FrameSource {
	return nullSource{events: make(chan SystemEvent)}
}

type nullSource struct {
	events chan SystemEvent
}

func (nullSource) Acquire(ctx context.Context) (CaptureStream, error) {
	return nil, ErrSourceUnavailable
}

func (s nullSource) Events() <-chan SystemEvent {
	return s.events
}

type startErrorClass int

const (
	startErrorTransient startErrorClass = iota
	startErrorUserInitiated
	startErrorFatal
)

func classifyStartError(err error) startErrorClass {
	switch {
	case errors.Is(err, ErrUserStopped):
		return startErrorUserInitiated
	case errors.Is(err, ErrSourceUnavailable):
		return startErrorTransient
	default:
		return startErrorFatal
	}
}
