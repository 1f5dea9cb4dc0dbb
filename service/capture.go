package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"capture-worker/config"
	"capture-worker/constant"
	"capture-worker/pkg/encoder"
	"capture-worker/pkg/frame"
	"capture-worker/pkg/framepool"
	"capture-worker/repository"
)

// CaptureService owns the capture lifecycle. All state lives on a single
// actor goroutine (Run); Start/Stop and timer callbacks enqueue work onto it
// instead of mutating state directly, so every transition is race-free.
type CaptureService interface {
	Run(ctx context.Context)
	Start()
	Stop()
	State() constant.CaptureState
	Pool() *framepool.Pool
	Controller() *BitrateController
}

type segmentState struct {
	chunkId    int64
	startTs    int64
	outputPath string
	frames     int
	generation uint64
}

type captureService struct {
	cfg        *config.Config
	store      repository.ChunkStore
	source     FrameSource
	session    encoder.Session
	controller *BitrateController
	pool       *framepool.Pool

	commands chan func()
	done     chan struct{}
	runCtx   context.Context

	// actor-owned state below; only touched from the Run goroutine except
	// state itself, which is mirrored behind stateMu for readers
	stateMu sync.RWMutex
	state   constant.CaptureState

	wantsRecording bool
	attempt        int
	generation     uint64

	stream  CaptureStream
	segment *segmentState

	segmentTimer  *time.Timer
	debounceTimer *time.Timer

	diskWarned bool
}

func NewCaptureService(
	cfg *config.Config,
	store repository.ChunkStore,
	source FrameSource,
	session encoder.Session,
	controller *BitrateController,
) CaptureService {
	pool := framepool.NewPool(cfg.Pool.Capacity, func(f *frame.Frame) {
		f.Data = nil // drop the backing buffer; the pool was its last owner
	})
	return &captureService{
		cfg:        cfg,
		store:      store,
		source:     source,
		session:    session,
		controller: controller,
		pool:       pool,
		commands:   make(chan func(), 64),
		done:       make(chan struct{}),
		runCtx:     context.Background(),
		state:      constant.CaptureStateIdle,
	}
}

func (s *captureService) State() constant.CaptureState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *captureService) Pool() *framepool.Pool {
	return s.pool
}

func (s *captureService) Controller() *BitrateController {
	return s.controller
}

func (s *captureService) setState(state constant.CaptureState) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// enqueue posts fn to the actor goroutine. Once Run has returned the post
// is dropped and enqueue reports false; callers owning a resource must
// clean it up themselves on that path.
func (s *captureService) enqueue(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.commands <- fn:
		return true
	case <-s.done:
		return false
	}
}

// Start requests capture. Legal from idle and paused only; anything else is
// a no-op.
func (s *captureService) Start() {
	s.enqueue(func() {
		if !s.State().CanStart() {
			return
		}
		s.wantsRecording = true
		s.attempt = 0
		s.beginStart(s.runCtx)
	})
}

// Stop clears the recording intent and winds down the current segment. A
// stop from idle is a no-op.
func (s *captureService) Stop() {
	s.enqueue(func() {
		if !s.State().CanStop() {
			return
		}
		s.wantsRecording = false
		s.stopCapture(s.runCtx, constant.CaptureStateIdle)
	})
}

// Run is the actor loop. It exits when ctx is cancelled, after letting any
// in-flight segment finalize complete.
func (s *captureService) Run(ctx context.Context) {
	logger := zerolog.Ctx(ctx)
	logger.Info().Msg("capture loop started")

	// detached context for shutdown work: store writes during the final
	// flush must not be cancelled with the loop
	s.runCtx = logger.WithContext(context.Background())

	events := s.source.Events()
	for {
		var frames <-chan *frame.Frame
		if s.stream != nil {
			frames = s.stream.Frames()
		}

		select {
		case <-ctx.Done():
			if s.State().CanStop() {
				s.wantsRecording = false
				s.stopCapture(s.runCtx, constant.CaptureStateIdle)
			}
			s.pool.ReleaseAll()
			close(s.done)
			logger.Info().Msg("capture loop stopped")
			return

		case cmd := <-s.commands:
			cmd()

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handleSystemEvent(s.runCtx, ev)

		case f, ok := <-frames:
			if !ok {
				s.handleStreamLoss(s.runCtx)
				continue
			}
			s.handleFrame(s.runCtx, f)
		}
	}
}

// beginStart enters the starting state and acquires a capture stream off
// the actor goroutine, posting the result back as a command.
func (s *captureService) beginStart(ctx context.Context) {
	s.setState(constant.CaptureStateStarting)
	s.attempt++
	attempt := s.attempt
	gen := s.generation

	go func() {
		stream, err := s.source.Acquire(ctx)
		posted := s.enqueue(func() {
			if gen != s.generation || !s.wantsRecording {
				if stream != nil {
					stream.Stop()
				}
				if s.State() == constant.CaptureStateStarting {
					s.setState(constant.CaptureStateIdle)
				}
				return
			}
			if err != nil {
				s.handleStartError(ctx, err, attempt)
				return
			}
			s.stream = stream
			s.attempt = 0
			s.setState(constant.CaptureStateRecording)
			s.startSegment(ctx)
		})
		if !posted && stream != nil {
			// the loop shut down while the acquire was in flight
			stream.Stop()
		}
	}()
}

func (s *captureService) handleStartError(ctx context.Context, err error, attempt int) {
	logger := zerolog.Ctx(ctx)
	switch classifyStartError(err) {
	case startErrorUserInitiated:
		logger.Info().Msg("capture start cancelled by user")
		s.wantsRecording = false
		s.setState(constant.CaptureStateIdle)

	case startErrorTransient:
		if attempt >= s.cfg.Capture.MaxStartAttempts {
			logger.Error().Err(err).Int("attempts", attempt).Msg("giving up on capture start")
			s.wantsRecording = false
			s.setState(constant.CaptureStateIdle)
			return
		}
		delay := time.Duration(attempt) * time.Second
		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("capture start failed, retrying")
		gen := s.generation
		time.AfterFunc(delay, func() {
			s.enqueue(func() {
				if gen != s.generation || !s.wantsRecording {
					return
				}
				s.beginStart(ctx)
			})
		})

	default:
		logger.Error().Err(err).Msg("fatal capture start error")
		s.wantsRecording = false
		s.setState(constant.CaptureStateIdle)
	}
}

func (s *captureService) startSegment(ctx context.Context) {
	logger := zerolog.Ctx(ctx)

	now := time.Now()
	outputPath := filepath.Join(
		s.cfg.Capture.RecordingsRoot,
		now.Format("2006-01-02"),
		fmt.Sprintf("%s.mp4", now.Format("150405")),
	)

	settings := s.controller.ApplyTo(encoder.Settings{
		Codec:            "libx264",
		Width:            s.stream.Width(),
		Height:           s.stream.Height(),
		FrameRate:        s.cfg.Capture.FrameRate,
		KeyFrameInterval: s.cfg.Capture.FrameRate * 2,
	})

	if err := s.session.Initialize(settings, outputPath); err != nil {
		if errors.Is(err, encoder.ErrInsufficientDiskSpace) {
			if !s.diskWarned {
				s.diskWarned = true
				logger.Error().Err(err).Msg("recording stopped: insufficient disk space")
			}
		} else {
			logger.Error().Err(err).Msg("failed to initialize encoder")
		}
		// abandoned before any record exists; clear intent per the
		// resource-exhaustion policy
		s.wantsRecording = false
		s.teardownStream()
		s.setState(constant.CaptureStateIdle)
		return
	}

	chunk, err := s.store.RegisterChunk(ctx, now.Unix(), outputPath)
	if err != nil {
		logger.Error().Err(err).Msg("failed to register chunk")
		s.session.Reset()
		s.wantsRecording = false
		s.teardownStream()
		s.setState(constant.CaptureStateIdle)
		return
	}

	s.generation++
	s.segment = &segmentState{
		chunkId:    chunk.ID,
		startTs:    chunk.StartTs,
		outputPath: outputPath,
		generation: s.generation,
	}

	gen := s.generation
	s.segmentTimer = time.AfterFunc(s.cfg.Capture.ChunkDuration, func() {
		s.enqueue(func() {
			if s.segment == nil || s.segment.generation != gen {
				return
			}
			s.finishSegment(ctx, true, constant.CaptureStateIdle)
		})
	})

	logger.Debug().Int64("chunk_id", chunk.ID).Str("file", outputPath).Msg("segment started")
}

func (s *captureService) handleFrame(ctx context.Context, f *frame.Frame) {
	if s.State() != constant.CaptureStateRecording || s.segment == nil {
		return
	}

	s.pool.AddBuffer(f)

	err := s.session.Compress(f, f.Timestamp)
	if err != nil {
		logger := zerolog.Ctx(ctx)
		if errors.Is(err, encoder.ErrBackpressureTimeout) {
			logger.Error().Err(err).Msg("encoder backpressure timeout, abandoning segment")
			s.wantsRecording = false
			s.abandonSegment(ctx)
			s.teardownStream()
			s.setState(constant.CaptureStateIdle)
			return
		}
		logger.Warn().Err(err).Msg("frame compress failed")
		return
	}
	s.segment.frames++
}

// finishSegment flushes the encoder and persists the chunk. A segment with
// zero frames is never persisted as completed; its row is failed and the
// file removed. With restart set and intent intact, a new segment begins
// immediately; otherwise the machine lands on next.
func (s *captureService) finishSegment(ctx context.Context, restart bool, next constant.CaptureState) {
	if s.segment == nil {
		return
	}
	logger := zerolog.Ctx(ctx)

	s.setState(constant.CaptureStateFinishing)
	if s.segmentTimer != nil {
		s.segmentTimer.Stop()
		s.segmentTimer = nil
	}

	seg := s.segment
	s.segment = nil

	if seg.frames == 0 {
		s.session.Reset()
		if err := s.store.MarkChunkFailed(ctx, seg.chunkId); err != nil {
			logger.Error().Err(err).Int64("chunk_id", seg.chunkId).Msg("failed to fail empty chunk")
		}
		logger.Debug().Int64("chunk_id", seg.chunkId).Msg("discarded empty segment")
	} else {
		compressed, err := s.session.FinalizeChunk()
		if err != nil {
			logger.Error().Err(err).Int64("chunk_id", seg.chunkId).Msg("finalize failed")
			s.session.Reset()
			if markErr := s.store.MarkChunkFailed(ctx, seg.chunkId); markErr != nil {
				logger.Error().Err(markErr).Int64("chunk_id", seg.chunkId).Msg("failed to mark chunk failed")
			}
		} else {
			endTs := seg.startTs + int64(math.Round(compressed.Duration))
			if compressed.Duration <= 0 {
				endTs = time.Now().Unix()
			}
			if err := s.store.MarkChunkCompleted(ctx, seg.chunkId, endTs, compressed.FileSize); err != nil {
				logger.Error().Err(err).Int64("chunk_id", seg.chunkId).Msg("failed to mark chunk completed")
			} else {
				logger.Info().
					Int64("chunk_id", seg.chunkId).
					Int("frames", compressed.FrameCount).
					Int64("bytes", compressed.FileSize).
					Float64("seconds", compressed.Duration).
					Msg("chunk completed")
			}
			if s.controller.RecordChunk(compressed) {
				logger.Info().Float64("multiplier", s.controller.Multiplier()).Msg("bitrate multiplier adjusted")
			}
		}
		s.session.Reset()
	}

	if restart && s.wantsRecording && s.stream != nil {
		s.setState(constant.CaptureStateRecording)
		s.startSegment(ctx)
		return
	}

	s.teardownStream()
	s.setState(next)
}

// abandonSegment fails the current chunk without finalizing the encoder.
func (s *captureService) abandonSegment(ctx context.Context) {
	if s.segment == nil {
		return
	}
	seg := s.segment
	s.segment = nil
	if s.segmentTimer != nil {
		s.segmentTimer.Stop()
		s.segmentTimer = nil
	}
	s.session.Reset()
	if err := s.store.MarkChunkFailed(ctx, seg.chunkId); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Int64("chunk_id", seg.chunkId).Msg("failed to mark abandoned chunk")
	}
}

// stopCapture winds down whatever is in flight and lands on next. An
// in-flight finalize completes before the state is reported.
func (s *captureService) stopCapture(ctx context.Context, next constant.CaptureState) {
	s.generation++ // invalidate pending retries and stale timers
	if s.segment != nil {
		s.finishSegment(ctx, false, next)
		return
	}
	s.teardownStream()
	s.setState(next)
}

func (s *captureService) teardownStream() {
	if s.stream != nil {
		s.stream.Stop()
		s.stream = nil
	}
	s.pool.ReleaseAll()
}

func (s *captureService) handleStreamLoss(ctx context.Context) {
	logger := zerolog.Ctx(ctx)
	logger.Warn().Msg("capture stream closed unexpectedly")

	if s.segment != nil {
		s.finishSegment(ctx, false, constant.CaptureStateIdle)
	} else {
		s.teardownStream()
		s.setState(constant.CaptureStateIdle)
	}
	if s.wantsRecording {
		s.attempt = 0
		s.beginStart(ctx)
	}
}

// handleSystemEvent reacts to sleep/lock/wake/unlock and display changes.
// Sleep-class events pause only when recording was active, so the matching
// wake can auto-resume; the idle transition a normal stop would take is
// suppressed.
func (s *captureService) handleSystemEvent(ctx context.Context, ev SystemEvent) {
	logger := zerolog.Ctx(ctx)

	switch ev.Kind {
	case EventSleep, EventScreenLock, EventScreensaverStart:
		if s.State() != constant.CaptureStateRecording && s.State() != constant.CaptureStateStarting {
			return
		}
		logger.Info().Msg("system pause event, pausing capture")
		s.stopCapture(ctx, constant.CaptureStatePaused)

	case EventWake, EventScreenUnlock:
		if s.State() != constant.CaptureStatePaused || !s.wantsRecording {
			return
		}
		logger.Info().Dur("settle", s.cfg.Capture.ResumeDelay).Msg("system resume event, resuming capture")
		gen := s.generation
		time.AfterFunc(s.cfg.Capture.ResumeDelay, func() {
			s.enqueue(func() {
				if gen != s.generation || !s.wantsRecording || s.State() != constant.CaptureStatePaused {
					return
				}
				s.attempt = 0
				s.beginStart(ctx)
			})
		})

	case EventDisplayChanged:
		if s.State() != constant.CaptureStateRecording || s.stream == nil {
			return
		}
		if !s.geometryChanged(ev) {
			return
		}
		logger.Info().
			Int("displays", ev.DisplayCount).
			Int("width", ev.Width).
			Int("height", ev.Height).
			Msg("display configuration changed, restarting segment")
		if s.debounceTimer != nil {
			s.debounceTimer.Stop()
		}
		gen := s.generation
		s.debounceTimer = time.AfterFunc(s.cfg.Capture.DisplayDebounce, func() {
			s.enqueue(func() {
				if gen != s.generation || s.State() != constant.CaptureStateRecording {
					return
				}
				s.stopCapture(ctx, constant.CaptureStateIdle)
				if s.wantsRecording {
					s.attempt = 0
					s.beginStart(ctx)
				}
			})
		})
	}
}

func (s *captureService) geometryChanged(ev SystemEvent) bool {
	if ev.Primary != "" && ev.Primary != s.stream.Primary() {
		return true
	}
	return ev.DisplayCount != s.stream.DisplayCount() ||
		ev.Width != s.stream.Width() ||
		ev.Height != s.stream.Height()
}
