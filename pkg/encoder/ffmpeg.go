package encoder

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"capture-worker/pkg/frame"
)

const (
	// minFreeBytes is the free-space floor checked before a session opens.
	minFreeBytes = 512 << 20

	// writeQueueDepth bounds how many frames may be in flight to the ffmpeg
	// stdin writer before Compress starts blocking.
	writeQueueDepth = 8

	// backpressureWait bounds how long Compress blocks waiting for the
	// writer to drain. Exceeding it fails the segment.
	backpressureWait = 3 * time.Second

	finalizeWait = 15 * time.Second
)

// FFmpegSession writes raw BGRA frames to an ffmpeg child process which
// encodes them into a single output file. Size and duration are accounted
// for incrementally so FinalizeChunk never re-scans the output.
type FFmpegSession struct {
	mu sync.Mutex

	settings   Settings
	outputPath string

	cmd      *exec.Cmd
	stdin    io.WriteCloser
	writeCh  chan []byte
	writeWg  sync.WaitGroup
	writeMu  sync.Mutex
	writeErr error

	initialized bool
	finalized   bool

	frameCount int
	rawBytes   int64
	firstTs    time.Time
	lastTs     time.Time
}

var _ Session = (*FFmpegSession)(nil)

func NewFFmpegSession() *FFmpegSession {
	return &FFmpegSession{}
}

// Initialize opens a writable encode session for outputPath or fails with a
// classified error.
func (s *FFmpegSession) Initialize(settings Settings, outputPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return ErrAlreadyInitialized
	}

	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return errors.Join(ErrWriterOpen, err)
	}
	free, err := diskFree(dir)
	if err == nil && free < minFreeBytes {
		return fmt.Errorf("%w: %d bytes free on %s", ErrInsufficientDiskSpace, free, dir)
	}

	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return errors.Join(ErrCodecUnavailable, err)
	}

	cmd := exec.Command(ffmpegPath, buildFFmpegArgs(settings, outputPath)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Join(ErrWriterOpen, err)
	}
	if err := cmd.Start(); err != nil {
		return errors.Join(ErrWriterOpen, err)
	}

	s.settings = settings
	s.outputPath = outputPath
	s.cmd = cmd
	s.stdin = stdin
	s.writeCh = make(chan []byte, writeQueueDepth)
	s.initialized = true
	s.finalized = false
	s.frameCount = 0
	s.rawBytes = 0
	s.firstTs = time.Time{}
	s.lastTs = time.Time{}
	s.writeErr = nil

	s.writeWg.Add(1)
	go s.writeLoop(stdin, s.writeCh)

	return nil
}

func (s *FFmpegSession) writeLoop(w io.WriteCloser, ch <-chan []byte) {
	defer s.writeWg.Done()
	for buf := range ch {
		if _, err := w.Write(buf); err != nil {
			s.writeMu.Lock()
			if s.writeErr == nil {
				s.writeErr = err
			}
			s.writeMu.Unlock()
			// keep draining so Compress never blocks on a dead pipe
		}
	}
}

// Compress appends one frame. Timestamps must be non-decreasing. The call
// blocks for at most the backpressure wait when the writer is behind; a
// timeout is a hard error and the segment should be abandoned.
func (s *FFmpegSession) Compress(f *frame.Frame, ts time.Time) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	if s.finalized {
		s.mu.Unlock()
		return ErrAlreadyFinalized
	}
	if s.frameCount > 0 && ts.Before(s.lastTs) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s before %s", ErrTimestampOrder, ts, s.lastTs)
	}
	s.writeMu.Lock()
	writeErr := s.writeErr
	s.writeMu.Unlock()
	if writeErr != nil {
		s.mu.Unlock()
		return fmt.Errorf("encoder: frame write: %w", writeErr)
	}

	ch := s.writeCh
	s.mu.Unlock()

	select {
	case ch <- f.Data:
	case <-time.After(backpressureWait):
		// the frame never reached the writer; it must not be accounted
		return ErrBackpressureTimeout
	}

	s.mu.Lock()
	if s.frameCount == 0 {
		s.firstTs = ts
	}
	s.lastTs = ts
	s.frameCount++
	s.rawBytes += int64(len(f.Data))
	s.mu.Unlock()
	return nil
}

func (s *FFmpegSession) IsReadyForData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized || s.finalized {
		return false
	}
	return len(s.writeCh) < cap(s.writeCh)
}

// FinalizeChunk flushes remaining frames, waits for ffmpeg to exit, and
// returns the chunk descriptor. Must be called at most once per Initialize.
func (s *FFmpegSession) FinalizeChunk() (*CompressedChunk, error) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return nil, ErrNotInitialized
	}
	if s.finalized {
		s.mu.Unlock()
		return nil, ErrAlreadyFinalized
	}
	s.finalized = true
	writeCh := s.writeCh
	stdin := s.stdin
	cmd := s.cmd
	s.mu.Unlock()

	close(writeCh)
	s.writeWg.Wait()
	_ = stdin.Close()

	waitErr := waitWithTimeout(cmd, finalizeWait)

	s.writeMu.Lock()
	writeErr := s.writeErr
	s.writeMu.Unlock()

	if waitErr != nil {
		return nil, fmt.Errorf("encoder: ffmpeg exit: %w", waitErr)
	}
	if writeErr != nil {
		return nil, fmt.Errorf("encoder: frame write: %w", writeErr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.outputPath)
	if err != nil {
		return nil, errors.Join(ErrWriterOpen, err)
	}

	duration := 0.0
	if s.frameCount > 0 && !s.lastTs.Equal(s.firstTs) {
		duration = s.lastTs.Sub(s.firstTs).Seconds()
	}
	if s.frameCount > 0 && s.settings.FrameRate > 0 {
		// account for the display time of the last frame
		duration += 1.0 / float64(s.settings.FrameRate)
	}

	ratio := 0.0
	if info.Size() > 0 {
		ratio = float64(s.rawBytes) / float64(info.Size())
	}

	return &CompressedChunk{
		FilePath:         s.outputPath,
		FileSize:         info.Size(),
		Duration:         duration,
		FrameCount:       s.frameCount,
		CompressionRatio: ratio,
		CreatedAt:        time.Now(),
		Settings:         s.settings,
	}, nil
}

// Reset discards session state for reuse. A still-running ffmpeg child is
// killed; its partial output is left for the caller to remove.
func (s *FFmpegSession) Reset() {
	s.mu.Lock()
	cmd := s.cmd
	writeCh := s.writeCh
	stdin := s.stdin
	finalized := s.finalized
	initialized := s.initialized
	s.cmd = nil
	s.stdin = nil
	s.writeCh = nil
	s.initialized = false
	s.finalized = false
	s.frameCount = 0
	s.rawBytes = 0
	s.firstTs = time.Time{}
	s.lastTs = time.Time{}
	s.mu.Unlock()

	if initialized && !finalized {
		close(writeCh)
		s.writeWg.Wait()
		if stdin != nil {
			_ = stdin.Close()
		}
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
	}
}

func buildFFmpegArgs(settings Settings, outputPath string) []string {
	codec := settings.Codec
	if codec == "" {
		codec = "libx264"
	}
	fps := settings.FrameRate
	if fps <= 0 {
		fps = 10
	}
	bitrate := strconv.Itoa(settings.TargetBitrate)
	keyint := settings.KeyFrameInterval
	if keyint <= 0 {
		keyint = fps * 2
	}

	return []string{
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "bgra",
		"-s", fmt.Sprintf("%dx%d", settings.Width, settings.Height),
		"-r", strconv.Itoa(fps),
		"-i", "-",

		"-c:v", codec,
		"-preset", "veryfast",
		"-b:v", bitrate,
		"-maxrate", bitrate,
		"-bufsize", bitrate,
		"-g", strconv.Itoa(keyint),
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		outputPath,
	}
}

func waitWithTimeout(cmd *exec.Cmd, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		_ = cmd.Process.Kill()
		return fmt.Errorf("timed out after %s: %w", timeout, <-done)
	}
}

func diskFree(path string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}
