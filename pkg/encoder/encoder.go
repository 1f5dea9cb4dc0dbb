// Package encoder implements the per-segment chunk encoder. One session
// accepts frames in timestamp order, feeds them to an ffmpeg child process,
// and finalizes the output into a CompressedChunk descriptor.
package encoder

import (
	"errors"
	"time"

	"capture-worker/pkg/frame"
)

var (
	// ErrNotInitialized is returned when Compress or FinalizeChunk is called
	// without an open session.
	ErrNotInitialized = errors.New("encoder: session not initialized")
	// ErrAlreadyInitialized is returned by Initialize on a session that is
	// already open. Reset or finalize the session first.
	ErrAlreadyInitialized = errors.New("encoder: session already initialized")
	// ErrAlreadyFinalized is returned on a second FinalizeChunk or a
	// Compress after finalize. Callers must treat it as a programming error.
	ErrAlreadyFinalized = errors.New("encoder: session already finalized")
	// ErrTimestampOrder is returned when a frame arrives with a timestamp
	// earlier than the previous one.
	ErrTimestampOrder = errors.New("encoder: non-monotonic frame timestamp")
	// ErrBackpressureTimeout is returned when the encoder does not become
	// ready within the configured wait. The segment must be abandoned.
	ErrBackpressureTimeout = errors.New("encoder: backpressure timeout")
	// ErrInsufficientDiskSpace is returned by Initialize when the output
	// volume is below the free-space floor.
	ErrInsufficientDiskSpace = errors.New("encoder: insufficient disk space")
	// ErrCodecUnavailable is returned by Initialize when no usable encoder
	// binary is found.
	ErrCodecUnavailable = errors.New("encoder: codec unavailable")
	// ErrWriterOpen is returned by Initialize when the output writer cannot
	// be opened.
	ErrWriterOpen = errors.New("encoder: failed to open writer")
)

type Settings struct {
	Codec            string `json:"codec"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	FrameRate        int    `json:"frame_rate"`
	TargetBitrate    int    `json:"target_bitrate"` // bits per second
	KeyFrameInterval int    `json:"key_frame_interval"`
}

// CompressedChunk describes one finalized segment. Immutable once returned.
type CompressedChunk struct {
	FilePath         string    `json:"file_path"`
	FileSize         int64     `json:"file_size"`
	Duration         float64   `json:"duration"` // seconds
	FrameCount       int       `json:"frame_count"`
	CompressionRatio float64   `json:"compression_ratio"`
	CreatedAt        time.Time `json:"created_at"`
	Settings         Settings  `json:"settings"`
}

// Session is one encoder lifecycle: Initialize, zero or more Compress calls
// with non-decreasing timestamps, then FinalizeChunk at most once. Reset
// discards any session state so the instance can be reused.
type Session interface {
	Initialize(settings Settings, outputPath string) error
	Compress(f *frame.Frame, ts time.Time) error
	FinalizeChunk() (*CompressedChunk, error)
	IsReadyForData() bool
	Reset()
}
