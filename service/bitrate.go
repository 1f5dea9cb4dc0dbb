package service

import (
	"fmt"
	"math"
	"sync"
	"time"

	"capture-worker/config"
	"capture-worker/entities"
	"capture-worker/pkg/encoder"
)

const (
	// oversized chunks are corrected twice as hard as undersized ones to
	// bias toward staying under the daily budget
	overCorrectionRate  = 0.10
	underCorrectionRate = 0.05

	recentDeviationLimit = 20
)

// BitrateController closes the loop between completed chunk sizes and the
// encoder's target bitrate. It keeps a sliding window of recent chunk sizes,
// compares the window average against the budget-derived target, and nudges
// a clamped bitrate multiplier. Every committed change is recorded in a
// bounded QualityAdjustment history.
type BitrateController struct {
	mu sync.Mutex

	cfg        config.Bitrate
	multiplier float64
	window     []int64
	history    []entities.QualityAdjustment
	deviations []float64
}

func NewBitrateController(cfg config.Bitrate) *BitrateController {
	if cfg.WindowSize < 1 {
		cfg.WindowSize = 4
	}
	if cfg.HistoryLimit < 1 {
		cfg.HistoryLimit = 50
	}
	return &BitrateController{
		cfg:        cfg,
		multiplier: 1.0,
	}
}

// RecordChunk ingests one completed chunk and reports whether the multiplier
// changed. The chunk's duration prorates the daily budget into the target
// size for segments of that length.
func (c *BitrateController) RecordChunk(chunk *encoder.CompressedChunk) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.window = append(c.window, chunk.FileSize)
	if len(c.window) > c.cfg.WindowSize {
		c.window = c.window[len(c.window)-c.cfg.WindowSize:]
	}

	targetSize := c.targetSize(chunk.Duration)
	if targetSize <= 0 {
		return false
	}

	var sum int64
	for _, size := range c.window {
		sum += size
	}
	avg := sum / int64(len(c.window))
	deviation := (float64(avg) - float64(targetSize)) / float64(targetSize)

	c.deviations = append(c.deviations, deviation)
	if len(c.deviations) > recentDeviationLimit {
		c.deviations = c.deviations[len(c.deviations)-recentDeviationLimit:]
	}

	if math.Abs(deviation) <= c.cfg.Tolerance {
		return false
	}

	rate := underCorrectionRate
	if deviation > 0 {
		rate = overCorrectionRate
	}
	step := deviation * rate * c.cfg.Smoothing

	next := clamp(c.multiplier*(1-step), c.cfg.MinMultiplier, c.cfg.MaxMultiplier)
	relChange := math.Abs(next-c.multiplier) / c.multiplier
	if relChange < c.cfg.MinChange {
		return false
	}

	adj := entities.QualityAdjustment{
		Timestamp:     time.Now(),
		OldMultiplier: c.multiplier,
		NewMultiplier: next,
		Deviation:     deviation,
		AvgChunkSize:  avg,
		TargetSize:    targetSize,
		Reason:        adjustmentReason(deviation, avg, targetSize),
	}
	c.history = append(c.history, adj)
	if len(c.history) > c.cfg.HistoryLimit {
		c.history = c.history[len(c.history)-c.cfg.HistoryLimit:]
	}

	c.multiplier = next
	return true
}

// ApplyTo returns settings with the target bitrate scaled by the current
// multiplier.
func (c *BitrateController) ApplyTo(settings encoder.Settings) encoder.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	settings.TargetBitrate = int(float64(c.cfg.BaseBitrate) * c.multiplier)
	return settings
}

func (c *BitrateController) Multiplier() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.multiplier
}

// History returns a copy of the adjustment audit trail, newest last.
func (c *BitrateController) History() []entities.QualityAdjustment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]entities.QualityAdjustment, len(c.history))
	copy(out, c.history)
	return out
}

// StabilityScore is the fraction of recent evaluations whose deviation fell
// within tolerance. 1.0 when no chunks have been observed yet.
func (c *BitrateController) StabilityScore() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.deviations) == 0 {
		return 1.0
	}
	within := 0
	for _, d := range c.deviations {
		if math.Abs(d) <= c.cfg.Tolerance {
			within++
		}
	}
	return float64(within) / float64(len(c.deviations))
}

// Reset returns the multiplier to 1.0 and clears the window. The adjustment
// history is preserved for analytics.
func (c *BitrateController) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.multiplier = 1.0
	c.window = c.window[:0]
	c.deviations = c.deviations[:0]
}

func (c *BitrateController) targetSize(chunkDuration float64) int64 {
	if chunkDuration <= 0 {
		return 0
	}
	return int64(float64(c.cfg.DailyBudgetBytes) * chunkDuration / (24 * time.Hour).Seconds())
}

func adjustmentReason(deviation float64, avg, target int64) string {
	direction := "under"
	if deviation > 0 {
		direction = "over"
	}
	return fmt.Sprintf("avg chunk %d bytes is %.1f%% %s target %d bytes", avg, math.Abs(deviation)*100, direction, target)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
