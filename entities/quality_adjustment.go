package entities

import "time"

// QualityAdjustment is an append-only audit record of one bitrate controller
// decision. It references no other entity.
type QualityAdjustment struct {
	Timestamp     time.Time `json:"timestamp"`
	OldMultiplier float64   `json:"old_multiplier"`
	NewMultiplier float64   `json:"new_multiplier"`
	Deviation     float64   `json:"deviation"`
	AvgChunkSize  int64     `json:"avg_chunk_size"`
	TargetSize    int64     `json:"target_size"`
	Reason        string    `json:"reason"`
}
