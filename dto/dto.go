package dto

import (
	"time"

	"github.com/google/uuid"
)

// BatchEventMessage is published on the capture exchange when a batch is
// created or changes status.
type BatchEventMessage struct {
	BatchId  int64     `json:"batchId"`
	BatchUid uuid.UUID `json:"batchUid"`
	Status   string    `json:"status"`
	StartTs  int64     `json:"startTs"`
	EndTs    int64     `json:"endTs"`
}

// ReprocessMessage asks the recorder to soft-delete derived data so a day or
// batch can be analyzed again.
type ReprocessMessage struct {
	BatchId *int64 `json:"batchId,omitempty"`
	StartTs *int64 `json:"startTs,omitempty"`
	EndTs   *int64 `json:"endTs,omitempty"`
}

type CreateBatchRequest struct {
	StartTs  int64   `json:"start_ts" binding:"required"`
	EndTs    int64   `json:"end_ts" binding:"required"`
	ChunkIds []int64 `json:"chunk_ids" binding:"required,min=1"`
}

type UpdateBatchStatusRequest struct {
	Status string  `json:"status" binding:"required"`
	Reason *string `json:"reason"`
}

type AppendLLMCallRequest struct {
	Request  []byte `json:"request"`
	Response []byte `json:"response"`
}

type SoftDeleteRequest struct {
	BatchId *int64 `json:"batch_id"`
	StartTs *int64 `json:"start_ts"`
	EndTs   *int64 `json:"end_ts"`
}

// TimelineCard summarizes one capture day on the timeline. Days roll over at
// the 4 AM boundary, not midnight.
type TimelineCard struct {
	Day            time.Time `json:"day"`
	ChunkCount     int       `json:"chunk_count"`
	TotalBytes     int64     `json:"total_bytes"`
	CoveredSeconds int64     `json:"covered_seconds"`
}

type DiagnosticsResponse struct {
	State             string  `json:"state"`
	PoolSize          int     `json:"pool_size"`
	PoolMemoryBytes   int64   `json:"pool_memory_bytes"`
	BitrateMultiplier float64 `json:"bitrate_multiplier"`
	StabilityScore    float64 `json:"stability_score"`
	DatabaseBytes     int64   `json:"database_bytes"`
	RecordingBytes    int64   `json:"recording_bytes"`
	Durable           bool    `json:"durable"`
}
