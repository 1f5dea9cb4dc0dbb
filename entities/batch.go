package entities

import (
	"time"

	"github.com/google/uuid"

	"capture-worker/constant"
)

type AnalysisBatch struct {
	ID        int64                `json:"id" gorm:"primaryKey;autoIncrement"`
	BatchUid  uuid.UUID            `json:"batch_uid" gorm:"type:uuid;not null;uniqueIndex:idx_batches_uid"`
	StartTs   int64                `json:"start_ts" gorm:"not null;index:idx_batches_start_ts"`
	EndTs     int64                `json:"end_ts" gorm:"not null"`
	Status    constant.BatchStatus `json:"status" gorm:"type:varchar(20);not null;index:idx_batches_status"`
	Reason    *string              `json:"reason" gorm:"type:text"`
	Deleted   bool                 `json:"deleted" gorm:"not null;default:false"`
	CreatedAt time.Time            `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time            `json:"updated_at" gorm:"not null"`
}

func (AnalysisBatch) TableName() string {
	return "analysis_batches"
}

// BatchChunk joins a batch to its member chunks. Chunk rows referenced here
// must not be hard-deleted while the batch row still exists (restrict, not
// cascade).
type BatchChunk struct {
	BatchID int64 `json:"batch_id" gorm:"primaryKey;autoIncrement:false"`
	ChunkID int64 `json:"chunk_id" gorm:"primaryKey;autoIncrement:false;index:idx_batch_chunks_chunk"`
}

func (BatchChunk) TableName() string {
	return "batch_chunks"
}
