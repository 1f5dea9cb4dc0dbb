package entities

import (
	"time"

	"capture-worker/constant"
)

type RecordingChunk struct {
	ID        int64                `json:"id" gorm:"primaryKey;autoIncrement"`
	StartTs   int64                `json:"start_ts" gorm:"not null;index:idx_chunks_start_ts"`
	EndTs     int64                `json:"end_ts" gorm:"not null"`
	FilePath  string               `json:"file_path" gorm:"type:varchar(500);not null"`
	FileSize  int64                `json:"file_size" gorm:"not null;default:0"`
	Status    constant.ChunkStatus `json:"status" gorm:"type:varchar(20);not null;index:idx_chunks_status"`
	Deleted   bool                 `json:"deleted" gorm:"not null;default:false;index:idx_chunks_deleted"`
	DeletedAt *time.Time           `json:"deleted_at"`
	CreatedAt time.Time            `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time            `json:"updated_at" gorm:"not null"`
}

func (RecordingChunk) TableName() string {
	return "chunks"
}
