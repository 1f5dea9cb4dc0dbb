package repository

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"capture-worker/constant"
	"capture-worker/entities"
)

// RegisterChunk inserts a chunk row in RECORDING state. Registration always
// precedes the completed/failed mark for the same chunk.
func (s *store) RegisterChunk(ctx context.Context, startTs int64, filePath string) (*entities.RecordingChunk, error) {
	chunk := &entities.RecordingChunk{
		StartTs:  startTs,
		EndTs:    startTs,
		FilePath: filePath,
		Status:   constant.ChunkStatusRecording,
	}
	err := s.do(ctx, func(db *gorm.DB) error {
		return db.Create(chunk).Error
	})
	if err != nil {
		return nil, err
	}
	return chunk, nil
}

func (s *store) MarkChunkCompleted(ctx context.Context, id int64, endTs int64, fileSize int64) error {
	return s.do(ctx, func(db *gorm.DB) error {
		res := db.Model(&entities.RecordingChunk{}).
			Where("id = ? AND status = ?", id, constant.ChunkStatusRecording).
			Updates(map[string]interface{}{
				"status":    constant.ChunkStatusCompleted,
				"end_ts":    endTs,
				"file_size": fileSize,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("repository: chunk %d not in recording state", id)
		}
		return nil
	})
}

// MarkChunkFailed removes the chunk row and best-effort removes the on-disk
// artifact. A failed chunk leaves no trace besides the log line.
func (s *store) MarkChunkFailed(ctx context.Context, id int64) error {
	return s.do(ctx, func(db *gorm.DB) error {
		chunk := &entities.RecordingChunk{}
		if err := db.First(chunk, "id = ?", id).Error; err != nil {
			return err
		}
		if err := db.Delete(&entities.RecordingChunk{}, "id = ?", id).Error; err != nil {
			return err
		}
		if chunk.FilePath != "" {
			if err := os.Remove(chunk.FilePath); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("file", chunk.FilePath).Msg("failed to remove artifact of failed chunk")
			}
		}
		return nil
	})
}

func (s *store) GetChunkById(ctx context.Context, id int64) (*entities.RecordingChunk, error) {
	chunk := &entities.RecordingChunk{}
	err := s.do(ctx, func(db *gorm.DB) error {
		return db.First(chunk, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return chunk, nil
}

func (s *store) GetChunksByTimeRange(ctx context.Context, startTs, endTs int64) ([]*entities.RecordingChunk, error) {
	var chunks []*entities.RecordingChunk
	err := s.do(ctx, func(db *gorm.DB) error {
		return db.Where("start_ts < ? AND end_ts >= ? AND deleted = ?", endTs, startTs, false).
			Order("start_ts ASC").
			Find(&chunks).Error
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

// FetchUnprocessedChunks returns completed, not soft-deleted chunks that are
// not yet assigned to any batch.
func (s *store) FetchUnprocessedChunks(ctx context.Context) ([]*entities.RecordingChunk, error) {
	var chunks []*entities.RecordingChunk
	err := s.do(ctx, func(db *gorm.DB) error {
		return db.Where("status = ? AND deleted = ?", constant.ChunkStatusCompleted, false).
			Where("id NOT IN (SELECT chunk_id FROM batch_chunks)").
			Order("start_ts ASC").
			Find(&chunks).Error
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

func (s *store) SoftDeleteChunksByRange(ctx context.Context, startTs, endTs int64) (int64, error) {
	var affected int64
	err := s.do(ctx, func(db *gorm.DB) error {
		now := time.Now()
		res := db.Model(&entities.RecordingChunk{}).
			Where("start_ts >= ? AND start_ts < ? AND deleted = ?", startTs, endTs, false).
			Updates(map[string]interface{}{"deleted": true, "deleted_at": now})
		affected = res.RowsAffected
		return res.Error
	})
	return affected, err
}

func (s *store) SoftDeleteChunksByBatch(ctx context.Context, batchId int64) (int64, error) {
	var affected int64
	err := s.do(ctx, func(db *gorm.DB) error {
		now := time.Now()
		res := db.Model(&entities.RecordingChunk{}).
			Where("deleted = ? AND id IN (SELECT chunk_id FROM batch_chunks WHERE batch_id = ?)", false, batchId).
			Updates(map[string]interface{}{"deleted": true, "deleted_at": now})
		affected = res.RowsAffected
		return res.Error
	})
	return affected, err
}

// HardDeleteExpired removes soft-deleted chunk rows older than cutoff,
// skipping any chunk still referenced by an undeleted batch, and removes
// their on-disk artifacts best-effort.
func (s *store) HardDeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.do(ctx, func(db *gorm.DB) error {
		var victims []*entities.RecordingChunk
		err := db.Where("deleted = ? AND deleted_at < ?", true, cutoff).
			Where("id NOT IN (SELECT bc.chunk_id FROM batch_chunks bc JOIN analysis_batches b ON b.id = bc.batch_id WHERE b.deleted = ?)", false).
			Find(&victims).Error
		if err != nil {
			return err
		}
		for _, chunk := range victims {
			if err := db.Delete(&entities.RecordingChunk{}, "id = ?", chunk.ID).Error; err != nil {
				return err
			}
			deleted++
			if chunk.FilePath == "" {
				continue
			}
			if err := os.Remove(chunk.FilePath); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("file", chunk.FilePath).Msg("failed to remove expired recording file")
			}
		}
		return nil
	})
	return deleted, err
}
