package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"capture-worker/constant"
	"capture-worker/entities"
)

// SaveBatch inserts the batch row and its chunk-join rows in one
// transaction. Either all rows land or none do.
func (s *store) SaveBatch(ctx context.Context, batch *entities.AnalysisBatch, chunkIds []int64) error {
	if len(chunkIds) == 0 {
		return fmt.Errorf("repository: batch requires at least one chunk")
	}
	return s.do(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			var count int64
			err := tx.Model(&entities.RecordingChunk{}).
				Where("id IN ? AND status = ? AND deleted = ?", chunkIds, constant.ChunkStatusCompleted, false).
				Count(&count).Error
			if err != nil {
				return err
			}
			if count != int64(len(chunkIds)) {
				return fmt.Errorf("repository: batch references %d unknown or incomplete chunks", int64(len(chunkIds))-count)
			}

			if err := tx.Create(batch).Error; err != nil {
				return err
			}
			joins := make([]entities.BatchChunk, 0, len(chunkIds))
			for _, chunkId := range chunkIds {
				joins = append(joins, entities.BatchChunk{BatchID: batch.ID, ChunkID: chunkId})
			}
			return tx.Create(&joins).Error
		})
	})
}

func (s *store) UpdateBatchStatus(ctx context.Context, batchId int64, status constant.BatchStatus, reason *string) error {
	return s.do(ctx, func(db *gorm.DB) error {
		updates := map[string]interface{}{"status": status}
		if reason != nil {
			updates["reason"] = *reason
		}
		res := db.Model(&entities.AnalysisBatch{}).Where("id = ?", batchId).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

func (s *store) GetBatchById(ctx context.Context, id int64) (*entities.AnalysisBatch, error) {
	batch := &entities.AnalysisBatch{}
	err := s.do(ctx, func(db *gorm.DB) error {
		return db.First(batch, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func (s *store) GetBatchesByTimeRange(ctx context.Context, startTs, endTs int64) ([]*entities.AnalysisBatch, error) {
	var batches []*entities.AnalysisBatch
	err := s.do(ctx, func(db *gorm.DB) error {
		return db.Where("start_ts < ? AND end_ts >= ? AND deleted = ?", endTs, startTs, false).
			Order("start_ts ASC").
			Find(&batches).Error
	})
	if err != nil {
		return nil, err
	}
	return batches, nil
}

func (s *store) GetBatchChunks(ctx context.Context, batchId int64) ([]*entities.RecordingChunk, error) {
	var chunks []*entities.RecordingChunk
	err := s.do(ctx, func(db *gorm.DB) error {
		return db.Where("id IN (SELECT chunk_id FROM batch_chunks WHERE batch_id = ?)", batchId).
			Order("start_ts ASC").
			Find(&chunks).Error
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

func (s *store) AppendLLMCall(ctx context.Context, call *entities.LLMCall) error {
	return s.do(ctx, func(db *gorm.DB) error {
		return db.Create(call).Error
	})
}

func (s *store) GetLLMCallsByBatchId(ctx context.Context, batchId int64) ([]*entities.LLMCall, error) {
	var calls []*entities.LLMCall
	err := s.do(ctx, func(db *gorm.DB) error {
		return db.Where("batch_id = ?", batchId).Order("created_at ASC").Find(&calls).Error
	})
	if err != nil {
		return nil, err
	}
	return calls, nil
}
