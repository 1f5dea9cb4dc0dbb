package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"capture-worker/constant"
	"capture-worker/dto"
	"capture-worker/entities"
	"capture-worker/pkg/rabbitmq"
	"capture-worker/repository"
)

const (
	RouteBatchCreated = "batch.created"
	RouteBatchStatus  = "batch.status"
)

type BatchService interface {
	CreateBatch(ctx context.Context, req dto.CreateBatchRequest) (*entities.AnalysisBatch, error)
	UpdateStatus(ctx context.Context, batchId int64, status constant.BatchStatus, reason *string) error
	Reprocess(ctx context.Context, msg dto.ReprocessMessage) error
}

type batchService struct {
	store     repository.ChunkStore
	publisher rabbitmq.Publisher // nil when messaging is disabled
}

func NewBatchService(store repository.ChunkStore, publisher rabbitmq.Publisher) BatchService {
	return &batchService{store: store, publisher: publisher}
}

// CreateBatch persists the batch with its chunk joins atomically, then
// announces it. Publish failures are absorbed: the batch exists either way
// and downstream can poll.
func (s *batchService) CreateBatch(ctx context.Context, req dto.CreateBatchRequest) (*entities.AnalysisBatch, error) {
	if req.EndTs < req.StartTs {
		return nil, fmt.Errorf("service: batch end %d before start %d", req.EndTs, req.StartTs)
	}

	batch := &entities.AnalysisBatch{
		BatchUid: uuid.New(),
		StartTs:  req.StartTs,
		EndTs:    req.EndTs,
		Status:   constant.BatchStatusPending,
	}
	if err := s.store.SaveBatch(ctx, batch, req.ChunkIds); err != nil {
		return nil, err
	}

	s.announce(ctx, RouteBatchCreated, batch)
	return batch, nil
}

func (s *batchService) UpdateStatus(ctx context.Context, batchId int64, status constant.BatchStatus, reason *string) error {
	if err := s.store.UpdateBatchStatus(ctx, batchId, status, reason); err != nil {
		return err
	}
	batch, err := s.store.GetBatchById(ctx, batchId)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Int64("batch_id", batchId).Msg("updated batch not readable for announce")
		return nil
	}
	s.announce(ctx, RouteBatchStatus, batch)
	return nil
}

// Reprocess soft-deletes chunks for a batch or a time range so the day can
// be analyzed again.
func (s *batchService) Reprocess(ctx context.Context, msg dto.ReprocessMessage) error {
	logger := zerolog.Ctx(ctx)

	switch {
	case msg.BatchId != nil:
		affected, err := s.store.SoftDeleteChunksByBatch(ctx, *msg.BatchId)
		if err != nil {
			return err
		}
		logger.Info().Int64("batch_id", *msg.BatchId).Int64("chunks", affected).Msg("soft-deleted batch chunks for reprocessing")
		return nil

	case msg.StartTs != nil && msg.EndTs != nil:
		affected, err := s.store.SoftDeleteChunksByRange(ctx, *msg.StartTs, *msg.EndTs)
		if err != nil {
			return err
		}
		logger.Info().Int64("start_ts", *msg.StartTs).Int64("end_ts", *msg.EndTs).Int64("chunks", affected).Msg("soft-deleted chunk range for reprocessing")
		return nil

	default:
		return fmt.Errorf("service: reprocess message needs a batch id or a time range")
	}
}

func (s *batchService) announce(ctx context.Context, routingKey string, batch *entities.AnalysisBatch) {
	if s.publisher == nil {
		return
	}
	event := dto.BatchEventMessage{
		BatchId:  batch.ID,
		BatchUid: batch.BatchUid,
		Status:   string(batch.Status),
		StartTs:  batch.StartTs,
		EndTs:    batch.EndTs,
	}
	if err := s.publisher.Publish(ctx, routingKey, event); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("routing_key", routingKey).Msg("batch event not published")
	}
}
