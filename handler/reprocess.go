package handler

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"capture-worker/dto"
	"capture-worker/service"
)

type ServiceDependencies struct {
	BatchService service.BatchService
}

// ReprocessHandler consumes reprocess commands from the scheduler queue.
func ReprocessHandler(ctx context.Context, msg amqp.Delivery, deps ServiceDependencies) error {
	var req dto.ReprocessMessage
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to unmarshal reprocess message")
		return err
	}

	err := deps.BatchService.Reprocess(ctx, req)
	if err != nil {
		return err
	}

	return nil
}
