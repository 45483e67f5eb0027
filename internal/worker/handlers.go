package worker

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/Austin-rgb/messages/internal/domain"
	"github.com/Austin-rgb/messages/internal/logger"
	"github.com/Austin-rgb/messages/internal/metrics"
)

// MessageHandler batch-inserts envelopes. Malformed payloads are logged and
// acked anyway so a poison entry cannot block the stream.
type MessageHandler struct {
	store domain.MessageStore
	topic string
	lg    zerolog.Logger
}

func NewMessageHandler(store domain.MessageStore, topic string) *MessageHandler {
	return &MessageHandler{store: store, topic: topic, lg: logger.With("message_handler")}
}

func (h *MessageHandler) Handle(ctx context.Context, entries []domain.QueueEntry) []string {
	ids := make([]string, 0, len(entries))
	envelopes := make([]domain.Envelope, 0, len(entries))
	poison := decodeBatch(entries, h.topic, h.lg, func(id string, env domain.Envelope) {
		ids = append(ids, id)
		envelopes = append(envelopes, env)
	})

	if len(envelopes) > 0 {
		if err := h.store.InsertMessages(ctx, envelopes); err != nil {
			// No internal retry: the unacked entries redeliver.
			h.lg.Error().Err(err).Int("count", len(envelopes)).Msg("message insert failed")
			return poison
		}
		h.lg.Debug().Int("count", len(envelopes)).Msg("messages persisted")
	}
	return append(ids, poison...)
}

// ReceiptHandler batch-upserts receipts under one transaction. Replay is
// safe: timestamps only fill in, never regress.
type ReceiptHandler struct {
	store domain.MessageStore
	topic string
	lg    zerolog.Logger
}

func NewReceiptHandler(store domain.MessageStore, topic string) *ReceiptHandler {
	return &ReceiptHandler{store: store, topic: topic, lg: logger.With("receipt_handler")}
}

func (h *ReceiptHandler) Handle(ctx context.Context, entries []domain.QueueEntry) []string {
	ids := make([]string, 0, len(entries))
	receipts := make([]domain.Receipt, 0, len(entries))
	poison := decodeBatch(entries, h.topic, h.lg, func(id string, rec domain.Receipt) {
		ids = append(ids, id)
		receipts = append(receipts, rec)
	})

	if len(receipts) > 0 {
		if err := h.store.UpsertReceipts(ctx, receipts); err != nil {
			h.lg.Error().Err(err).Int("count", len(receipts)).Msg("receipt upsert failed")
			return poison
		}
	}
	return append(ids, poison...)
}

// decodeBatch unmarshals every entry, feeding good ones to keep and
// returning the ids of malformed ones so the caller acks them regardless.
func decodeBatch[T any](entries []domain.QueueEntry, topic string, lg zerolog.Logger, keep func(id string, v T)) (poison []string) {
	for _, entry := range entries {
		var v T
		if err := json.Unmarshal(entry.Payload, &v); err != nil {
			lg.Warn().Err(err).Str("entry", entry.ID).Msg("dropping malformed payload")
			metrics.RecordPoison(topic)
			poison = append(poison, entry.ID)
			continue
		}
		keep(entry.ID, v)
	}
	return poison
}
