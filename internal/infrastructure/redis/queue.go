package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Austin-rgb/messages/internal/domain"
)

// Queue is the durable queue on Redis streams. Each topic is one stream;
// consumer groups give at-least-once delivery with per-consumer pending
// entries that survive restarts until acknowledged.
type Queue struct {
	Client *redis.Client
}

func New(endpoint string) (*Queue, error) {
	opts, err := redis.ParseURL(endpoint)
	if err != nil {
		return nil, err
	}
	return &Queue{Client: redis.NewClient(opts)}, nil
}

func NewFromClient(client *redis.Client) *Queue {
	return &Queue{Client: client}
}

// Publish appends the payload to the topic stream and returns the entry id.
func (q *Queue) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	return q.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{"payload": payload},
	}).Result()
}

// EnsureGroup creates the consumer group at the start of the stream,
// creating the stream too if needed. An existing group is success.
func (q *Queue) EnsureGroup(ctx context.Context, topic, group string) error {
	err := q.Client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

// Read fetches up to count entries for the consumer. ReadPending redelivers
// this consumer's unacknowledged entries (cursor "0"); ReadNew blocks up to
// block for entries the group has never seen (cursor ">").
func (q *Queue) Read(ctx context.Context, topic, group, consumer string, count int, block time.Duration, mode domain.ReadMode) ([]domain.QueueEntry, error) {
	cursor := ">"
	if mode == domain.ReadPending {
		cursor = "0"
	}

	streams, err := q.Client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{topic, cursor},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var out []domain.QueueEntry
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			payload, ok := msg.Values["payload"]
			if !ok {
				continue
			}
			switch p := payload.(type) {
			case string:
				out = append(out, domain.QueueEntry{ID: msg.ID, Payload: []byte(p)})
			case []byte:
				out = append(out, domain.QueueEntry{ID: msg.ID, Payload: p})
			}
		}
	}
	return out, nil
}

// Ack removes the entries from the group's pending set.
func (q *Queue) Ack(ctx context.Context, topic, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return q.Client.XAck(ctx, topic, group, ids...).Err()
}
