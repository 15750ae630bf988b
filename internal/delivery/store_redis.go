package delivery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	cacheKeyPrefix     = "relay:cache:"
	deliveredKeyPrefix = "relay:delivered:"
)

// RedisStore implements Tracker and Cache on Redis so that several relay
// instances share delivery state and replay buffers survive restarts.
// Redis errors are logged and treated as "not delivered" / "nothing cached";
// a store outage must never block a live send.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
	size   int
	ttl    time.Duration
}

// NewRedisStore creates a store bounded to size cached messages per recipient,
// remembering deliveries for ttl.
func NewRedisStore(client *redis.Client, logger zerolog.Logger, size int, ttl time.Duration) *RedisStore {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultDeliveryTTL
	}
	return &RedisStore{
		client: client,
		logger: logger.With().Str("component", "delivery_store").Logger(),
		size:   size,
		ttl:    ttl,
	}
}

func (s *RedisStore) AlreadyDelivered(ctx context.Context, messageID, recipientID string) bool {
	if messageID == "" {
		return false
	}
	ok, err := s.client.SIsMember(ctx, deliveredKeyPrefix+messageID, recipientID).Result()
	if err != nil {
		s.logger.Warn().Err(err).Str("message_id", messageID).Msg("delivery lookup failed")
		return false
	}
	return ok
}

func (s *RedisStore) MarkDelivered(ctx context.Context, messageID, recipientID string) {
	if messageID == "" {
		return
	}
	key := deliveredKeyPrefix + messageID
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, recipientID)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("message_id", messageID).Msg("mark delivered failed")
	}
}

func (s *RedisStore) CacheMessage(ctx context.Context, recipientID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("recipient_id", recipientID).Msg("encode cached message")
		return
	}
	key := cacheKeyPrefix + recipientID
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, int64(-s.size), -1)
		return nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("recipient_id", recipientID).Msg("cache message failed")
	}
}

func (s *RedisStore) Replay(ctx context.Context, recipientID string) []Message {
	raw, err := s.client.LRange(ctx, cacheKeyPrefix+recipientID, 0, -1).Result()
	if err != nil {
		s.logger.Warn().Err(err).Str("recipient_id", recipientID).Msg("replay lookup failed")
		return nil
	}
	if len(raw) == 0 {
		return nil
	}

	msgs := make([]Message, 0, len(raw))
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			s.logger.Warn().Err(err).Str("recipient_id", recipientID).Msg("skipping malformed cached message")
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}
