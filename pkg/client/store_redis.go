package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/peerchat/peerchat/pkg/types"
)

// RedisStore persists session state in Redis so a restarted client can
// detect and resume an in-flight session. Room-scoped keys expire with
// the participants TTL; messages are kept for a day at most, the relay
// itself stores nothing.
type RedisStore struct {
	ctx    context.Context
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the link with a ping.
// prefix namespaces all keys, letting several clients share an instance.
func NewRedisStore(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	if prefix == "" {
		prefix = "peerchat:"
	}
	return &RedisStore{ctx: ctx, client: client, prefix: prefix}, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) sessionKey() string {
	return s.prefix + "session"
}

func (s *RedisStore) messagesKey(roomID string) string {
	return s.prefix + "room:" + roomID + ":messages"
}

func (s *RedisStore) peersKey(roomID string) string {
	return s.prefix + "room:" + roomID + ":peers"
}

func (s *RedisStore) SaveSession(rec types.SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(s.ctx, s.sessionKey(), data, 0).Err()
}

func (s *RedisStore) GetSession() (types.SessionRecord, bool, error) {
	data, err := s.client.Get(s.ctx, s.sessionKey()).Bytes()
	if err == redis.Nil {
		return types.SessionRecord{}, false, nil
	}
	if err != nil {
		return types.SessionRecord{}, false, err
	}
	var rec types.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return types.SessionRecord{}, false, err
	}
	return rec, true, nil
}

func (s *RedisStore) EndSession() error {
	rec, ok, err := s.GetSession()
	if err != nil || !ok {
		return err
	}
	rec.Active = false
	return s.SaveSession(rec)
}

func (s *RedisStore) ClearSession() error {
	return s.client.Del(s.ctx, s.sessionKey()).Err()
}

func (s *RedisStore) SaveMessages(roomID string, msgs []types.ChatMessage) error {
	key := s.messagesKey(roomID)
	pipe := s.client.TxPipeline()
	pipe.Del(s.ctx, key)
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		pipe.RPush(s.ctx, key, data)
	}
	pipe.Expire(s.ctx, key, 24*time.Hour)
	_, err := pipe.Exec(s.ctx)
	return err
}

func (s *RedisStore) AppendMessage(roomID string, msg types.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	key := s.messagesKey(roomID)
	pipe := s.client.TxPipeline()
	pipe.RPush(s.ctx, key, data)
	pipe.Expire(s.ctx, key, 24*time.Hour)
	_, err = pipe.Exec(s.ctx)
	return err
}

func (s *RedisStore) GetMessages(roomID string) ([]types.ChatMessage, error) {
	raw, err := s.client.LRange(s.ctx, s.messagesKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	msgs := make([]types.ChatMessage, 0, len(raw))
	for _, item := range raw {
		var msg types.ChatMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			log.Error(err, "skipping unreadable persisted message", "room", roomID)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (s *RedisStore) ClearMessages(roomID string) error {
	return s.client.Del(s.ctx, s.messagesKey(roomID)).Err()
}

func (s *RedisStore) UpdateRoomParticipants(roomID, participantID string, joining bool) (int, error) {
	key := s.peersKey(roomID)
	pipe := s.client.TxPipeline()
	if joining {
		pipe.SAdd(s.ctx, key, participantID)
	} else {
		pipe.SRem(s.ctx, key, participantID)
	}
	pipe.Expire(s.ctx, key, types.ParticipantsTTL)
	count := pipe.SCard(s.ctx, key)
	if _, err := pipe.Exec(s.ctx); err != nil {
		return 0, err
	}
	return int(count.Val()), nil
}

func (s *RedisStore) RoomParticipantsCount(roomID string) (int, error) {
	count, err := s.client.SCard(s.ctx, s.peersKey(roomID)).Result()
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func (s *RedisStore) ClearRoomParticipants(roomID string) error {
	return s.client.Del(s.ctx, s.peersKey(roomID)).Err()
}
