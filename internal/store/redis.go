package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each room and user as a JSON document under its own key.
// Documents expire after ttl so abandoned rooms do not accumulate; every save
// refreshes the clock.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	return &RedisStore{rdb: redis.NewClient(opts), ttl: ttl}, nil
}

func roomKey(roomID string) string {
	return fmt.Sprintf("parlor:room:%s", roomID)
}

func userKey(userID string) string {
	return fmt.Sprintf("parlor:user:%s", userID)
}

func (s *RedisStore) FindRoom(ctx context.Context, roomID string) (Room, error) {
	val, err := s.rdb.Get(ctx, roomKey(roomID)).Bytes()
	if err == redis.Nil {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, err
	}
	var room Room
	if err := json.Unmarshal(val, &room); err != nil {
		return Room{}, fmt.Errorf("decode room %s: %w", roomID, err)
	}
	return room, nil
}

func (s *RedisStore) SaveRoom(ctx context.Context, room Room) error {
	b, err := json.Marshal(room)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, roomKey(room.RoomID), b, s.ttl).Err()
}

func (s *RedisStore) FindUser(ctx context.Context, userID string) (User, error) {
	val, err := s.rdb.Get(ctx, userKey(userID)).Bytes()
	if err == redis.Nil {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	var user User
	if err := json.Unmarshal(val, &user); err != nil {
		return User{}, fmt.Errorf("decode user %s: %w", userID, err)
	}
	return user, nil
}

func (s *RedisStore) SaveUser(ctx context.Context, user User) error {
	b, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, userKey(user.UserID), b, s.ttl).Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
