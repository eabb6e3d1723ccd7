package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func guestKey(token string) string { return "guest:alive:" + token }

// TouchGuest refreshes the guest's liveness key; expiry matches the idle
// timeout so a missing key means the guest went quiet.
func (s *Store) TouchGuest(ctx context.Context, token string, ttl time.Duration) error {
	return s.rdb.Set(ctx, guestKey(token), time.Now().Unix(), ttl).Err()
}

func (s *Store) GuestAlive(ctx context.Context, token string) (bool, error) {
	n, err := s.rdb.Exists(ctx, guestKey(token)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
