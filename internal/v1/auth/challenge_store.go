package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/courier-im/courier/internal/v1/partition"
)

// RedisChallengeStore keeps challenges in the partitioned Redis so every node
// sees the same outstanding puzzle for a uid.
type RedisChallengeStore struct {
	router *partition.Router
	ttl    time.Duration
}

func NewRedisChallengeStore(router *partition.Router, ttl time.Duration) *RedisChallengeStore {
	return &RedisChallengeStore{router: router, ttl: ttl}
}

func challengeKey(uid string) string {
	return "auth_challenge_" + uid
}

func (s *RedisChallengeStore) PutChallenge(ctx context.Context, uid string, c *Challenge) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	key := challengeKey(uid)
	return s.router.Set(ctx, partition.ByKey(key), key, string(data), s.ttl)
}

func (s *RedisChallengeStore) GetChallenge(ctx context.Context, uid string) (*Challenge, error) {
	key := challengeKey(uid)
	raw, err := s.router.Get(ctx, partition.ByKey(key), key)
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var c Challenge
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *RedisChallengeStore) DeleteChallenge(ctx context.Context, uid string) error {
	key := challengeKey(uid)
	return s.router.Del(ctx, partition.ByKey(key), key)
}
