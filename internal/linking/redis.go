package linking

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	challengeKeyPrefix = "linking:challenge:"
	emailKeyPrefix     = "linking:email:"
	linkKeyPrefix      = "linking:verification:"

	// Records are kept past their expiry so exhausted or expired attempts can
	// still be loaded and rejected with a precise reason.
	recordRetention = 24 * time.Hour
)

// transitionScript performs the status CAS and attempt increment as one atomic
// server-side operation; concurrent validation attempts against the same
// record serialize on it.
var transitionScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return redis.error_reply('not_found')
end
local obj = cjson.decode(raw)
if obj['status'] ~= ARGV[1] then
  return redis.error_reply('conflict')
end
local delta = tonumber(ARGV[3])
if delta > 0 then
  local count = tonumber(obj['attempt_count']) or 0
  local max = tonumber(obj['max_attempts']) or 0
  if count + delta > max then
    return redis.error_reply('attempt_limit')
  end
  obj['attempt_count'] = count + delta
end
obj['status'] = ARGV[2]
if ARGV[4] ~= '' then
  obj['approved_at'] = ARGV[4]
end
local out = cjson.encode(obj)
redis.call('SET', KEYS[1], out, 'KEEPTTL')
return out
`)

// RedisStore persists linking records in Redis with TTL-based retention.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) CreateChallenge(ctx context.Context, ch *Challenge) error {
	return s.create(ctx, challengeKeyPrefix+ch.ID, ch, ch.ExpiresAt)
}

func (s *RedisStore) Challenge(ctx context.Context, id string) (*Challenge, error) {
	var ch Challenge
	if err := s.load(ctx, challengeKeyPrefix+id, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *RedisStore) TransitionChallenge(ctx context.Context, id string, expect, next ChallengeStatus, attemptDelta int) (*Challenge, error) {
	var ch Challenge
	if err := s.transition(ctx, challengeKeyPrefix+id, string(expect), string(next), attemptDelta, "", &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *RedisStore) CreateEmailVerification(ctx context.Context, v *EmailVerification) error {
	return s.create(ctx, emailKeyPrefix+v.ID, v, v.ExpiresAt)
}

func (s *RedisStore) EmailVerification(ctx context.Context, id string) (*EmailVerification, error) {
	var v EmailVerification
	if err := s.load(ctx, emailKeyPrefix+id, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *RedisStore) TransitionEmailVerification(ctx context.Context, id string, expect, next VerificationStatus, attemptDelta int) (*EmailVerification, error) {
	var v EmailVerification
	if err := s.transition(ctx, emailKeyPrefix+id, string(expect), string(next), attemptDelta, "", &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *RedisStore) CreateVerification(ctx context.Context, v *Verification) error {
	return s.create(ctx, linkKeyPrefix+v.ID, v, time.Time{})
}

func (s *RedisStore) Verification(ctx context.Context, id string) (*Verification, error) {
	var v Verification
	if err := s.load(ctx, linkKeyPrefix+id, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *RedisStore) ApproveVerification(ctx context.Context, id string, approvedAt time.Time) (*Verification, error) {
	var v Verification
	stamp := approvedAt.UTC().Format(time.RFC3339Nano)
	if err := s.transition(ctx, linkKeyPrefix+id, string(LinkingVerified), string(LinkingApproved), 0, stamp, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *RedisStore) create(ctx context.Context, key string, record any, expiresAt time.Time) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	ttl := recordRetention
	if !expiresAt.IsZero() {
		if until := time.Until(expiresAt); until > 0 {
			ttl = until + recordRetention
		}
	}
	ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("store record: %w", err)
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

func (s *RedisStore) load(ctx context.Context, key string, into any) error {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load record: %w", err)
	}
	return json.Unmarshal(raw, into)
}

func (s *RedisStore) transition(ctx context.Context, key, expect, next string, attemptDelta int, approvedAt string, into any) error {
	raw, err := transitionScript.Run(ctx, s.client, []string{key}, expect, next, attemptDelta, approvedAt).Text()
	if err != nil {
		switch {
		case strings.Contains(err.Error(), "not_found"):
			return ErrNotFound
		case strings.Contains(err.Error(), "conflict"):
			return ErrConflict
		case strings.Contains(err.Error(), "attempt_limit"):
			return ErrAttemptLimit
		default:
			return fmt.Errorf("transition record: %w", err)
		}
	}
	return json.Unmarshal([]byte(raw), into)
}
