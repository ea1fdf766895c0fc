package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/redis/go-redis/v9"
)

const cursorSuffix = ":cursors"

// RedisStore keeps presence in Redis so every API instance sees the same
// viewers. Each document is a sorted set of identities scored by their last
// heartbeat in unix milliseconds, plus a hash of cursors.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	now     func() time.Time
}

func NewRedisStore(redisURL string, timeout time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, timeout, nil), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, timeout time.Duration, now func() time.Time) *RedisStore {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &RedisStore{
		client:  client,
		prefix:  "presence:",
		timeout: timeout,
		now:     now,
	}
}

func (s *RedisStore) key(documentID string) string {
	return s.prefix + documentID
}

func (s *RedisStore) cursorKey(documentID string) string {
	return s.prefix + documentID + cursorSuffix
}

func (s *RedisStore) cutoff() string {
	return strconv.FormatInt(s.now().Add(-s.timeout).UnixMilli(), 10)
}

func (s *RedisStore) Heartbeat(ctx context.Context, documentID, identity string, cursor *Cursor) error {
	key := s.key(documentID)
	cursorKey := s.cursorKey(documentID)
	ttl := 2 * s.timeout

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(s.now().UnixMilli()), Member: identity})
	if cursor != nil {
		payload, err := json.Marshal(cursor)
		if err != nil {
			return fmt.Errorf("marshal cursor: %w", err)
		}
		pipe.HSet(ctx, cursorKey, identity, payload)
	}
	pipe.Expire(ctx, key, ttl)
	pipe.Expire(ctx, cursorKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return nil
}

func (s *RedisStore) Leave(ctx context.Context, documentID, identity string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.key(documentID), identity)
	pipe.HDel(ctx, s.cursorKey(documentID), identity)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove presence: %w", err)
	}
	return nil
}

func (s *RedisStore) ListActive(ctx context.Context, documentID string) (mapset.Set[string], error) {
	if _, err := s.reap(ctx, documentID); err != nil {
		return nil, err
	}
	members, err := s.client.ZRangeByScore(ctx, s.key(documentID), &redis.ZRangeBy{
		Min: "(" + s.cutoff(),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	return mapset.NewThreadUnsafeSet(members...), nil
}

func (s *RedisStore) Entries(ctx context.Context, documentID string) ([]Entry, error) {
	if _, err := s.reap(ctx, documentID); err != nil {
		return nil, err
	}
	scored, err := s.client.ZRangeByScoreWithScores(ctx, s.key(documentID), &redis.ZRangeBy{
		Min: "(" + s.cutoff(),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	if len(scored) == 0 {
		return []Entry{}, nil
	}

	identities := make([]string, 0, len(scored))
	entries := make([]Entry, 0, len(scored))
	for _, z := range scored {
		identity, _ := z.Member.(string)
		identities = append(identities, identity)
		entries = append(entries, Entry{
			DocumentID: documentID,
			Identity:   identity,
			LastSeen:   time.UnixMilli(int64(z.Score)).UTC(),
		})
	}

	cursors, err := s.client.HMGet(ctx, s.cursorKey(documentID), identities...).Result()
	if err != nil {
		return nil, fmt.Errorf("load cursors: %w", err)
	}
	for i, raw := range cursors {
		value, ok := raw.(string)
		if !ok || value == "" {
			continue
		}
		var cursor Cursor
		if err := json.Unmarshal([]byte(value), &cursor); err != nil {
			return nil, fmt.Errorf("unmarshal cursor: %w", err)
		}
		entries[i].Cursor = &cursor
	}
	sortEntries(entries)
	return entries, nil
}

// Sweep walks every presence key and reaps stale members.
func (s *RedisStore) Sweep(ctx context.Context) (int, error) {
	reaped := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, cursorSuffix) {
			continue
		}
		n, err := s.reap(ctx, strings.TrimPrefix(key, s.prefix))
		if err != nil {
			return reaped, err
		}
		reaped += n
	}
	if err := iter.Err(); err != nil {
		return reaped, fmt.Errorf("scan presence keys: %w", err)
	}
	return reaped, nil
}

// KEYS[1] presence set, KEYS[2] cursor hash. ARGV[1] cutoff in unix ms.
// Stale members and their cursors go in one step so a heartbeat landing
// mid-reap keeps its cursor.
var reapScript = redis.NewScript(`
local stale = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if #stale == 0 then
	return 0
end
redis.call('ZREM', KEYS[1], unpack(stale))
redis.call('HDEL', KEYS[2], unpack(stale))
return #stale
`)

func (s *RedisStore) reap(ctx context.Context, documentID string) (int, error) {
	n, err := reapScript.Run(ctx, s.client,
		[]string{s.key(documentID), s.cursorKey(documentID)}, s.cutoff()).Int()
	if err != nil {
		return 0, fmt.Errorf("reap presence: %w", err)
	}
	return n, nil
}

// Client exposes the connection so other Redis-backed components can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
