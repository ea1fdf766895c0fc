package editlock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	_ Locker = (*Manager)(nil)
	_ Locker = (*RedisLocker)(nil)
)

// Lease hashes hold holder, lease_expiry, acquired_at (unix ms) and
// acquired_version. Liveness is decided by lease_expiry against the caller's
// clock; the key TTL only reclaims memory.

// KEYS[1] lease key. ARGV: identity, now, expiry, version, ttl ms.
var acquireScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[1], 'holder')
local raw = redis.call('HGET', KEYS[1], 'lease_expiry') or '0'
if holder and tonumber(raw) > tonumber(ARGV[2]) then
	local acquired = redis.call('HGET', KEYS[1], 'acquired_at')
	local version = redis.call('HGET', KEYS[1], 'acquired_version')
	if holder ~= ARGV[1] then
		return {0, holder, raw, acquired, version}
	end
	redis.call('HSET', KEYS[1], 'lease_expiry', ARGV[3])
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
	return {1, holder, ARGV[3], acquired, version}
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'holder', ARGV[1], 'lease_expiry', ARGV[3], 'acquired_at', ARGV[2], 'acquired_version', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return {1, ARGV[1], ARGV[3], ARGV[2], ARGV[4]}
`)

// KEYS[1] lease key. ARGV: identity, now, expiry, ttl ms.
var renewScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[1], 'holder')
local expiry = tonumber(redis.call('HGET', KEYS[1], 'lease_expiry') or '0')
if not holder or holder ~= ARGV[1] or expiry <= tonumber(ARGV[2]) then
	return {0}
end
redis.call('HSET', KEYS[1], 'lease_expiry', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {1, holder, ARGV[3], redis.call('HGET', KEYS[1], 'acquired_at'), redis.call('HGET', KEYS[1], 'acquired_version')}
`)

// KEYS[1] lease key. ARGV: identity, now.
var releaseScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[1], 'holder')
local expiry = tonumber(redis.call('HGET', KEYS[1], 'lease_expiry') or '0')
if not holder or holder ~= ARGV[1] or expiry <= tonumber(ARGV[2]) then
	return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// KEYS[1] lease key. ARGV: identity, now, expiry, version, ttl ms.
var takeoverScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[1], 'holder')
local expiry = tonumber(redis.call('HGET', KEYS[1], 'lease_expiry') or '0')
local previous = ''
if holder and expiry > tonumber(ARGV[2]) then
	previous = holder
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'holder', ARGV[1], 'lease_expiry', ARGV[3], 'acquired_at', ARGV[2], 'acquired_version', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return previous
`)

// KEYS[1] lease key. ARGV: now.
var sweepScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[1], 'holder')
if not holder then
	return {0}
end
local raw = redis.call('HGET', KEYS[1], 'lease_expiry') or '0'
if tonumber(raw) > tonumber(ARGV[1]) then
	return {0}
end
local acquired = redis.call('HGET', KEYS[1], 'acquired_at')
local version = redis.call('HGET', KEYS[1], 'acquired_version')
redis.call('DEL', KEYS[1])
return {1, holder, raw, acquired, version}
`)

// RedisLocker keeps leases in Redis so that every API instance arbitrates
// the same single writer per document. Transitions are compare-and-set Lua
// scripts keyed on the holder.
type RedisLocker struct {
	client *redis.Client
	prefix string
	lease  time.Duration
	now    func() time.Time
}

func NewRedisLocker(client *redis.Client, lease time.Duration, now func() time.Time) *RedisLocker {
	if lease <= 0 {
		lease = DefaultLeaseDuration
	}
	if now == nil {
		now = time.Now
	}
	return &RedisLocker{
		client: client,
		prefix: "editlock:",
		lease:  lease,
		now:    now,
	}
}

func (l *RedisLocker) LeaseDuration() time.Duration {
	return l.lease
}

func (l *RedisLocker) key(documentID string) string {
	return l.prefix + documentID
}

// ttl outlives the lease so a slow clock never loses a live hash.
func (l *RedisLocker) ttl() string {
	return strconv.FormatInt((2 * l.lease).Milliseconds(), 10)
}

func (l *RedisLocker) Acquire(ctx context.Context, documentID, identity string, atVersion int) (Session, error) {
	now := l.now()
	res, err := acquireScript.Run(ctx, l.client, []string{l.key(documentID)},
		identity, now.UnixMilli(), now.Add(l.lease).UnixMilli(), atVersion, l.ttl()).Slice()
	if err != nil {
		return Session{}, fmt.Errorf("acquire lease: %w", err)
	}
	granted, session, err := parseLease(documentID, res)
	if err != nil {
		return Session{}, err
	}
	if !granted {
		return Session{}, &BusyError{DocumentID: documentID, Holder: session.Holder, LeaseExpiry: session.LeaseExpiry}
	}
	return session, nil
}

func (l *RedisLocker) Renew(ctx context.Context, documentID, identity string) (Session, error) {
	now := l.now()
	res, err := renewScript.Run(ctx, l.client, []string{l.key(documentID)},
		identity, now.UnixMilli(), now.Add(l.lease).UnixMilli(), l.ttl()).Slice()
	if err != nil {
		return Session{}, fmt.Errorf("renew lease: %w", err)
	}
	renewed, session, err := parseLease(documentID, res)
	if err != nil {
		return Session{}, err
	}
	if !renewed {
		return Session{}, ErrNotHolder
	}
	return session, nil
}

func (l *RedisLocker) Release(ctx context.Context, documentID, identity string) error {
	released, err := releaseScript.Run(ctx, l.client, []string{l.key(documentID)},
		identity, l.now().UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if released == 0 {
		return ErrNotHolder
	}
	return nil
}

func (l *RedisLocker) ForceTakeover(ctx context.Context, documentID, identity string, atVersion int) (Session, string, error) {
	now := l.now()
	expiry := now.Add(l.lease)
	previous, err := takeoverScript.Run(ctx, l.client, []string{l.key(documentID)},
		identity, now.UnixMilli(), expiry.UnixMilli(), atVersion, l.ttl()).Text()
	if err != nil {
		return Session{}, "", fmt.Errorf("take over lease: %w", err)
	}
	return Session{
		DocumentID:        documentID,
		Holder:            identity,
		LeaseExpiry:       time.UnixMilli(expiry.UnixMilli()).UTC(),
		AcquiredAt:        time.UnixMilli(now.UnixMilli()).UTC(),
		AcquiredAtVersion: atVersion,
	}, previous, nil
}

func (l *RedisLocker) Status(ctx context.Context, documentID string) (Session, bool, error) {
	fields, err := l.client.HGetAll(ctx, l.key(documentID)).Result()
	if err != nil {
		return Session{}, false, fmt.Errorf("read lease: %w", err)
	}
	if fields["holder"] == "" {
		return Session{}, false, nil
	}
	session, err := sessionFromFields(documentID, fields["holder"], fields["lease_expiry"], fields["acquired_at"], fields["acquired_version"])
	if err != nil {
		return Session{}, false, err
	}
	if session.expired(l.now()) {
		return Session{}, false, nil
	}
	return session, true, nil
}

func (l *RedisLocker) Holds(ctx context.Context, documentID, identity string) (bool, error) {
	session, ok, err := l.Status(ctx, documentID)
	return ok && session.Holder == identity, err
}

// Sweep walks every lease key and deletes the expired ones.
func (l *RedisLocker) Sweep(ctx context.Context) ([]Session, error) {
	now := l.now().UnixMilli()
	var expired []Session
	iter := l.client.Scan(ctx, 0, l.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		res, err := sweepScript.Run(ctx, l.client, []string{key}, now).Slice()
		if err != nil {
			return expired, fmt.Errorf("sweep lease %s: %w", key, err)
		}
		removed, session, err := parseLease(strings.TrimPrefix(key, l.prefix), res)
		if err != nil {
			return expired, err
		}
		if removed {
			expired = append(expired, session)
		}
	}
	if err := iter.Err(); err != nil {
		return expired, fmt.Errorf("scan lease keys: %w", err)
	}
	sortSessions(expired)
	return expired, nil
}

// parseLease decodes {flag, holder, lease_expiry, acquired_at, version}.
func parseLease(documentID string, res []interface{}) (bool, Session, error) {
	if len(res) == 0 {
		return false, Session{}, errors.New("empty lease reply")
	}
	flag, _ := res[0].(int64)
	if len(res) < 5 {
		return flag == 1, Session{}, nil
	}
	parts := make([]string, 4)
	for i := range parts {
		switch v := res[i+1].(type) {
		case string:
			parts[i] = v
		case int64:
			parts[i] = strconv.FormatInt(v, 10)
		}
	}
	session, err := sessionFromFields(documentID, parts[0], parts[1], parts[2], parts[3])
	if err != nil {
		return false, Session{}, err
	}
	return flag == 1, session, nil
}

func sessionFromFields(documentID, holder, expiry, acquired, version string) (Session, error) {
	expiryMs, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil {
		return Session{}, fmt.Errorf("parse lease expiry %q: %w", expiry, err)
	}
	acquiredMs, _ := strconv.ParseInt(acquired, 10, 64)
	atVersion, _ := strconv.Atoi(version)
	return Session{
		DocumentID:        documentID,
		Holder:            holder,
		LeaseExpiry:       time.UnixMilli(expiryMs).UTC(),
		AcquiredAt:        time.UnixMilli(acquiredMs).UTC(),
		AcquiredAtVersion: atVersion,
	}, nil
}
