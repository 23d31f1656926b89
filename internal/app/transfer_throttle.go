package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript keeps one sorted-set member per admitted transfer, scored by its
// start time in milliseconds. Rejected starts are not recorded, so a funder who hits the
// cap gets capacity back as soon as the oldest admitted transfer leaves the window.
//
// KEYS[1] funder key; ARGV: now ms, window ms, limit, transfer id.
// Returns {admitted (0|1), transfers in window, retry after ms}.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local recent = redis.call("ZCARD", KEYS[1])
if recent >= limit then
  local retry = window
  local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
  end
  return {0, recent, retry}
end
redis.call("ZADD", KEYS[1], now, ARGV[4])
redis.call("PEXPIRE", KEYS[1], window)
return {1, recent + 1, 0}
`)

// TransferQuota caps how many transfers one funder may start inside Window.
// A zero Limit or Window disables the cap.
type TransferQuota struct {
	Limit  int
	Window time.Duration
}

func (q TransferQuota) enabled() bool {
	return q.Limit > 0 && q.Window > 0
}

// Admission is the throttle's verdict on one transfer start.
type Admission struct {
	Allowed bool
	// Recent counts the funder's transfers inside the window, including this one when allowed.
	Recent     int
	RetryAfter time.Duration
}

// TransferThrottle decides whether a funder may start another transfer.
type TransferThrottle interface {
	Admit(ctx context.Context, funderID, transferID uuid.UUID, quota TransferQuota) (Admission, error)
}

// RedisTransferThrottle shares one sliding window per funder across every instance.
type RedisTransferThrottle struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisTransferThrottle(client redis.UniversalClient, prefix string) *RedisTransferThrottle {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "carefunds:rate_limit"
	}
	return &RedisTransferThrottle{client: client, prefix: prefix, now: time.Now}
}

func (t *RedisTransferThrottle) Admit(ctx context.Context, funderID, transferID uuid.UUID, quota TransferQuota) (Admission, error) {
	if t == nil || t.client == nil || !quota.enabled() {
		return Admission{Allowed: true}, nil
	}

	windowMs := quota.Window.Milliseconds()
	if windowMs < 1 {
		windowMs = 1
	}
	values, err := slidingWindowScript.Run(ctx, t.client,
		[]string{t.funderKey(funderID)},
		t.now().UnixMilli(), windowMs, quota.Limit, transferID.String(),
	).Int64Slice()
	if err != nil {
		return Admission{}, err
	}
	if len(values) != 3 {
		return Admission{}, fmt.Errorf("unexpected transfer throttle reply length %d", len(values))
	}

	return Admission{
		Allowed:    values[0] == 1,
		Recent:     int(values[1]),
		RetryAfter: time.Duration(values[2]) * time.Millisecond,
	}, nil
}

func (t *RedisTransferThrottle) funderKey(funderID uuid.UUID) string {
	return fmt.Sprintf("%s:transfers:%s", t.prefix, funderID)
}

// retryAfterSeconds rounds up so callers never retry before the window has room.
func retryAfterSeconds(d time.Duration) int {
	seconds := int((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}
