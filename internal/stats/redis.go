package stats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Recorder = (*RedisRecorder)(nil)

const (
	totalsKey      = "stats"
	dailyPrefix    = "stats:daily:"
	dailyRetention = (dailyWindow + 1) * 24 * time.Hour

	fieldCreated     = "created"
	fieldViewed      = "viewed"
	fieldExpired     = "expired"
	fieldProtected   = "password_protected"
	fieldLastUpdated = "last_updated"
	viewsPrefix      = "views:"
	hoursPrefix      = "hours:"
)

// RedisRecorder shares counters between instances through HINCRBY.
type RedisRecorder struct {
	client redis.Cmdable
	now    func() time.Time
}

func NewRedisRecorder(client redis.Cmdable, now func() time.Time) *RedisRecorder {
	if now == nil {
		now = time.Now
	}
	return &RedisRecorder{client: client, now: now}
}

func (r *RedisRecorder) RecordCreated(ctx context.Context, viewLimit, expirationHours int, hasPassword bool) error {
	now := r.now()
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, totalsKey, fieldCreated, 1)
		if hasPassword {
			pipe.HIncrBy(ctx, totalsKey, fieldProtected, 1)
		}
		pipe.HIncrBy(ctx, totalsKey, viewsPrefix+strconv.Itoa(viewLimit), 1)
		pipe.HIncrBy(ctx, totalsKey, hoursPrefix+strconv.Itoa(expirationHours), 1)
		pipe.HSet(ctx, totalsKey, fieldLastUpdated, now.UnixMilli())
		r.incrDaily(ctx, pipe, now, fieldCreated)
		return nil
	})
	return err
}

func (r *RedisRecorder) RecordViewed(ctx context.Context) error {
	now := r.now()
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, totalsKey, fieldViewed, 1)
		pipe.HSet(ctx, totalsKey, fieldLastUpdated, now.UnixMilli())
		r.incrDaily(ctx, pipe, now, fieldViewed)
		return nil
	})
	return err
}

func (r *RedisRecorder) RecordExpired(ctx context.Context) error {
	now := r.now()
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, totalsKey, fieldExpired, 1)
		pipe.HSet(ctx, totalsKey, fieldLastUpdated, now.UnixMilli())
		return nil
	})
	return err
}

func (r *RedisRecorder) Snapshot(ctx context.Context) (*Snapshot, error) {
	days := lastDays(r.now())

	pipe := r.client.Pipeline()
	totals := pipe.HGetAll(ctx, totalsKey)
	daily := make([]*redis.MapStringStringCmd, len(days))
	for i, day := range days {
		daily[i] = pipe.HGetAll(ctx, dailyPrefix+day)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("reading stats: %w", err)
	}

	snap := &Snapshot{
		ViewLimitBreakdown:       make(map[int]int),
		ExpirationHoursBreakdown: make(map[int]int),
		Daily:                    make([]Day, 0, len(days)),
	}

	for field, raw := range totals.Val() {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		switch {
		case field == fieldCreated:
			snap.TotalCreated = int(n)
		case field == fieldViewed:
			snap.TotalViewed = int(n)
		case field == fieldExpired:
			snap.TotalExpired = int(n)
		case field == fieldProtected:
			snap.PasswordProtected = int(n)
		case field == fieldLastUpdated:
			snap.LastUpdated = time.UnixMilli(n)
		case strings.HasPrefix(field, viewsPrefix):
			if limit, err := strconv.Atoi(strings.TrimPrefix(field, viewsPrefix)); err == nil {
				snap.ViewLimitBreakdown[limit] = int(n)
			}
		case strings.HasPrefix(field, hoursPrefix):
			if hours, err := strconv.Atoi(strings.TrimPrefix(field, hoursPrefix)); err == nil {
				snap.ExpirationHoursBreakdown[hours] = int(n)
			}
		}
	}

	for i, day := range days {
		vals := daily[i].Val()
		created, _ := strconv.Atoi(vals[fieldCreated])
		viewed, _ := strconv.Atoi(vals[fieldViewed])
		snap.Daily = append(snap.Daily, Day{Date: day, Created: created, Viewed: viewed})
	}

	return snap, nil
}

func (r *RedisRecorder) incrDaily(ctx context.Context, pipe redis.Pipeliner, now time.Time, field string) {
	key := dailyPrefix + dayKey(now)
	pipe.HIncrBy(ctx, key, field, 1)
	pipe.Expire(ctx, key, dailyRetention)
}
