// redis.go
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"secret.vault/internal/crypto"
	"secret.vault/internal/models"
)

var _ Store = (*RedisStore)(nil)

const keyPrefix = "secret:"

// Hash fields of a stored secret.
const (
	fieldCiphertext = "ct"
	fieldNonce      = "nonce"
	fieldPassword   = "pwh"
	fieldHours      = "hours"
	fieldLimit      = "limit"
	fieldCount      = "count"
	fieldEmail      = "email"
	fieldExpiresAt  = "exp"
	fieldCreatedAt  = "created"
)

type RedisStore struct {
	client   *redis.Client
	db       int
	now      Clock
	onExpire ExpiryHook
	log      zerolog.Logger

	watchCancel context.CancelFunc
	watchDone   sync.WaitGroup
}

func NewRedisStore(redisOpts *redis.Options, opts ...Option) (*RedisStore, error) {
	client := redis.NewClient(redisOpts)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	o := buildOptions(opts)
	return &RedisStore{
		client:   client,
		db:       redisOpts.DB,
		now:      o.now,
		onExpire: o.onExpire,
		log:      o.log,
	}, nil
}

// Client exposes the underlying connection so other components (stats)
// can share it.
func (r *RedisStore) Client() *redis.Client {
	return r.client
}

// insertScript writes the hash and its expiry in one step and refuses to
// overwrite an existing id.
var insertScript = redis.NewScript(`
	local key = KEYS[1]
	if redis.call('EXISTS', key) == 1 then
		return 0
	end
	local expireAt = ARGV[1]
	local fields = {}
	for i = 2, #ARGV do
		fields[#fields + 1] = ARGV[i]
	end
	redis.call('HSET', key, unpack(fields))
	redis.call('PEXPIREAT', key, expireAt)
	return 1
`)

func (r *RedisStore) Insert(ctx context.Context, secret *models.Secret) (string, error) {
	if !r.now().Before(secret.ExpiresAt) {
		return "", ErrExpired
	}

	generated := secret.ID == ""
	for attempt := 0; attempt < 3; attempt++ {
		if generated {
			secret.ID = crypto.GenerateID()
		}

		args := append([]any{secret.ExpiresAt.UnixMilli()}, encodeFields(secret)...)
		ok, err := insertScript.Run(ctx, r.client, []string{secretKey(secret.ID)}, args...).Int()
		if err != nil {
			return "", fmt.Errorf("inserting secret: %w", err)
		}
		if ok == 1 {
			return secret.ID, nil
		}
		if !generated {
			return "", fmt.Errorf("%w: %s", ErrDuplicateID, models.IDPrefix(secret.ID))
		}
	}

	return "", errors.New("could not allocate a unique secret id")
}

func (r *RedisStore) FetchForCheck(ctx context.Context, id string) (*models.Secret, error) {
	fields, err := r.client.HGetAll(ctx, secretKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	secret, err := decodeFields(id, fields)
	if err != nil {
		return nil, err
	}

	// Redis expiry has millisecond resolution and is lazy on access, so
	// the timestamp is checked here too.
	if !secret.Readable(r.now()) {
		return nil, ErrNotFound
	}

	return secret, nil
}

const (
	revealMissing   = 0
	revealExpired   = 1
	revealExhausted = 2
	revealOK        = 3
)

// revealScript is the whole increment-or-delete step. Redis runs scripts
// atomically so concurrent reveals of one id are serialized.
var revealScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local meta = redis.call('HMGET', key, 'exp', 'limit', 'count')
	if not meta[1] then
		return {0}
	end
	local exp = tonumber(meta[1])
	local limit = tonumber(meta[2])
	local count = tonumber(meta[3])
	if now >= exp then
		redis.call('DEL', key)
		return {1}
	end
	if count >= limit then
		redis.call('DEL', key)
		return {2}
	end
	local record = redis.call('HGETALL', key)
	if count + 1 >= limit then
		redis.call('DEL', key)
	else
		redis.call('HINCRBY', key, 'count', 1)
	end
	return {3, record}
`)

func (r *RedisStore) RevealMutate(ctx context.Context, id string) (*RevealResult, error) {
	reply, err := revealScript.Run(ctx, r.client, []string{secretKey(id)}, r.now().UnixMilli()).Slice()
	if err != nil {
		return nil, fmt.Errorf("reveal script: %w", err)
	}
	if len(reply) == 0 {
		return nil, errors.New("reveal script: empty reply")
	}

	code, ok := reply[0].(int64)
	if !ok {
		return nil, fmt.Errorf("reveal script: unexpected status %T", reply[0])
	}

	switch code {
	case revealMissing:
		return nil, ErrNotFound
	case revealExpired:
		if r.onExpire != nil {
			r.onExpire(ctx, id)
		}
		return nil, ErrNotFound
	case revealExhausted:
		return nil, ErrExhausted
	case revealOK:
	default:
		return nil, fmt.Errorf("reveal script: unknown status %d", code)
	}

	if len(reply) < 2 {
		return nil, errors.New("reveal script: missing record")
	}
	flat, ok := reply[1].([]any)
	if !ok {
		return nil, fmt.Errorf("reveal script: unexpected record %T", reply[1])
	}

	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		fields[k] = v
	}

	secret, err := decodeFields(id, fields)
	if err != nil {
		return nil, err
	}
	return newRevealResult(secret), nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, secretKey(id)).Err()
}

// WatchExpirations reports keys Redis removed through TTL to the expiry
// hook. It needs keyspace notifications, which it tries to enable.
func (r *RedisStore) WatchExpirations(ctx context.Context) error {
	if r.onExpire == nil {
		return nil
	}

	if err := r.client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		// Managed instances often forbid CONFIG; they may already be set up.
		r.log.Warn().Err(err).Msg("could not enable keyspace expiry notifications")
	}

	channel := fmt.Sprintf("__keyevent@%d__:expired", r.db)
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribing to %s: %w", channel, err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	r.watchCancel = cancel
	r.watchDone.Add(1)

	go func() {
		defer r.watchDone.Done()
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-watchCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if id, found := strings.CutPrefix(msg.Payload, keyPrefix); found {
					r.onExpire(watchCtx, id)
				}
			}
		}
	}()

	return nil
}

func (r *RedisStore) Close() error {
	if r.watchCancel != nil {
		r.watchCancel()
		r.watchDone.Wait()
	}
	return r.client.Close()
}

// Helpers

func secretKey(id string) string {
	return keyPrefix + id
}

func encodeFields(secret *models.Secret) []any {
	return []any{
		fieldCiphertext, secret.Ciphertext,
		fieldNonce, secret.Nonce,
		fieldPassword, secret.PasswordHash,
		fieldHours, secret.ExpirationHours,
		fieldLimit, secret.ViewLimit,
		fieldCount, secret.ViewCount,
		fieldEmail, secret.NotifyEmail,
		fieldExpiresAt, secret.ExpiresAt.UnixMilli(),
		fieldCreatedAt, secret.CreatedAt.UnixMilli(),
	}
}

func decodeFields(id string, fields map[string]string) (*models.Secret, error) {
	ints := make(map[string]int64, 5)
	for _, name := range []string{fieldHours, fieldLimit, fieldCount, fieldExpiresAt, fieldCreatedAt} {
		n, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decoding secret %s field %s: %w", models.IDPrefix(id), name, err)
		}
		ints[name] = n
	}

	return &models.Secret{
		ID:              id,
		Ciphertext:      []byte(fields[fieldCiphertext]),
		Nonce:           []byte(fields[fieldNonce]),
		PasswordHash:    fields[fieldPassword],
		ExpirationHours: int(ints[fieldHours]),
		ViewLimit:       int(ints[fieldLimit]),
		ViewCount:       int(ints[fieldCount]),
		NotifyEmail:     fields[fieldEmail],
		ExpiresAt:       time.UnixMilli(ints[fieldExpiresAt]),
		CreatedAt:       time.UnixMilli(ints[fieldCreatedAt]),
	}, nil
}
