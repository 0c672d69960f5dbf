package store

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"secret.vault/internal/models"
)

var (
	// ErrNotFound covers unknown, expired and destroyed ids alike.
	ErrNotFound = errors.New("secret not found")
	// ErrExhausted is returned when a stored record already used its view
	// budget. Records are deleted on their last view so this should not
	// happen in practice.
	ErrExhausted = errors.New("secret has reached maximum views")
	ErrExpired   = errors.New("secret has expired")
	ErrClosed    = errors.New("store is closed")
	// ErrDuplicateID is returned when Insert is given an id that is
	// already stored.
	ErrDuplicateID = errors.New("secret id already exists")
)

// RevealResult is the record as it was before the view was consumed.
type RevealResult struct {
	Secret         *models.Secret
	RemainingViews int
	IsLastView     bool
}

type Store interface {
	Insert(ctx context.Context, secret *models.Secret) (id string, err error)
	FetchForCheck(ctx context.Context, id string) (*models.Secret, error)
	// RevealMutate consumes one view in a single atomic step and deletes
	// the record when that was the last one.
	RevealMutate(ctx context.Context, id string) (*RevealResult, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// ExpiryHook is told about every record removed because its expiry passed.
type ExpiryHook func(ctx context.Context, id string)

// Clock lets tests move time forward.
type Clock func() time.Time

type options struct {
	now      Clock
	onExpire ExpiryHook
	log      zerolog.Logger
}

type Option func(*options)

func WithClock(now Clock) Option {
	return func(o *options) { o.now = now }
}

func WithExpiryHook(hook ExpiryHook) Option {
	return func(o *options) { o.onExpire = hook }
}

func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newRevealResult(before *models.Secret) *RevealResult {
	after := before.ViewCount + 1
	remaining := max(before.ViewLimit-after, 0)
	return &RevealResult{
		Secret:         before,
		RemainingViews: remaining,
		IsLastView:     after >= before.ViewLimit,
	}
}
