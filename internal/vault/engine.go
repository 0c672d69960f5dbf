// Package vault is the secret lifecycle engine: it creates encrypted
// secrets and reveals them under the view and expiry rules.
package vault

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"secret.vault/internal/crypto"
	"secret.vault/internal/models"
	"secret.vault/internal/notify"
	"secret.vault/internal/stats"
	"secret.vault/internal/store"
)

type Cipher interface {
	Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error)
	Decrypt(ciphertext, nonce []byte) ([]byte, error)
}

type Verifier interface {
	Hash(password string) (string, error)
	Verify(password, hash string) bool
}

// TaskRunner runs side effects detached from the request.
type TaskRunner interface {
	Submit(task notify.Task) error
}

type Policy struct {
	AllowedExpirationHours []int
	AllowedViewLimits      []int
	DefaultExpirationHours int
	DefaultViewLimit       int
	MaxContentLength       int
	MinPasswordLength      int
	MaxPasswordLength      int
}

func DefaultPolicy() Policy {
	return Policy{
		AllowedExpirationHours: []int{1, 6, 24, 168},
		AllowedViewLimits:      []int{1, 3, 5, 10},
		DefaultExpirationHours: 24,
		DefaultViewLimit:       1,
		MaxContentLength:       50000,
		MinPasswordLength:      4,
		MaxPasswordLength:      100,
	}
}

type Deps struct {
	Store    store.Store
	Cipher   Cipher
	Verifier Verifier
	Stats    stats.Recorder
	Notifier notify.Notifier
	Tasks    TaskRunner
	Clock    func() time.Time
	Log      zerolog.Logger
}

type Engine struct {
	store    store.Store
	cipher   Cipher
	verifier Verifier
	stats    stats.Recorder
	notifier notify.Notifier
	tasks    TaskRunner
	now      func() time.Time
	log      zerolog.Logger

	policy   Policy
	linkBase string
}

func New(policy Policy, linkBase string, deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Cipher == nil || deps.Verifier == nil {
		return nil, errors.New("vault: store, cipher and verifier are required")
	}

	e := &Engine{
		store:    deps.Store,
		cipher:   deps.Cipher,
		verifier: deps.Verifier,
		stats:    deps.Stats,
		notifier: deps.Notifier,
		tasks:    deps.Tasks,
		now:      deps.Clock,
		log:      deps.Log,
		policy:   policy,
		linkBase: linkBase,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.tasks == nil {
		e.tasks = goRunner{log: e.log}
	}
	return e, nil
}

type CreateInput struct {
	Content         string
	Password        string
	ExpirationHours int
	ViewLimit       int
	NotifyEmail     string
}

type CreateOutput struct {
	ID              string    `json:"id"`
	URL             string    `json:"url"`
	ExpiresAt       time.Time `json:"expires_at"`
	ExpirationHours int       `json:"expiration_hours"`
	ViewLimit       int       `json:"view_limit"`
	HasPassword     bool      `json:"has_password"`
}

func (e *Engine) Create(ctx context.Context, in CreateInput) (*CreateOutput, error) {
	if in.ExpirationHours == 0 {
		in.ExpirationHours = e.policy.DefaultExpirationHours
	}
	if in.ViewLimit == 0 {
		in.ViewLimit = e.policy.DefaultViewLimit
	}
	if err := e.validate(in); err != nil {
		return nil, err
	}

	ciphertext, nonce, err := e.cipher.Encrypt([]byte(in.Content))
	if err != nil {
		return nil, fmt.Errorf("encrypting secret: %w", err)
	}

	var passwordHash string
	if in.Password != "" {
		passwordHash, err = e.verifier.Hash(in.Password)
		if err != nil {
			return nil, fmt.Errorf("hashing password: %w", err)
		}
	}

	now := e.now()
	secret := &models.Secret{
		Ciphertext:      ciphertext,
		Nonce:           nonce,
		PasswordHash:    passwordHash,
		ExpirationHours: in.ExpirationHours,
		ViewLimit:       in.ViewLimit,
		NotifyEmail:     in.NotifyEmail,
		ExpiresAt:       now.Add(time.Duration(in.ExpirationHours) * time.Hour),
		CreatedAt:       now,
	}

	id, err := e.store.Insert(ctx, secret)
	if err != nil {
		return nil, fmt.Errorf("storing secret: %w", err)
	}

	e.log.Info().
		Str("secret", models.IDPrefix(id)).
		Int("view_limit", secret.ViewLimit).
		Int("expiration_hours", secret.ExpirationHours).
		Bool("password", secret.HasPassword()).
		Msg("secret created")

	if e.stats != nil {
		limit, hours, protected := secret.ViewLimit, secret.ExpirationHours, secret.HasPassword()
		e.detach("stats.created", func(ctx context.Context) error {
			return e.stats.RecordCreated(ctx, limit, hours, protected)
		})
	}

	return &CreateOutput{
		ID:              id,
		URL:             e.linkBase + "/s/" + id,
		ExpiresAt:       secret.ExpiresAt,
		ExpirationHours: secret.ExpirationHours,
		ViewLimit:       secret.ViewLimit,
		HasPassword:     secret.HasPassword(),
	}, nil
}

func (e *Engine) validate(in CreateInput) error {
	if in.Content == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidParameter)
	}
	if utf8.RuneCountInString(in.Content) > e.policy.MaxContentLength {
		return fmt.Errorf("%w: content is too long (max %d characters)", ErrInvalidParameter, e.policy.MaxContentLength)
	}
	if !slices.Contains(e.policy.AllowedExpirationHours, in.ExpirationHours) {
		return fmt.Errorf("%w: expiration must be one of %v hours", ErrInvalidParameter, e.policy.AllowedExpirationHours)
	}
	if !slices.Contains(e.policy.AllowedViewLimits, in.ViewLimit) {
		return fmt.Errorf("%w: view limit must be one of %v", ErrInvalidParameter, e.policy.AllowedViewLimits)
	}
	if in.Password != "" {
		n := utf8.RuneCountInString(in.Password)
		if n < e.policy.MinPasswordLength || n > e.policy.MaxPasswordLength {
			return fmt.Errorf("%w: password must be %d to %d characters", ErrInvalidParameter,
				e.policy.MinPasswordLength, e.policy.MaxPasswordLength)
		}
	}
	if in.NotifyEmail != "" {
		if _, err := mail.ParseAddress(in.NotifyEmail); err != nil {
			return fmt.Errorf("%w: notify email is not a valid address", ErrInvalidParameter)
		}
	}
	return nil
}

type CheckOutput struct {
	Exists         bool       `json:"exists"`
	HasPassword    bool       `json:"has_password"`
	ExpiresAt      *time.Time `json:"expires_at"`
	ViewLimit      int        `json:"view_limit"`
	ViewCount      int        `json:"view_count"`
	RemainingViews int        `json:"remaining_views"`
}

// Check reports metadata without consuming a view. Malformed, unknown and
// expired ids all produce the same empty answer.
func (e *Engine) Check(ctx context.Context, id string) (*CheckOutput, error) {
	if !crypto.ValidID(id) {
		return &CheckOutput{}, nil
	}

	secret, err := e.store.FetchForCheck(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &CheckOutput{}, nil
		}
		return nil, fmt.Errorf("checking secret: %w", err)
	}

	expiresAt := secret.ExpiresAt
	return &CheckOutput{
		Exists:         true,
		HasPassword:    secret.HasPassword(),
		ExpiresAt:      &expiresAt,
		ViewLimit:      secret.ViewLimit,
		ViewCount:      secret.ViewCount,
		RemainingViews: secret.RemainingViews(),
	}, nil
}

type RevealOutput struct {
	Content        string `json:"content"`
	RemainingViews int    `json:"remaining_views"`
	IsLastView     bool   `json:"is_last_view"`
}

// Reveal checks the password, consumes one view atomically and returns
// the decrypted content. A failed password check consumes nothing.
func (e *Engine) Reveal(ctx context.Context, id, password string) (*RevealOutput, error) {
	if !crypto.ValidID(id) {
		return nil, ErrNotFound
	}

	secret, err := e.store.FetchForCheck(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading secret: %w", err)
	}

	if secret.HasPassword() {
		if password == "" {
			return nil, fmt.Errorf("%w: password is required", ErrUnauthorized)
		}
		if !e.verifier.Verify(password, secret.PasswordHash) {
			e.log.Info().Str("secret", models.IDPrefix(id)).Msg("reveal rejected: invalid password")
			return nil, fmt.Errorf("%w: invalid password", ErrUnauthorized)
		}
	}

	result, err := e.store.RevealMutate(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, store.ErrExhausted):
			e.log.Warn().Str("secret", models.IDPrefix(id)).Msg("exhausted secret was still stored")
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("consuming view: %w", err)
	}

	plaintext, err := e.cipher.Decrypt(result.Secret.Ciphertext, result.Secret.Nonce)
	if err != nil {
		// The view is already spent; this is data corruption or a key change.
		e.log.Error().
			Err(err).
			Str("severity", "critical").
			Str("secret", models.IDPrefix(id)).
			Bool("last_view", result.IsLastView).
			Msg("decryption failed after view was consumed")
		return nil, ErrIntegrity
	}

	e.log.Info().
		Str("secret", models.IDPrefix(id)).
		Int("remaining_views", result.RemainingViews).
		Bool("last_view", result.IsLastView).
		Msg("secret revealed")

	e.afterReveal(id, result)

	return &RevealOutput{
		Content:        string(plaintext),
		RemainingViews: result.RemainingViews,
		IsLastView:     result.IsLastView,
	}, nil
}

func (e *Engine) afterReveal(id string, result *store.RevealResult) {
	if e.stats != nil {
		e.detach("stats.viewed", e.stats.RecordViewed)
	}

	email := result.Secret.NotifyEmail
	if email == "" || e.notifier == nil {
		return
	}
	view := notify.View{
		RemainingViews: result.RemainingViews,
		IsLastView:     result.IsLastView,
		ViewedAt:       e.now(),
	}
	prefix := models.IDPrefix(id)
	e.detach("notify", func(ctx context.Context) error {
		return e.notifier.Notify(ctx, email, prefix, view)
	})
}

func (e *Engine) detach(name string, run func(ctx context.Context) error) {
	if err := e.tasks.Submit(notify.Task{Name: name, Run: run}); err != nil {
		e.log.Warn().Err(err).Str("task", name).Msg("side effect not dispatched")
	}
}

// ExpiryRecorder builds the store hook that counts TTL deletions.
func ExpiryRecorder(rec stats.Recorder, tasks TaskRunner, log zerolog.Logger) store.ExpiryHook {
	if tasks == nil {
		tasks = goRunner{log: log}
	}
	return func(_ context.Context, id string) {
		log.Debug().Str("secret", models.IDPrefix(id)).Msg("secret expired")
		if rec == nil {
			return
		}
		if err := tasks.Submit(notify.Task{Name: "stats.expired", Run: rec.RecordExpired}); err != nil {
			log.Warn().Err(err).Msg("expiry not recorded")
		}
	}
}

// goRunner is the fallback when no dispatcher is wired.
type goRunner struct {
	log zerolog.Logger
}

func (g goRunner) Submit(task notify.Task) error {
	go g.run(task)
	return nil
}

func (g goRunner) run(task notify.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := task.Run(ctx); err != nil {
		g.log.Warn().Err(err).Str("task", task.Name).Msg("task failed")
	}
}
