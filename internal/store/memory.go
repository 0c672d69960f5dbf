package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"secret.vault/internal/crypto"
	"secret.vault/internal/models"
)

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

// entry carries its own lock so reveals on different ids never contend.
type entry struct {
	mu      sync.Mutex
	secret  models.Secret
	deleted bool
}

type MemoryStore struct {
	entries       map[string]*entry
	mu            sync.RWMutex
	now           Clock
	onExpire      ExpiryHook
	log           zerolog.Logger
	cleanupCancel context.CancelFunc
	cleanupDone   chan struct{}
}

func NewMemoryStore(cleanupInterval time.Duration, opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	store := &MemoryStore{
		entries:       make(map[string]*entry),
		now:           o.now,
		onExpire:      o.onExpire,
		log:           o.log,
		cleanupCancel: cancel,
		cleanupDone:   make(chan struct{}),
	}
	go store.cleanupLoop(ctx, cleanupInterval)
	return store
}

func (s *MemoryStore) Insert(ctx context.Context, secret *models.Secret) (string, error) {
	if !s.now().Before(secret.ExpiresAt) {
		return "", ErrExpired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries == nil {
		return "", ErrClosed
	}

	generated := secret.ID == ""
	for attempt := 0; attempt < 3; attempt++ {
		if generated {
			secret.ID = crypto.GenerateID()
		}
		if _, taken := s.entries[secret.ID]; !taken {
			s.entries[secret.ID] = &entry{secret: cloneSecret(secret)}
			return secret.ID, nil
		}
		if !generated {
			return "", fmt.Errorf("%w: %s", ErrDuplicateID, models.IDPrefix(secret.ID))
		}
	}

	return "", errors.New("could not allocate a unique secret id")
}

func (s *MemoryStore) FetchForCheck(ctx context.Context, id string) (*models.Secret, error) {
	e := s.lookup(id)
	if e == nil {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Exhausted records are deleted on their last view, but be strict.
	if e.deleted || !e.secret.Readable(s.now()) {
		return nil, ErrNotFound
	}

	secret := cloneSecret(&e.secret)
	return &secret, nil
}

func (s *MemoryStore) RevealMutate(ctx context.Context, id string) (*RevealResult, error) {
	e := s.lookup(id)
	if e == nil {
		return nil, ErrNotFound
	}

	result, expired, err := s.revealLocked(id, e)
	if expired && s.onExpire != nil {
		s.onExpire(ctx, id)
	}
	return result, err
}

func (s *MemoryStore) revealLocked(id string, e *entry) (*RevealResult, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted {
		return nil, false, ErrNotFound
	}

	if !s.now().Before(e.secret.ExpiresAt) {
		s.remove(id, e)
		return nil, true, ErrNotFound
	}

	if e.secret.ViewCount >= e.secret.ViewLimit {
		s.remove(id, e)
		return nil, false, ErrExhausted
	}

	before := cloneSecret(&e.secret)
	result := newRevealResult(&before)

	e.secret.ViewCount++
	if result.IsLastView {
		s.remove(id, e)
	}

	return result, false, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	e := s.lookup(id)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.deleted {
		s.remove(id, e)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	if s.cleanupCancel != nil {
		s.cleanupCancel()
		<-s.cleanupDone
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = nil
	return nil
}

// Len counts records still held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// remove must be called with e.mu held. The deleted flag makes the removal
// visible to anyone already holding e before the map entry is gone.
func (s *MemoryStore) remove(id string, e *entry) {
	e.deleted = true
	e.secret.Ciphertext = nil
	e.secret.Nonce = nil

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries != nil && s.entries[id] == e {
		delete(s.entries, id)
	}
}

func (s *MemoryStore) cleanupLoop(ctx context.Context, interval time.Duration) {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep deletes every expired record and returns how many it removed.
func (s *MemoryStore) Sweep(ctx context.Context) int {
	s.mu.RLock()
	candidates := make(map[string]*entry, len(s.entries))
	for id, e := range s.entries {
		candidates[id] = e
	}
	s.mu.RUnlock()

	now := s.now()
	removed := 0
	for id, e := range candidates {
		e.mu.Lock()
		expired := !e.deleted && !now.Before(e.secret.ExpiresAt)
		if expired {
			s.remove(id, e)
		}
		e.mu.Unlock()

		if expired {
			removed++
			if s.onExpire != nil {
				s.onExpire(ctx, id)
			}
		}
	}

	if removed > 0 {
		s.log.Debug().Int("removed", removed).Msg("expired secrets swept")
	}
	return removed
}

func cloneSecret(s *models.Secret) models.Secret {
	c := *s
	c.Ciphertext = append([]byte(nil), s.Ciphertext...)
	c.Nonce = append([]byte(nil), s.Nonce...)
	return c
}
