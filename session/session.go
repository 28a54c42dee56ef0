// Package session implements the credential store of the forward-auth
// service: session records keyed by a one-way hash of an opaque token, with
// lazy expiry and sliding renewal.
//
// The raw token only ever exists in the client's cookie. Records are looked
// up by EncodeToken(token), so a copy of the backing store does not yield
// usable session cookies.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/jonboulle/clockwork"

	"github.com/jmcleod/gatehand/internal/util"
	"github.com/jmcleod/gatehand/storage"
)

const (
	// Lifetime is the hard cap on a session's remaining validity.
	Lifetime = 30 * 24 * time.Hour
	// RenewalWindow is how close to expiry a session must be before a
	// validation extends it.
	RenewalWindow = 15 * 24 * time.Hour

	tokenBytes       = 20
	payloadAADPrefix = "session:"
	sealingKeyLength = util.AESKeySize
)

// ErrCorruptSession is returned by ValidateSessionToken when a record exists
// but its payload cannot be opened. The record has already been removed.
var ErrCorruptSession = errors.New("corrupt session payload")

// errSealingKey reports that the sealing key enclave could not be opened. It
// is a process fault, not a property of the stored record.
var errSealingKey = errors.New("opening sealing key enclave")

// Session is a validated session.
type Session struct {
	// ID is the hashed token; safe to log and to pass to InvalidateSession.
	ID        string
	ExpiresAt time.Time
	// NotAfter is the upstream ceiling; zero when there is none.
	NotAfter time.Time
	// Upstream is the plaintext serialized upstream cookie set.
	Upstream []byte
	// Renewed reports whether this validation extended ExpiresAt.
	Renewed bool
}

// MaxAge returns the remaining lifetime of s relative to now, rounded down
// to whole seconds.
func (s *Session) MaxAge(now time.Time) time.Duration {
	d := s.ExpiresAt.Sub(now).Truncate(time.Second)
	if d < 0 {
		return 0
	}
	return d
}

// Store is the credential store.
type Store struct {
	repo  storage.Repository
	clock clockwork.Clock

	rawKey     []byte
	sealingKey *memguard.Enclave
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for expiry decisions.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// WithSealingKey enables at-rest encryption of upstream payloads. The key
// must be 32 bytes. NewStore moves a copy into an encrypted enclave; the
// caller's slice is left untouched.
func WithSealingKey(key []byte) Option {
	return func(s *Store) {
		s.rawKey = append([]byte(nil), key...)
	}
}

// NewStore returns a Store persisting to repo.
func NewStore(repo storage.Repository, opts ...Option) (*Store, error) {
	s := &Store{
		repo:  repo,
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rawKey != nil {
		if len(s.rawKey) != sealingKeyLength {
			return nil, fmt.Errorf("sealing key must be exactly %d bytes, got %d", sealingKeyLength, len(s.rawKey))
		}
		// NewEnclave wipes rawKey.
		s.sealingKey = memguard.NewEnclave(s.rawKey)
		s.rawKey = nil
	}
	return s, nil
}

// GenerateToken returns a fresh random session token.
func GenerateToken() (string, error) {
	return util.RandomToken(tokenBytes)
}

// EncodeToken returns the session id for a raw token. It is deterministic
// and one-way.
func EncodeToken(token string) string {
	return util.SHA256Hex(token)
}

// expiry returns the expiry for a session touched at now, clamped to the
// upstream ceiling when there is one.
func expiry(now, notAfter time.Time) time.Time {
	exp := now.Add(Lifetime)
	if !notAfter.IsZero() && notAfter.Before(exp) {
		exp = notAfter
	}
	return time.Unix(exp.Unix(), 0)
}

// CreateSession persists a new session for token carrying the serialized
// upstream cookie set. notAfter is the absolute expiry of the shortest-lived
// upstream credential, or the zero time when there is none.
func (s *Store) CreateSession(ctx context.Context, token string, upstream []byte, notAfter time.Time) (*Session, error) {
	id := EncodeToken(token)
	now := s.clock.Now()
	sess := &Session{
		ID:        id,
		ExpiresAt: expiry(now, notAfter),
		NotAfter:  notAfter,
		Upstream:  append([]byte(nil), upstream...),
	}

	payload, err := s.seal(id, upstream)
	if err != nil {
		return nil, err
	}
	rec := &storage.Record{
		ID:        id,
		ExpiresAt: sess.ExpiresAt.Unix(),
		Payload:   payload,
	}
	if !notAfter.IsZero() {
		rec.NotAfter = notAfter.Unix()
	}
	if err := s.repo.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

// ValidateSessionToken looks up the session for token. It returns false when
// no session exists or the session has expired; expired records are deleted.
// A session within RenewalWindow of its expiry is extended and persisted
// before it is returned.
func (s *Store) ValidateSessionToken(ctx context.Context, token string) (*Session, bool, error) {
	id := EncodeToken(token)
	rec, err := s.repo.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading session: %w", err)
	}

	now := s.clock.Now()
	expiresAt := time.Unix(rec.ExpiresAt, 0)
	if !now.Before(expiresAt) {
		if err := s.InvalidateSession(ctx, id); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	upstream, err := s.open(id, rec.Payload)
	if errors.Is(err, errSealingKey) {
		return nil, false, err
	}
	if err != nil {
		if err := s.InvalidateSession(ctx, id); err != nil {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("%w: %v", ErrCorruptSession, err)
	}

	sess := &Session{
		ID:        id,
		ExpiresAt: expiresAt,
		Upstream:  upstream,
	}
	if rec.NotAfter != 0 {
		sess.NotAfter = time.Unix(rec.NotAfter, 0)
	}

	if expiresAt.Sub(now) <= RenewalWindow {
		renewed := expiry(now, sess.NotAfter)
		if renewed.After(expiresAt) {
			rec.ExpiresAt = renewed.Unix()
			if err := s.repo.Put(ctx, rec); err != nil {
				return nil, false, fmt.Errorf("renewing session: %w", err)
			}
			sess.ExpiresAt = renewed
			sess.Renewed = true
		}
	}
	return sess, true, nil
}

// InvalidateSession deletes the session with the given id. Deleting a
// session that does not exist is not an error.
func (s *Store) InvalidateSession(ctx context.Context, id string) error {
	err := s.repo.Delete(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("invalidating session: %w", err)
	}
	return nil
}

func (s *Store) seal(id string, upstream []byte) ([]byte, error) {
	if s.sealingKey == nil {
		return append([]byte(nil), upstream...), nil
	}
	key, err := s.sealingKey.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errSealingKey, err)
	}
	defer key.Destroy()
	return storage.SealPayload(key.Bytes(), upstream, []byte(payloadAADPrefix+id))
}

func (s *Store) open(id string, payload []byte) ([]byte, error) {
	if s.sealingKey == nil {
		return payload, nil
	}
	key, err := s.sealingKey.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errSealingKey, err)
	}
	defer key.Destroy()
	return storage.OpenPayload(key.Bytes(), payload, []byte(payloadAADPrefix+id))
}
