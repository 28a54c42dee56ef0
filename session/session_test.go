package session

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatehand/internal/util"
	"github.com/jmcleod/gatehand/storage"
	"github.com/jmcleod/gatehand/storage/memory"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, opts ...Option) (*Store, *memory.Repository, *clockwork.FakeClock) {
	t.Helper()
	repo := memory.NewRepository()
	clock := clockwork.NewFakeClockAt(epoch)
	s, err := NewStore(repo, append([]Option{WithClock(clock)}, opts...)...)
	require.NoError(t, err)
	return s, repo, clock
}

func TestEncodeToken(t *testing.T) {
	token, err := GenerateToken()
	require.NoError(t, err)

	id := EncodeToken(token)
	assert.Equal(t, id, EncodeToken(token), "encoding must be deterministic")
	assert.NotEqual(t, token, id)
	assert.Len(t, id, 64)
	assert.NotContains(t, id, token)

	other, err := GenerateToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
	assert.NotEqual(t, id, EncodeToken(other))
}

func TestCreateSession(t *testing.T) {
	s, repo, _ := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "raw-token", []byte("upstream"), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, EncodeToken("raw-token"), sess.ID)
	assert.Equal(t, epoch.Add(Lifetime), sess.ExpiresAt.UTC())
	assert.Equal(t, Lifetime, sess.MaxAge(epoch))

	rec, err := repo.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(Lifetime).Unix(), rec.ExpiresAt)
	assert.Zero(t, rec.NotAfter)
	assert.Equal(t, []byte("upstream"), rec.Payload)

	_, err = repo.Get(ctx, "raw-token")
	assert.ErrorIs(t, err, storage.ErrNotFound, "raw token must never be a key")
}

func TestCreateSessionClampsToUpstreamCeiling(t *testing.T) {
	s, repo, _ := newTestStore(t)
	ctx := context.Background()

	notAfter := epoch.Add(2 * time.Hour)
	sess, err := s.CreateSession(ctx, "tok", nil, notAfter)
	require.NoError(t, err)
	assert.Equal(t, notAfter, sess.ExpiresAt.UTC())
	assert.Equal(t, 2*time.Hour, sess.MaxAge(epoch))

	rec, err := repo.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, notAfter.Unix(), rec.ExpiresAt)
	assert.Equal(t, notAfter.Unix(), rec.NotAfter)
}

func TestValidateSessionToken(t *testing.T) {
	ctx := context.Background()

	t.Run("Missing", func(t *testing.T) {
		s, _, _ := newTestStore(t)
		sess, ok, err := s.ValidateSessionToken(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, sess)
	})

	t.Run("FreshSessionUnchanged", func(t *testing.T) {
		s, _, clock := newTestStore(t)
		created, err := s.CreateSession(ctx, "tok", []byte("u"), time.Time{})
		require.NoError(t, err)

		clock.Advance(14 * 24 * time.Hour)
		sess, ok, err := s.ValidateSessionToken(ctx, "tok")
		require.NoError(t, err)
		require.True(t, ok)
		assert.False(t, sess.Renewed)
		assert.Equal(t, created.ExpiresAt, sess.ExpiresAt)
		assert.Equal(t, []byte("u"), sess.Upstream)
	})

	t.Run("RenewedInsideWindow", func(t *testing.T) {
		s, repo, clock := newTestStore(t)
		_, err := s.CreateSession(ctx, "tok", nil, time.Time{})
		require.NoError(t, err)

		clock.Advance(16 * 24 * time.Hour)
		sess, ok, err := s.ValidateSessionToken(ctx, "tok")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, sess.Renewed)
		assert.Equal(t, clock.Now().Add(Lifetime).Unix(), sess.ExpiresAt.Unix())

		rec, err := repo.Get(ctx, EncodeToken("tok"))
		require.NoError(t, err)
		assert.Equal(t, sess.ExpiresAt.Unix(), rec.ExpiresAt, "renewal must be persisted")
	})

	t.Run("ExpiredIsDeleted", func(t *testing.T) {
		s, repo, clock := newTestStore(t)
		_, err := s.CreateSession(ctx, "tok", nil, time.Time{})
		require.NoError(t, err)

		clock.Advance(Lifetime)
		sess, ok, err := s.ValidateSessionToken(ctx, "tok")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, sess)
		assert.Equal(t, 0, repo.Len(), "expired rows must be deleted, not marked")
	})

	t.Run("CeilingStopsRenewal", func(t *testing.T) {
		s, _, clock := newTestStore(t)
		notAfter := epoch.Add(time.Hour)
		_, err := s.CreateSession(ctx, "tok", nil, notAfter)
		require.NoError(t, err)

		clock.Advance(30 * time.Minute)
		sess, ok, err := s.ValidateSessionToken(ctx, "tok")
		require.NoError(t, err)
		require.True(t, ok)
		assert.False(t, sess.Renewed)
		assert.Equal(t, notAfter, sess.ExpiresAt.UTC())
		assert.Equal(t, notAfter, sess.NotAfter.UTC())

		clock.Advance(30 * time.Minute)
		_, ok, err = s.ValidateSessionToken(ctx, "tok")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("CeilingClampsRenewal", func(t *testing.T) {
		s, _, clock := newTestStore(t)
		notAfter := epoch.Add(40 * 24 * time.Hour)
		_, err := s.CreateSession(ctx, "tok", nil, notAfter)
		require.NoError(t, err)

		clock.Advance(20 * 24 * time.Hour)
		sess, ok, err := s.ValidateSessionToken(ctx, "tok")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, sess.Renewed)
		assert.Equal(t, notAfter, sess.ExpiresAt.UTC())
	})
}

func TestInvalidateSession(t *testing.T) {
	s, repo, _ := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "tok", nil, time.Time{})
	require.NoError(t, err)

	require.NoError(t, s.InvalidateSession(ctx, sess.ID))
	assert.Equal(t, 0, repo.Len())

	_, ok, err := s.ValidateSessionToken(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, s.InvalidateSession(ctx, sess.ID), "invalidate must be idempotent")
}

func TestSealedPayload(t *testing.T) {
	ctx := context.Background()
	key, err := util.NewAESKey()
	require.NoError(t, err)

	orig := bytes.Clone(key)

	s, repo, _ := newTestStore(t, WithSealingKey(key))
	assert.Equal(t, orig, key, "the caller's key is copied, not wiped")
	require.NotNil(t, s.sealingKey)
	assert.Equal(t, sealingKeyLength, s.sealingKey.Size())
	assert.Nil(t, s.rawKey)

	sess, err := s.CreateSession(ctx, "tok", []byte(`[{"name":"sid","value":"secret"}]`), time.Time{})
	require.NoError(t, err)

	rec, err := repo.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(rec.Payload), "secret"), "payload must be sealed at rest")

	got, ok, err := s.ValidateSessionToken(ctx, "tok")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `[{"name":"sid","value":"secret"}]`, string(got.Upstream))

	t.Run("SameKeyOtherStore", func(t *testing.T) {
		other, err := NewStore(repo, WithSealingKey(key), WithClock(clockwork.NewFakeClockAt(epoch)))
		require.NoError(t, err)

		got, ok, err := other.ValidateSessionToken(ctx, "tok")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, `[{"name":"sid","value":"secret"}]`, string(got.Upstream))
	})

	t.Run("WrongKeyIsCorrupt", func(t *testing.T) {
		otherKey, err := util.NewAESKey()
		require.NoError(t, err)
		other, err := NewStore(repo, WithSealingKey(otherKey), WithClock(clockwork.NewFakeClockAt(epoch)))
		require.NoError(t, err)

		_, ok, err := other.ValidateSessionToken(ctx, "tok")
		assert.ErrorIs(t, err, ErrCorruptSession)
		assert.False(t, ok)
		assert.Equal(t, 0, repo.Len(), "corrupt rows must be removed")
	})
}

func TestNewStoreRejectsBadSealingKey(t *testing.T) {
	_, err := NewStore(memory.NewRepository(), WithSealingKey([]byte("short")))
	assert.Error(t, err)
}

type failingRepo struct {
	storage.Repository
	err error
}

func (f failingRepo) Get(context.Context, string) (*storage.Record, error) { return nil, f.err }
func (f failingRepo) Put(context.Context, *storage.Record) error           { return f.err }
func (f failingRepo) Delete(context.Context, string) error                 { return f.err }

func TestStorageErrorsPropagate(t *testing.T) {
	ioErr := errors.New("disk on fire")
	s, err := NewStore(failingRepo{err: ioErr})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.CreateSession(ctx, "tok", nil, time.Time{})
	assert.ErrorIs(t, err, ioErr)

	_, _, err = s.ValidateSessionToken(ctx, "tok")
	assert.ErrorIs(t, err, ioErr)

	assert.ErrorIs(t, s.InvalidateSession(ctx, "id"), ioErr)
}
