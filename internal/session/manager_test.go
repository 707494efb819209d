package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUser = "admin@oneclick.example"
	testPass = "s3cret"
)

var (
	codecOnce sync.Once
	codecA    *Codec
	codecB    *Codec
)

// testCodecs derives the keys once; key derivation is deliberately slow.
func testCodecs(t *testing.T) (*Codec, *Codec) {
	t.Helper()
	codecOnce.Do(func() {
		var err error
		codecA, err = NewCodec("first secret")
		require.NoError(t, err)
		codecB, err = NewCodec("second secret")
		require.NoError(t, err)
	})
	return codecA, codecB
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, store Store, clock *fakeClock) *Manager {
	t.Helper()
	codec, _ := testCodecs(t)
	return NewManager(Credential{Username: testUser, Password: testPass}, codec, store, zerolog.Nop(), WithClock(clock.Now))
}

func TestLoginRejectsWithGenericMessage(t *testing.T) {
	cases := []struct {
		name, user, pass string
	}{
		{"both wrong", "wrong", "wrong"},
		{"user wrong", "wrong", testPass},
		{"password wrong", testUser, "wrong"},
		{"case differs", "ADMIN@oneclick.example", testPass},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := NewMemoryStore()
			m := newTestManager(t, store, &fakeClock{t: time.Now()})
			res := m.Login(context.Background(), tc.user, tc.pass)
			assert.Equal(t, LoginResult{Success: false, Message: "Invalid credentials"}, res)
			assert.Zero(t, store.Len())
			assert.False(t, m.Authenticated())
		})
	}
}

func TestLoginRequiresBothFields(t *testing.T) {
	m := newTestManager(t, NewMemoryStore(), &fakeClock{t: time.Now()})
	assert.Equal(t, MsgRequired, m.Login(context.Background(), "", testPass).Message)
	assert.Equal(t, MsgRequired, m.Login(context.Background(), testUser, "").Message)
}

func TestLoginThenCheckAuth(t *testing.T) {
	store := NewMemoryStore()
	m := newTestManager(t, store, &fakeClock{t: time.Now()})

	res := m.Login(context.Background(), testUser, testPass)
	require.True(t, res.Success)
	assert.Equal(t, MsgLoginOK, res.Message)
	assert.Equal(t, 2, store.Len())

	// Stored values are ciphertext, never the marker or claims.
	flag, ok, err := store.Get(context.Background(), AuthKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, "true", flag)

	assert.True(t, m.CheckAuth(context.Background()))
	assert.True(t, m.Authenticated())
	assert.NotEmpty(t, m.Token())
}

func TestCheckAuthSurvivesNewManager(t *testing.T) {
	store := NewMemoryStore()
	clock := &fakeClock{t: time.Now()}
	require.True(t, newTestManager(t, store, clock).Login(context.Background(), testUser, testPass).Success)

	// A fresh manager over the same slot stands in for a page reload.
	reloaded := newTestManager(t, store, clock)
	assert.False(t, reloaded.Authenticated())
	assert.True(t, reloaded.CheckAuth(context.Background()))
}

func TestCheckAuthExpiry(t *testing.T) {
	store := NewMemoryStore()
	clock := &fakeClock{t: time.Now()}
	m := newTestManager(t, store, clock)
	require.True(t, m.Login(context.Background(), testUser, testPass).Success)

	clock.Advance(TokenTTL - time.Minute)
	assert.True(t, m.CheckAuth(context.Background()))

	clock.Advance(time.Minute)
	assert.False(t, m.CheckAuth(context.Background()))
	assert.Zero(t, store.Len())
	assert.False(t, m.CheckAuth(context.Background()))
}

func TestCheckAuthRejectsManufacturedStaleToken(t *testing.T) {
	ctx := context.Background()
	codec, _ := testCodecs(t)
	store := NewMemoryStore()
	now := time.Now()

	token, err := codec.IssueToken(testUser, now.Add(-25*time.Hour))
	require.NoError(t, err)
	put(t, store, codec, SessionKey, token)
	put(t, store, codec, AuthKey, authMarker)

	m := newTestManager(t, store, &fakeClock{t: now})
	assert.False(t, m.CheckAuth(ctx))
	assert.Zero(t, store.Len())
	assert.False(t, m.CheckAuth(ctx))
}

func TestCheckAuthRejectsTampering(t *testing.T) {
	ctx := context.Background()
	codec, other := testCodecs(t)
	now := time.Now()

	fresh := func(c *Codec, subject string) string {
		tok, err := c.IssueToken(subject, now)
		require.NoError(t, err)
		return tok
	}

	cases := []struct {
		name  string
		setup func(*MemoryStore)
	}{
		{"corrupted token", func(s *MemoryStore) {
			require.NoError(t, s.Set(ctx, SessionKey, "not-a-ciphertext"))
			put(t, s, codec, AuthKey, authMarker)
		}},
		{"corrupted flag", func(s *MemoryStore) {
			put(t, s, codec, SessionKey, fresh(codec, testUser))
			require.NoError(t, s.Set(ctx, AuthKey, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"))
		}},
		{"wrong secret key", func(s *MemoryStore) {
			put(t, s, other, SessionKey, fresh(other, testUser))
			put(t, s, other, AuthKey, authMarker)
		}},
		{"inner token under wrong key", func(s *MemoryStore) {
			put(t, s, codec, SessionKey, fresh(other, testUser))
			put(t, s, codec, AuthKey, authMarker)
		}},
		{"flag not true", func(s *MemoryStore) {
			put(t, s, codec, SessionKey, fresh(codec, testUser))
			put(t, s, codec, AuthKey, "false")
		}},
		{"foreign subject", func(s *MemoryStore) {
			put(t, s, codec, SessionKey, fresh(codec, "intruder"))
			put(t, s, codec, AuthKey, authMarker)
		}},
		{"token only", func(s *MemoryStore) {
			put(t, s, codec, SessionKey, fresh(codec, testUser))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := NewMemoryStore()
			tc.setup(store)
			m := newTestManager(t, store, &fakeClock{t: now})
			assert.False(t, m.CheckAuth(ctx))
			assert.Zero(t, store.Len(), "no entries may remain")
			assert.False(t, m.CheckAuth(ctx))
		})
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := newTestManager(t, store, &fakeClock{t: time.Now()})
	require.True(t, m.Login(ctx, testUser, testPass).Success)

	m.Logout(ctx)
	m.Logout(ctx)
	assert.Zero(t, store.Len())
	assert.False(t, m.Authenticated())
	assert.Empty(t, m.Token())
	assert.False(t, m.CheckAuth(ctx))
}

type failingStore struct {
	*MemoryStore
	failKey string
}

func (f failingStore) Set(ctx context.Context, key, value string) error {
	if key == f.failKey {
		return errors.New("disk full")
	}
	return f.MemoryStore.Set(ctx, key, value)
}

type undeletableStore struct {
	*MemoryStore
}

func (undeletableStore) Delete(context.Context, ...string) error {
	return errors.New("store offline")
}

func TestLogoutReportsStoreFailure(t *testing.T) {
	ctx := context.Background()
	codec, _ := testCodecs(t)
	var logs bytes.Buffer
	m := NewManager(Credential{Username: testUser, Password: testPass}, codec, undeletableStore{NewMemoryStore()}, zerolog.New(&logs))
	require.True(t, m.Login(ctx, testUser, testPass).Success)

	m.Logout(ctx)
	assert.False(t, m.Authenticated())
	assert.Contains(t, logs.String(), "remove session entries")
}

func TestLoginStoreFailureLeavesNothing(t *testing.T) {
	mem := NewMemoryStore()
	m := newTestManager(t, failingStore{MemoryStore: mem, failKey: AuthKey}, &fakeClock{t: time.Now()})

	res := m.Login(context.Background(), testUser, testPass)
	assert.Equal(t, LoginResult{Message: MsgStoreFailed}, res)
	assert.Zero(t, mem.Len())
	assert.False(t, m.Authenticated())
}

func TestSessionsAreScoped(t *testing.T) {
	ctx := context.Background()
	codec, _ := testCodecs(t)
	store := NewMemoryStore()
	sessions := NewSessions(Credential{Username: testUser, Password: testPass}, codec, store, zerolog.Nop())

	require.True(t, sessions.For("tab-1").Login(ctx, testUser, testPass).Success)
	assert.True(t, sessions.For("tab-1").CheckAuth(ctx))
	assert.False(t, sessions.For("tab-2").CheckAuth(ctx))

	sessions.For("tab-1").Logout(ctx)
	assert.Zero(t, store.Len())
}

func put(t *testing.T, store Store, codec *Codec, key, plaintext string) {
	t.Helper()
	sealed, err := codec.Seal([]byte(plaintext))
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), key, sealed))
}
