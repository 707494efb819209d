// Package session authenticates the single operator and keeps the resulting
// session in an encrypted pair of store entries.
package session

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/example/oneclick/internal/common"
)

const (
	AuthKey    = "oneclick_auth"
	SessionKey = "oneclick_session"
	TokenTTL   = 24 * time.Hour

	authMarker = "true"
)

const (
	MsgLoginOK         = "Login successful"
	MsgRequired        = "Username and password are required"
	MsgInvalid         = "Invalid credentials"
	MsgStoreFailed     = "Session could not be stored"
	MsgSessionInternal = "Session could not be created"
)

var loginCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "oneclick_logins_total",
	Help: "Login attempts by outcome",
}, []string{"outcome"})

type Credential struct {
	Username string
	Password string
}

type LoginResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type Option func(*options)

type options struct {
	now func() time.Time
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Sessions holds what every browser session shares: the identity, the
// codec and the backing store.
type Sessions struct {
	cred   Credential
	codec  *Codec
	store  Store
	now    func() time.Time
	logger zerolog.Logger
}

func NewSessions(cred Credential, codec *Codec, store Store, logger zerolog.Logger, opts ...Option) *Sessions {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Sessions{cred: cred, codec: codec, store: store, now: o.now, logger: logger}
}

// For returns the manager of one browser session.
func (s *Sessions) For(sid string) *Manager {
	return &Manager{
		cred:   s.cred,
		codec:  s.codec,
		store:  Scope(s.store, sid),
		now:    s.now,
		logger: s.logger.With().Str("sid", sid).Logger(),
	}
}

// Manager is the Anonymous/Authenticated state machine of one session. None
// of its methods return errors: every failure degrades to Anonymous.
type Manager struct {
	cred   Credential
	codec  *Codec
	store  Store
	now    func() time.Time
	logger zerolog.Logger

	mu            sync.Mutex
	authenticated bool
	token         string
}

func NewManager(cred Credential, codec *Codec, store Store, logger zerolog.Logger, opts ...Option) *Manager {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{cred: cred, codec: codec, store: store, now: o.now, logger: logger}
}

// Login compares both fields in constant time and always compares both, so
// the outcome does not reveal which one was wrong.
func (m *Manager) Login(ctx context.Context, username, password string) LoginResult {
	logger := common.WithContext(ctx, m.logger)
	if username == "" || password == "" {
		loginCounter.WithLabelValues("incomplete").Inc()
		return LoginResult{Message: MsgRequired}
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(m.cred.Username))
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(m.cred.Password))
	if userOK&passOK != 1 {
		loginCounter.WithLabelValues("rejected").Inc()
		logger.Info().Err(&common.Error{Kind: common.KindAuth, Op: "login", Msg: "credentials mismatch"}).Msg("login rejected")
		return LoginResult{Message: MsgInvalid}
	}

	token, err := m.codec.IssueToken(m.cred.Username, m.now())
	if err != nil {
		logger.Error().Err(err).Msg("issue session token")
		return LoginResult{Message: MsgSessionInternal}
	}
	sealedToken, err := m.codec.Seal([]byte(token))
	if err != nil {
		logger.Error().Err(err).Msg("seal session token")
		return LoginResult{Message: MsgSessionInternal}
	}
	sealedFlag, err := m.codec.Seal([]byte(authMarker))
	if err != nil {
		logger.Error().Err(err).Msg("seal auth flag")
		return LoginResult{Message: MsgSessionInternal}
	}

	if err := m.store.Set(ctx, SessionKey, sealedToken); err != nil {
		logger.Error().Err(err).Msg("store session token")
		m.Logout(ctx)
		return LoginResult{Message: MsgStoreFailed}
	}
	if err := m.store.Set(ctx, AuthKey, sealedFlag); err != nil {
		logger.Error().Err(err).Msg("store auth flag")
		m.Logout(ctx)
		return LoginResult{Message: MsgStoreFailed}
	}

	m.mu.Lock()
	m.authenticated, m.token = true, token
	m.mu.Unlock()
	loginCounter.WithLabelValues("accepted").Inc()
	logger.Info().Msg("operator logged in")
	return LoginResult{Success: true, Message: MsgLoginOK}
}

// CheckAuth reports whether the stored session is intact and fresh. Anything
// that fails to open or validate forces a Logout.
func (m *Manager) CheckAuth(ctx context.Context) bool {
	logger := common.WithContext(ctx, m.logger)

	sealedFlag, hasFlag, err := m.store.Get(ctx, AuthKey)
	if err != nil {
		logger.Error().Err(err).Msg("read auth flag")
		m.forget()
		return false
	}
	sealedToken, hasToken, err := m.store.Get(ctx, SessionKey)
	if err != nil {
		logger.Error().Err(err).Msg("read session token")
		m.forget()
		return false
	}
	if !hasFlag && !hasToken {
		m.forget()
		return false
	}
	if !hasFlag || !hasToken {
		logger.Warn().Bool("flag", hasFlag).Bool("token", hasToken).Msg("partial session state, clearing")
		m.Logout(ctx)
		return false
	}

	token, err := m.validate(sealedFlag, sealedToken)
	if err != nil {
		logger.Info().Err(err).Msg("session rejected")
		m.Logout(ctx)
		return false
	}

	m.mu.Lock()
	m.authenticated, m.token = true, token
	m.mu.Unlock()
	return true
}

func (m *Manager) validate(sealedFlag, sealedToken string) (string, error) {
	flag, err := m.codec.Open(sealedFlag)
	if err != nil {
		return "", err
	}
	if string(flag) != authMarker {
		return "", invalid("auth flag not set", nil)
	}
	token, err := m.codec.Open(sealedToken)
	if err != nil {
		return "", err
	}
	claims, err := m.codec.ParseToken(string(token))
	if err != nil {
		return "", err
	}
	if err := claims.Validate(m.cred.Username, m.now(), TokenTTL); err != nil {
		return "", err
	}
	return string(token), nil
}

// Logout is idempotent.
func (m *Manager) Logout(ctx context.Context) {
	m.forget()
	if err := m.store.Delete(ctx, AuthKey, SessionKey); err != nil {
		logger := common.WithContext(ctx, m.logger)
		logger.Error().Err(err).Msg("remove session entries")
	}
}

func (m *Manager) forget() {
	m.mu.Lock()
	m.authenticated, m.token = false, ""
	m.mu.Unlock()
}

func (m *Manager) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authenticated
}

// Token returns the current opaque session token, empty when anonymous.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}
