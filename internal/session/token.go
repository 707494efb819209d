package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/pbkdf2"

	"github.com/example/oneclick/internal/common"
)

const (
	nonceSize        = 24
	keyDerivationRun = 100000
	// keySalt is fixed so the same secret key opens tokens across restarts.
	keySalt = "oneclick/session-token/v1"
)

// Codec seals and opens values with a key derived from the configured
// secret. Any failure to open is reported as a token_invalid error.
type Codec struct {
	key [32]byte
}

func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, &common.Error{Kind: common.KindConfig, Op: "session codec", Msg: "secret key is empty"}
	}
	var c Codec
	copy(c.key[:], pbkdf2.Key([]byte(secret), []byte(keySalt), keyDerivationRun, 32, sha256.New))
	return &c, nil
}

// Seal returns base64(nonce || secretbox(plaintext)).
func (c *Codec) Seal(plaintext []byte) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	out := secretbox.Seal(nonce[:], plaintext, &nonce, &c.key)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

func (c *Codec) Open(sealed string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return nil, invalid("ciphertext is not base64", err)
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return nil, invalid("ciphertext too short", nil)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	out, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &c.key)
	if !ok {
		return nil, invalid("message authentication failed", nil)
	}
	return out, nil
}

type Claims struct {
	Subject  string `json:"sub"`
	IssuedAt int64  `json:"iat"`
	Nonce    string `json:"nonce"`
}

func (cl Claims) Issued() time.Time { return time.UnixMilli(cl.IssuedAt) }

// Validate requires the expected subject and an age strictly below ttl.
func (cl Claims) Validate(subject string, now time.Time, ttl time.Duration) error {
	if cl.Subject != subject {
		return invalid("subject mismatch", nil)
	}
	if now.Sub(cl.Issued()) >= ttl {
		return invalid("token expired", nil)
	}
	return nil
}

// IssueToken produces a fresh opaque token for subject.
func (c *Codec) IssueToken(subject string, now time.Time) (string, error) {
	b, err := json.Marshal(Claims{Subject: subject, IssuedAt: now.UnixMilli(), Nonce: uuid.NewString()})
	if err != nil {
		return "", err
	}
	return c.Seal(b)
}

func (c *Codec) ParseToken(token string) (Claims, error) {
	b, err := c.Open(token)
	if err != nil {
		return Claims{}, err
	}
	var cl Claims
	if err := json.Unmarshal(b, &cl); err != nil {
		return Claims{}, invalid("malformed claims", err)
	}
	return cl, nil
}

func invalid(msg string, err error) error {
	if err == nil {
		err = errors.New(msg)
	}
	return &common.Error{Kind: common.KindTokenInvalid, Op: "session token", Msg: msg, Err: err}
}
