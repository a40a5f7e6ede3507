// Package middleware provides endpoint processors for the flow API: a sealed
// cookie that tracks which flows a browser started, API security headers with
// CORS, and per-client rate limiting.
package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("middleware: malformed cookie")
	ErrCookieInvalid = errors.New("middleware: cookie failed authentication")
	ErrCookieConfig  = errors.New("middleware: invalid cookie configuration")
)

// KeySize is the length of a cookie sealing key.
const KeySize = chacha20poly1305.KeySize

// maxCookieLen bounds how much attacker-controlled data is decoded.
const maxCookieLen = 4096

// SealedCookie encrypts and authenticates CBOR-encoded values in a cookie.
//
// The value format is keyID "." base64url(nonce || ciphertext). Keys maps key
// ids to keys so old keys keep opening cookies after rotation; KeyID selects the
// sealing key. The cookie's name, path and secure flag are bound as additional
// data, so a value cannot be replayed under another cookie.
type SealedCookie struct {
	name     string
	path     string
	secure   bool
	sameSite http.SameSite

	keyID string
	aeads map[string]cipher.AEAD
}

// CookieOption configures a SealedCookie.
type CookieOption func(*SealedCookie)

// WithPath sets the cookie path. Default "/".
func WithPath(path string) CookieOption {
	return func(c *SealedCookie) {
		c.path = path
	}
}

// WithSecure sets the Secure attribute. Default true.
func WithSecure(secure bool) CookieOption {
	return func(c *SealedCookie) {
		c.secure = secure
	}
}

// WithSameSite sets the SameSite attribute. Default Lax, which lets the cookie
// ride along on the identity provider's redirect back to the callback.
func WithSameSite(s http.SameSite) CookieOption {
	return func(c *SealedCookie) {
		c.sameSite = s
	}
}

// NewSealedCookie creates a SealedCookie using XChaCha20-Poly1305.
func NewSealedCookie(name, keyID string, keys map[string][]byte, opts ...CookieOption) (*SealedCookie, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrCookieConfig)
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: key %q not found", ErrCookieConfig, keyID)
	}
	c := &SealedCookie{
		name:     name,
		path:     "/",
		secure:   true,
		sameSite: http.SameSiteLaxMode,
		keyID:    keyID,
		aeads:    make(map[string]cipher.AEAD, len(keys)),
	}
	for id, k := range keys {
		if strings.Contains(id, ".") {
			return nil, fmt.Errorf("%w: key id %q contains '.'", ErrCookieConfig, id)
		}
		aead, err := chacha20poly1305.NewX(k)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", ErrCookieConfig, id, err)
		}
		c.aeads[id] = aead
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.path == "" {
		c.path = "/"
	}
	return c, nil
}

// Name returns the cookie name.
func (c *SealedCookie) Name() string {
	return c.name
}

func (c *SealedCookie) aad() []byte {
	secure := "f"
	if c.secure {
		secure = "t"
	}
	return []byte(c.name + ":" + c.path + ":" + secure)
}

// Seal encodes v and returns a cookie carrying it for maxAge.
func (c *SealedCookie) Seal(v any, maxAge time.Duration) (*http.Cookie, error) {
	if maxAge < time.Second {
		return nil, fmt.Errorf("%w: max age %s", ErrCookieConfig, maxAge)
	}
	plain, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("middleware: encode cookie: %w", err)
	}
	aead := c.aeads[c.keyID]
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nonce, nonce, plain, c.aad())
	value := c.keyID + "." + base64.RawURLEncoding.EncodeToString(sealed)
	if len(value) > maxCookieLen {
		return nil, fmt.Errorf("middleware: sealed cookie is %d bytes", len(value))
	}
	return &http.Cookie{
		Name:     c.name,
		Value:    value,
		Path:     c.path,
		MaxAge:   int(maxAge.Seconds()),
		Expires:  time.Now().Add(maxAge),
		Secure:   c.secure,
		HttpOnly: true,
		SameSite: c.sameSite,
	}, nil
}

// Open authenticates and decodes cookie into v.
func (c *SealedCookie) Open(cookie *http.Cookie, v any) error {
	if cookie == nil || cookie.Value == "" || len(cookie.Value) > maxCookieLen {
		return ErrCookieFormat
	}
	keyID, enc, ok := strings.Cut(cookie.Value, ".")
	if !ok || keyID == "" || enc == "" {
		return ErrCookieFormat
	}
	aead, ok := c.aeads[keyID]
	if !ok {
		return ErrCookieInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return ErrCookieFormat
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return ErrCookieFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, c.aad())
	if err != nil {
		return ErrCookieInvalid
	}
	if err := cbor.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("%w: %v", ErrCookieFormat, err)
	}
	return nil
}

// Clear returns a cookie that removes this cookie from the client.
func (c *SealedCookie) Clear() *http.Cookie {
	return &http.Cookie{
		Name:     c.name,
		Path:     c.path,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   c.secure,
		HttpOnly: true,
		SameSite: c.sameSite,
	}
}
