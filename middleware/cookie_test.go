package middleware

import (
	"bytes"
	"errors"
	"net/http"
	"testing"
	"time"
)

func testKeys() map[string][]byte {
	return map[string][]byte{
		"k1": bytes.Repeat([]byte{1}, KeySize),
		"k2": bytes.Repeat([]byte{2}, KeySize),
	}
}

type cookiePayload struct {
	Name  string `cbor:"1,keyasint"`
	Count int    `cbor:"2,keyasint"`
}

func TestSealedCookie_RoundTrip(t *testing.T) {
	sc, err := NewSealedCookie("c", "k1", testKeys())
	if err != nil {
		t.Fatal(err)
	}
	c, err := sc.Seal(cookiePayload{Name: "a", Count: 3}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteLaxMode || c.Path != "/" {
		t.Errorf("unexpected attributes %+v", c)
	}
	if c.MaxAge != 60 {
		t.Errorf("expected MaxAge 60, got %d", c.MaxAge)
	}
	var got cookiePayload
	if err := sc.Open(c, &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "a" || got.Count != 3 {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestSealedCookie_Tampered(t *testing.T) {
	sc, _ := NewSealedCookie("c", "k1", testKeys())
	c, _ := sc.Seal(cookiePayload{Name: "a"}, time.Minute)

	b := []byte(c.Value)
	i := len(b) - 2
	if b[i] == 'A' {
		b[i] = 'B'
	} else {
		b[i] = 'A'
	}
	c.Value = string(b)

	var got cookiePayload
	if err := sc.Open(c, &got); !errors.Is(err, ErrCookieInvalid) && !errors.Is(err, ErrCookieFormat) {
		t.Errorf("expected authentication failure, got %v", err)
	}
}

func TestSealedCookie_Malformed(t *testing.T) {
	sc, _ := NewSealedCookie("c", "k1", testKeys())
	for _, v := range []string{"", "novalue", ".abc", "k1.", "k1.!!!", "k1.AAAA"} {
		var got cookiePayload
		if err := sc.Open(&http.Cookie{Name: "c", Value: v}, &got); !errors.Is(err, ErrCookieFormat) {
			t.Errorf("%q: expected ErrCookieFormat, got %v", v, err)
		}
	}
	var got cookiePayload
	if err := sc.Open(&http.Cookie{Name: "c", Value: "k9.AAAA"}, &got); !errors.Is(err, ErrCookieInvalid) {
		t.Errorf("unknown key: expected ErrCookieInvalid, got %v", err)
	}
}

func TestSealedCookie_KeyRotation(t *testing.T) {
	keys := testKeys()
	old, _ := NewSealedCookie("c", "k1", keys)
	c, _ := old.Seal(cookiePayload{Name: "rotated"}, time.Minute)

	current, _ := NewSealedCookie("c", "k2", keys)
	var got cookiePayload
	if err := current.Open(c, &got); err != nil {
		t.Fatalf("old key should still open: %v", err)
	}
	if got.Name != "rotated" {
		t.Errorf("unexpected payload %+v", got)
	}

	retired, _ := NewSealedCookie("c", "k2", map[string][]byte{"k2": keys["k2"]})
	if err := retired.Open(c, &got); !errors.Is(err, ErrCookieInvalid) {
		t.Errorf("retired key: expected ErrCookieInvalid, got %v", err)
	}
}

func TestSealedCookie_BoundToName(t *testing.T) {
	keys := testKeys()
	a, _ := NewSealedCookie("a", "k1", keys)
	b, _ := NewSealedCookie("b", "k1", keys)
	c, _ := a.Seal(cookiePayload{Name: "x"}, time.Minute)

	var got cookiePayload
	if err := b.Open(c, &got); !errors.Is(err, ErrCookieInvalid) {
		t.Errorf("expected ErrCookieInvalid for another cookie name, got %v", err)
	}

	insecure, _ := NewSealedCookie("a", "k1", keys, WithSecure(false))
	if err := insecure.Open(c, &got); !errors.Is(err, ErrCookieInvalid) {
		t.Errorf("expected ErrCookieInvalid for another secure flag, got %v", err)
	}
}

func TestNewSealedCookie_Config(t *testing.T) {
	if _, err := NewSealedCookie("", "k1", testKeys()); !errors.Is(err, ErrCookieConfig) {
		t.Errorf("empty name: got %v", err)
	}
	if _, err := NewSealedCookie("c", "missing", testKeys()); !errors.Is(err, ErrCookieConfig) {
		t.Errorf("missing key: got %v", err)
	}
	if _, err := NewSealedCookie("c", "a.b", map[string][]byte{"a.b": make([]byte, KeySize)}); !errors.Is(err, ErrCookieConfig) {
		t.Errorf("dotted key id: got %v", err)
	}
	if _, err := NewSealedCookie("c", "k", map[string][]byte{"k": make([]byte, 5)}); !errors.Is(err, ErrCookieConfig) {
		t.Errorf("short key: got %v", err)
	}
	sc, _ := NewSealedCookie("c", "k1", testKeys())
	if _, err := sc.Seal(cookiePayload{}, 0); !errors.Is(err, ErrCookieConfig) {
		t.Errorf("zero max age: got %v", err)
	}
}

func TestSealedCookie_Clear(t *testing.T) {
	sc, _ := NewSealedCookie("c", "k1", testKeys(), WithPath("/flows"), WithSameSite(http.SameSiteStrictMode))
	c := sc.Clear()
	if c.MaxAge != -1 || c.Value != "" || c.Path != "/flows" || c.SameSite != http.SameSiteStrictMode {
		t.Errorf("unexpected clear cookie %+v", c)
	}
}
