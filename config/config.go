// Package config loads server settings from the environment and an optional
// .env file.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mnehpets/oauthlab/auth"
	"github.com/mnehpets/oauthlab/events"
	"github.com/mnehpets/oauthlab/flow"
	"github.com/mnehpets/oauthlab/middleware"
	"github.com/mnehpets/oauthlab/params"
	"github.com/rs/zerolog"
)

// EnvPrefix is prepended to every variable name.
const EnvPrefix = "OAUTHLAB_"

// Provider is an identity provider discovered at startup.
type Provider struct {
	ID     string
	Issuer string
}

// Config holds the server settings.
type Config struct {
	ListenAddr string
	// PublicURL is the externally visible base URL, used for CORS and cookie
	// security.
	PublicURL string

	FlowTTL         time.Duration
	StateTTL        time.Duration
	ExchangeTimeout time.Duration
	VerifierLength  int
	EventBuffer     int

	// CookieKey seals the flow tracker cookie. Empty means a random key is
	// generated at startup, so cookies do not survive a restart.
	CookieKey []byte

	LogLevel  zerolog.Level
	LogPretty bool

	StrictTokenValidation bool

	RateLimit float64
	RateBurst int

	AllowedOrigins []string
	Providers      []Provider
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		ListenAddr:      ":8080",
		PublicURL:       "http://localhost:8080",
		FlowTTL:         flow.DefaultTTL,
		StateTTL:        params.DefaultStateTTL,
		ExchangeTimeout: auth.DefaultExchangeTimeout,
		VerifierLength:  params.DefaultVerifierLength,
		EventBuffer:     events.DefaultBufferSize,
		LogLevel:        zerolog.InfoLevel,
		RateLimit:       middleware.DefaultRateLimit,
		RateBurst:       middleware.DefaultRateBurst,
	}
}

// Load reads files (default ".env"), then the process environment, which takes
// precedence. Missing files are ignored. The process environment is not
// modified.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	fromFiles := make(map[string]string)
	for _, f := range files {
		vars, err := godotenv.Read(f)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", f, err)
		}
		for k, v := range vars {
			if _, ok := fromFiles[k]; !ok {
				fromFiles[k] = v
			}
		}
	}
	return FromLookup(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fromFiles[key]
		return v, ok
	})
}

// FromLookup builds a Config from the defaults overridden by lookup, which is
// called with prefixed variable names.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	c := Default()
	p := parser{lookup: lookup}

	p.setString("LISTEN_ADDR", &c.ListenAddr)
	p.setString("PUBLIC_URL", &c.PublicURL)
	p.setDuration("FLOW_TTL", &c.FlowTTL)
	p.setDuration("STATE_TTL", &c.StateTTL)
	p.setDuration("EXCHANGE_TIMEOUT", &c.ExchangeTimeout)
	p.setInt("VERIFIER_LENGTH", &c.VerifierLength)
	p.setInt("EVENT_BUFFER", &c.EventBuffer)
	p.setBool("LOG_PRETTY", &c.LogPretty)
	p.setBool("STRICT_TOKEN_VALIDATION", &c.StrictTokenValidation)
	p.setFloat("RATE_LIMIT", &c.RateLimit)
	p.setInt("RATE_BURST", &c.RateBurst)

	if v, ok := p.get("LOG_LEVEL"); ok {
		level, err := zerolog.ParseLevel(strings.ToLower(v))
		if err != nil {
			p.fail("LOG_LEVEL", err)
		} else {
			c.LogLevel = level
		}
	}
	if v, ok := p.get("COOKIE_KEY"); ok && v != "" {
		key, err := decodeKey(v)
		if err != nil {
			p.fail("COOKIE_KEY", err)
		} else {
			c.CookieKey = key
		}
	}
	if v, ok := p.get("ALLOWED_ORIGINS"); ok {
		c.AllowedOrigins = splitList(v)
	}
	if v, ok := p.get("PROVIDERS"); ok {
		providers, err := ParseProviders(v)
		if err != nil {
			p.fail("PROVIDERS", err)
		} else {
			c.Providers = providers
		}
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	return c, c.Validate()
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if u, err := url.Parse(c.PublicURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("public URL %q must be an absolute http or https URL", c.PublicURL))
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"flow TTL", c.FlowTTL},
		{"state TTL", c.StateTTL},
		{"exchange timeout", c.ExchangeTimeout},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	if c.StateTTL > c.FlowTTL {
		errs = append(errs, errors.New("state TTL must not exceed flow TTL"))
	}
	if c.VerifierLength < params.MinVerifierLength || c.VerifierLength > params.MaxVerifierLength {
		errs = append(errs, fmt.Errorf("verifier length must be between %d and %d", params.MinVerifierLength, params.MaxVerifierLength))
	}
	if c.EventBuffer <= 0 {
		errs = append(errs, errors.New("event buffer must be positive"))
	}
	if len(c.CookieKey) != 0 && len(c.CookieKey) != middleware.KeySize {
		errs = append(errs, fmt.Errorf("cookie key must be %d bytes", middleware.KeySize))
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		errs = append(errs, errors.New("rate limit and burst must not be negative"))
	}
	if c.RateLimit > 0 && c.RateBurst == 0 {
		errs = append(errs, errors.New("rate burst must be positive when rate limiting"))
	}
	for _, o := range c.AllowedOrigins {
		if o == "*" {
			continue
		}
		if u, err := url.Parse(o); err != nil || u.Scheme == "" || u.Host == "" || u.Path != "" {
			errs = append(errs, fmt.Errorf("allowed origin %q must be scheme://host[:port]", o))
		}
	}
	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("provider %q listed twice", p.ID))
		}
		seen[p.ID] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SecureCookies reports whether cookies should carry the Secure attribute.
func (c *Config) SecureCookies() bool {
	return strings.HasPrefix(c.PublicURL, "https://")
}

// ParseProviders parses "id=issuer,id=issuer".
func ParseProviders(s string) ([]Provider, error) {
	var out []Provider
	for _, item := range splitList(s) {
		id, issuer, ok := strings.Cut(item, "=")
		id, issuer = strings.TrimSpace(id), strings.TrimSpace(issuer)
		if !ok || id == "" || issuer == "" {
			return nil, fmt.Errorf("provider %q must be id=issuer", item)
		}
		if u, err := url.Parse(issuer); err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return nil, fmt.Errorf("provider %s: issuer %q is not an http(s) URL", id, issuer)
		}
		out = append(out, Provider{ID: id, Issuer: issuer})
	}
	return out, nil
}

func decodeKey(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	key, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("not base64url: %w", err)
	}
	if len(key) != middleware.KeySize {
		return nil, fmt.Errorf("must decode to %d bytes, got %d", middleware.KeySize, len(key))
	}
	return key, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser collects every malformed variable rather than stopping at the first.
type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) get(name string) (string, bool) {
	v, ok := p.lookup(EnvPrefix + name)
	return strings.TrimSpace(v), ok
}

func (p *parser) fail(name string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
}

func (p *parser) setString(name string, dst *string) {
	if v, ok := p.get(name); ok && v != "" {
		*dst = v
	}
}

func (p *parser) setDuration(name string, dst *time.Duration) {
	v, ok := p.get(name)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(name, err)
		return
	}
	*dst = d
}

func (p *parser) setInt(name string, dst *int) {
	v, ok := p.get(name)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(name, err)
		return
	}
	*dst = n
}

func (p *parser) setFloat(name string, dst *float64) {
	v, ok := p.get(name)
	if !ok || v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(name, err)
		return
	}
	*dst = f
}

func (p *parser) setBool(name string, dst *bool) {
	v, ok := p.get(name)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(name, err)
		return
	}
	*dst = b
}
