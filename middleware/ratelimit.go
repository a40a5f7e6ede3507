package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/mnehpets/oauthlab/endpoint"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Rate limiter defaults.
const (
	DefaultRateLimit   = 1.0 // requests per second
	DefaultRateBurst   = 10
	DefaultMaxClients  = 10000
	defaultLimiterIdle = 30 * time.Minute
)

// RateLimiter is a processor that limits requests per client address with a
// token bucket per client. Idle buckets expire, and when more than MaxClients
// are tracked the least recently seen is evicted.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	limiters *ttlcache.Cache[string, *rate.Limiter]

	trustForwarded bool
	onLimited      func(r *http.Request)
	log            zerolog.Logger
}

// RateLimitOption configures a RateLimiter.
type RateLimitOption func(*rateLimitConfig)

type rateLimitConfig struct {
	maxClients     uint64
	idle           time.Duration
	trustForwarded bool
	onLimited      func(r *http.Request)
	log            zerolog.Logger
}

// WithMaxClients bounds the number of tracked clients.
func WithMaxClients(n uint64) RateLimitOption {
	return func(c *rateLimitConfig) {
		c.maxClients = n
	}
}

// WithTrustForwardedFor identifies clients by the first X-Forwarded-For
// address. Only enable behind a proxy that sets the header.
func WithTrustForwardedFor() RateLimitOption {
	return func(c *rateLimitConfig) {
		c.trustForwarded = true
	}
}

// WithLimitedHook registers fn to run for every rejected request.
func WithLimitedHook(fn func(r *http.Request)) RateLimitOption {
	return func(c *rateLimitConfig) {
		c.onLimited = fn
	}
}

// WithRateLimitLogger sets the logger.
func WithRateLimitLogger(l zerolog.Logger) RateLimitOption {
	return func(c *rateLimitConfig) {
		c.log = l
	}
}

// NewRateLimiter allows perSecond requests per second per client with the given
// burst.
func NewRateLimiter(perSecond float64, burst int, opts ...RateLimitOption) *RateLimiter {
	cfg := rateLimitConfig{
		maxClients: DefaultMaxClients,
		idle:       defaultLimiterIdle,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit: rate.Limit(perSecond),
		burst: burst,
		limiters: ttlcache.New(
			ttlcache.WithTTL[string, *rate.Limiter](cfg.idle),
			ttlcache.WithCapacity[string, *rate.Limiter](cfg.maxClients),
		),
		trustForwarded: cfg.trustForwarded,
		onLimited:      cfg.onLimited,
		log:            cfg.log,
	}
}

// Allow reports whether a request from client may proceed.
func (rl *RateLimiter) Allow(client string) bool {
	item, _ := rl.limiters.GetOrSet(client, rate.NewLimiter(rl.limit, rl.burst))
	return item.Value().Allow()
}

// Clients returns the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	return rl.limiters.Len()
}

// Cleanup drops expired buckets.
func (rl *RateLimiter) Cleanup() {
	rl.limiters.DeleteExpired()
}

func (rl *RateLimiter) clientOf(r *http.Request) string {
	if rl.trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Process implements endpoint.Processor.
func (rl *RateLimiter) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	client := rl.clientOf(r)
	if !rl.Allow(client) {
		retry := 1
		if rl.limit > 0 {
			retry = max(1, int(1/float64(rl.limit)))
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		rl.log.Warn().Str("client", client).Str("path", r.URL.Path).Msg("rate limit exceeded")
		if rl.onLimited != nil {
			rl.onLimited(r)
		}
		return endpoint.Error(http.StatusTooManyRequests, "rate_limited", "too many requests", nil)
	}
	return next(w, r)
}

var _ endpoint.Processor = (*RateLimiter)(nil)
