package middleware

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/mnehpets/oauthlab/endpoint"
)

// DefaultTrackerCookieName is the default name of the flow tracker cookie.
const DefaultTrackerCookieName = "oauthlab_flows"

// DefaultMaxTrackedFlows bounds how many flows one browser remembers.
const DefaultMaxTrackedFlows = 20

// DefaultTrackerMaxAge is how long a tracked flow id is remembered. It matches
// the default flow lifetime in the store.
const DefaultTrackerMaxAge = 30 * time.Minute

type trackedFlow struct {
	ID      string    `cbor:"1,keyasint"`
	Started time.Time `cbor:"2,keyasint"`
}

type trackerData struct {
	Flows []trackedFlow `cbor:"1,keyasint,omitempty"`
}

// Tracker is the request-scoped list of flows the browser started, newest
// first. Changes are written back to the cookie before the response headers.
type Tracker struct {
	data  trackerData
	max   int
	now   func() time.Time
	dirty bool
}

// IDs returns the tracked flow ids, newest first.
func (t *Tracker) IDs() []string {
	if t == nil {
		return nil
	}
	out := make([]string, len(t.data.Flows))
	for i, f := range t.data.Flows {
		out[i] = f.ID
	}
	return out
}

// Has reports whether id is tracked.
func (t *Tracker) Has(id string) bool {
	return t != nil && slices.ContainsFunc(t.data.Flows, func(f trackedFlow) bool { return f.ID == id })
}

// Add tracks id, evicting the oldest entries beyond the limit.
func (t *Tracker) Add(id string) {
	if t == nil || id == "" {
		return
	}
	t.data.Flows = slices.DeleteFunc(t.data.Flows, func(f trackedFlow) bool { return f.ID == id })
	t.data.Flows = slices.Insert(t.data.Flows, 0, trackedFlow{ID: id, Started: t.now().Truncate(time.Second)})
	if len(t.data.Flows) > t.max {
		t.data.Flows = t.data.Flows[:t.max]
	}
	t.dirty = true
}

// Remove stops tracking id.
func (t *Tracker) Remove(id string) {
	if t == nil {
		return
	}
	n := len(t.data.Flows)
	t.data.Flows = slices.DeleteFunc(t.data.Flows, func(f trackedFlow) bool { return f.ID == id })
	if len(t.data.Flows) != n {
		t.dirty = true
	}
}

type trackerContextKey struct{}

// WithTracker stores t in ctx.
func WithTracker(ctx context.Context, t *Tracker) context.Context {
	return context.WithValue(ctx, trackerContextKey{}, t)
}

// TrackerFromContext returns the Tracker stored in ctx, if any.
func TrackerFromContext(ctx context.Context) (*Tracker, bool) {
	t, ok := ctx.Value(trackerContextKey{}).(*Tracker)
	return t, ok && t != nil
}

// TrackerProcessor loads the flow tracker cookie into the request context and
// persists it when it changes. Tampered or expired cookies are cleared.
type TrackerProcessor struct {
	cookie   *SealedCookie
	maxFlows int
	maxAge   time.Duration
	now      func() time.Time
}

// TrackerOption configures a TrackerProcessor.
type TrackerOption func(*trackerConfig)

type trackerConfig struct {
	cookieName    string
	cookieOptions []CookieOption
	maxFlows      int
	maxAge        time.Duration
	now           func() time.Time
}

// WithCookieName sets the tracker cookie name.
func WithCookieName(name string) TrackerOption {
	return func(c *trackerConfig) {
		c.cookieName = name
	}
}

// WithCookieOptions configures the tracker cookie attributes.
func WithCookieOptions(opts ...CookieOption) TrackerOption {
	return func(c *trackerConfig) {
		c.cookieOptions = append(c.cookieOptions, opts...)
	}
}

// WithMaxFlows sets how many flows are remembered.
func WithMaxFlows(n int) TrackerOption {
	return func(c *trackerConfig) {
		c.maxFlows = n
	}
}

// WithMaxAge sets how long a tracked flow is remembered.
func WithMaxAge(d time.Duration) TrackerOption {
	return func(c *trackerConfig) {
		c.maxAge = d
	}
}

// WithTrackerClock overrides the time source.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(c *trackerConfig) {
		c.now = now
	}
}

// NewTrackerProcessor creates a TrackerProcessor whose cookie is sealed with
// keys[keyID].
func NewTrackerProcessor(keyID string, keys map[string][]byte, opts ...TrackerOption) (*TrackerProcessor, error) {
	cfg := trackerConfig{
		cookieName: DefaultTrackerCookieName,
		maxFlows:   DefaultMaxTrackedFlows,
		maxAge:     DefaultTrackerMaxAge,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxFlows < 1 {
		return nil, errors.New("middleware: tracker must keep at least one flow")
	}
	if cfg.maxAge < time.Second {
		return nil, errors.New("middleware: tracker max age must be at least a second")
	}
	cookie, err := NewSealedCookie(cfg.cookieName, keyID, keys, cfg.cookieOptions...)
	if err != nil {
		return nil, err
	}
	return &TrackerProcessor{
		cookie:   cookie,
		maxFlows: cfg.maxFlows,
		maxAge:   cfg.maxAge,
		now:      cfg.now,
	}, nil
}

// Process implements endpoint.Processor.
func (p *TrackerProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	t := &Tracker{max: p.maxFlows, now: p.now}

	if c, err := r.Cookie(p.cookie.Name()); err == nil {
		var data trackerData
		if err := p.cookie.Open(c, &data); err != nil {
			t.dirty = true
		} else {
			cutoff := p.now().Add(-p.maxAge)
			n := len(data.Flows)
			data.Flows = slices.DeleteFunc(data.Flows, func(f trackedFlow) bool { return f.Started.Before(cutoff) })
			if len(data.Flows) > p.maxFlows {
				data.Flows = data.Flows[:p.maxFlows]
			}
			t.data = data
			t.dirty = len(data.Flows) != n
		}
	}

	endpoint.Defer(r.Context(), func(w http.ResponseWriter) {
		p.maybeSetCookie(w, t)
	})

	*r = *r.WithContext(WithTracker(r.Context(), t))
	return next(w, r)
}

func (p *TrackerProcessor) maybeSetCookie(w http.ResponseWriter, t *Tracker) {
	if !t.dirty {
		return
	}
	if len(t.data.Flows) == 0 {
		http.SetCookie(w, p.cookie.Clear())
		return
	}
	c, err := p.cookie.Seal(t.data, p.maxAge)
	if err != nil {
		return
	}
	http.SetCookie(w, c)
}

var _ endpoint.Processor = (*TrackerProcessor)(nil)
