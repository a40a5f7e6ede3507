package middleware

import (
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/mnehpets/oauthlab/endpoint"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

// trackerHandler applies fn to the tracker and echoes its ids.
func trackerHandler(p *TrackerProcessor, fn func(t *Tracker)) http.HandlerFunc {
	return endpoint.HandleFunc(func(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		t, ok := TrackerFromContext(r.Context())
		if !ok {
			return nil, endpoint.Error(http.StatusInternalServerError, "", "no tracker", nil)
		}
		if fn != nil {
			fn(t)
		}
		return &endpoint.JSONRenderer{Value: t.IDs()}, nil
	}, p)
}

func responseCookie(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestTracker_AddPersists(t *testing.T) {
	p, err := NewTrackerProcessor("k1", testKeys())
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	trackerHandler(p, func(tr *Tracker) {
		tr.Add("a")
		tr.Add("b")
	})(rec, httptest.NewRequest(http.MethodPost, "/flows", nil))

	c := responseCookie(t, rec, DefaultTrackerCookieName)
	if c == nil {
		t.Fatal("expected tracker cookie")
	}

	req := httptest.NewRequest(http.MethodGet, "/flows", nil)
	req.AddCookie(c)
	var ids []string
	rec = httptest.NewRecorder()
	trackerHandler(p, func(tr *Tracker) { ids = tr.IDs() })(rec, req)
	if !slices.Equal(ids, []string{"b", "a"}) {
		t.Errorf("expected newest first [b a], got %v", ids)
	}
	if responseCookie(t, rec, DefaultTrackerCookieName) != nil {
		t.Error("unchanged tracker should not rewrite the cookie")
	}
}

func TestTracker_LimitAndDuplicates(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	tr := &Tracker{max: 2, now: clock.Now}
	tr.Add("a")
	tr.Add("b")
	tr.Add("a")
	tr.Add("c")
	if got := tr.IDs(); !slices.Equal(got, []string{"c", "a"}) {
		t.Errorf("unexpected ids %v", got)
	}
	if !tr.Has("a") || tr.Has("b") {
		t.Error("unexpected membership")
	}
	tr.Remove("a")
	if tr.Has("a") {
		t.Error("a still tracked")
	}
	var nilTracker *Tracker
	nilTracker.Add("x")
	if nilTracker.Has("x") || nilTracker.IDs() != nil {
		t.Error("nil tracker should be empty")
	}
}

func TestTracker_ExpiresOldEntries(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	p, _ := NewTrackerProcessor("k1", testKeys(), WithMaxAge(10*time.Minute), WithTrackerClock(clock.Now))

	rec := httptest.NewRecorder()
	trackerHandler(p, func(tr *Tracker) { tr.Add("old") })(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	c := responseCookie(t, rec, DefaultTrackerCookieName)

	clock.t = clock.t.Add(11 * time.Minute)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(c)
	var ids []string
	rec = httptest.NewRecorder()
	trackerHandler(p, func(tr *Tracker) { ids = tr.IDs() })(rec, req)
	if len(ids) != 0 {
		t.Errorf("expected expired entry to be pruned, got %v", ids)
	}
	if cleared := responseCookie(t, rec, DefaultTrackerCookieName); cleared == nil || cleared.MaxAge >= 0 {
		t.Errorf("expected cookie to be cleared, got %+v", cleared)
	}
}

func TestTracker_TamperedCookieCleared(t *testing.T) {
	p, _ := NewTrackerProcessor("k1", testKeys())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: DefaultTrackerCookieName, Value: "k1.bogus"})
	rec := httptest.NewRecorder()
	trackerHandler(p, nil)(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if c := responseCookie(t, rec, DefaultTrackerCookieName); c == nil || c.MaxAge >= 0 {
		t.Errorf("expected tampered cookie to be cleared, got %+v", c)
	}
}

func TestNewTrackerProcessor_Validation(t *testing.T) {
	if _, err := NewTrackerProcessor("k1", testKeys(), WithMaxFlows(0)); err == nil {
		t.Error("expected error for zero max flows")
	}
	if _, err := NewTrackerProcessor("k1", testKeys(), WithMaxAge(0)); err == nil {
		t.Error("expected error for zero max age")
	}
	if _, err := NewTrackerProcessor("nope", testKeys()); err == nil {
		t.Error("expected error for missing key")
	}
}
