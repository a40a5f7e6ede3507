package capture

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"sync"
	"time"
)

// Redacted replaces every credential value kept in a capture.
const Redacted = "[REDACTED]"

// redactedFields are the body parameters never kept in clear.
var redactedFields = []string{"code_verifier", "client_secret", "code"}

// redactedHeaders are the headers never kept in clear. Basic client
// authentication carries the client secret in Authorization.
var redactedHeaders = []string{"Authorization", "Cookie", "Proxy-Authorization"}

// maxBody bounds how much of each body is kept.
const maxBody = 64 << 10

// Request is a captured outgoing request.
type Request struct {
	Method string      `json:"method"`
	URL    string      `json:"url"`
	Header http.Header `json:"headers,omitempty"`
	Body   Body        `json:"body,omitempty"`
}

// Response is a captured response.
type Response struct {
	Status int         `json:"status"`
	Header http.Header `json:"headers,omitempty"`
	Body   Body        `json:"body,omitempty"`
}

// Exchange is one request/response pair. Response is nil when the request
// failed before a response arrived, in which case Error is set.
type Exchange struct {
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"-"`
	Request   Request       `json:"request"`
	Response  *Response     `json:"response,omitempty"`
	Error     string        `json:"error,omitempty"`
}

func (e *Exchange) MarshalJSON() ([]byte, error) {
	type plain Exchange
	return json.Marshal(struct {
		*plain
		DurationMS int64 `json:"durationMs"`
	}{(*plain)(e), e.Duration.Milliseconds()})
}

// Clone returns a deep copy of e.
func (e *Exchange) Clone() *Exchange {
	if e == nil {
		return nil
	}
	out := *e
	out.Request.Header = e.Request.Header.Clone()
	out.Request.Body = cloneBody(e.Request.Body)
	if e.Response != nil {
		resp := *e.Response
		resp.Header = e.Response.Header.Clone()
		resp.Body = cloneBody(e.Response.Body)
		out.Response = &resp
	}
	return &out
}

func cloneBody(b Body) Body {
	if b == nil {
		return nil
	}
	return b.clone()
}

// Redact returns b with credential parameters replaced by Redacted.
func Redact(b Body) Body {
	switch v := b.(type) {
	case nil:
		return nil
	case FormBody:
		out := v.clone().(FormBody)
		for _, k := range redactedFields {
			if _, ok := out.Values[k]; ok {
				out.Values.Set(k, Redacted)
			}
		}
		return out
	case JSONBody:
		var m map[string]json.RawMessage
		if err := json.Unmarshal(v.Raw, &m); err != nil {
			return v.clone()
		}
		changed := false
		for _, k := range redactedFields {
			if _, ok := m[k]; ok {
				m[k] = json.RawMessage(`"` + Redacted + `"`)
				changed = true
			}
		}
		if !changed {
			return v.clone()
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return v.clone()
		}
		return JSONBody{Raw: raw}
	case TextBody, BinaryBody:
		return v
	default:
		panic("capture: unknown body kind " + string(b.Kind()))
	}
}

func redactHeader(h http.Header) http.Header {
	out := h.Clone()
	for _, k := range redactedHeaders {
		if _, ok := out[k]; ok {
			out.Set(k, Redacted)
		}
	}
	return out
}

// Transport is an http.RoundTripper that records every exchange it carries.
type Transport struct {
	Base http.RoundTripper

	mu        sync.Mutex
	exchanges []*Exchange
}

// NewTransport wraps base, or http.DefaultTransport when base is nil.
func NewTransport(base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Base: base}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ex := &Exchange{
		StartedAt: time.Now(),
		Request: Request{
			Method: req.Method,
			URL:    req.URL.String(),
			Header: redactHeader(req.Header),
		},
	}

	// Clone the request so the caller's body is left for it to close.
	reqCopy := req.Clone(req.Context())
	if req.Body != nil && req.Body != http.NoBody {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		reqCopy.Body = io.NopCloser(bytes.NewReader(b))
		ex.Request.Body = Redact(NewBody(req.Header.Get("Content-Type"), truncate(b)))
	}

	resp, err := t.Base.RoundTrip(reqCopy)
	ex.Duration = time.Since(ex.StartedAt)
	if err != nil {
		ex.Error = err.Error()
		t.record(ex)
		return nil, err
	}

	b, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		ex.Error = err.Error()
		t.record(ex)
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(b))
	ex.Response = &Response{
		Status: resp.StatusCode,
		Header: redactHeader(resp.Header),
		Body:   NewBody(resp.Header.Get("Content-Type"), truncate(b)),
	}
	t.record(ex)
	return resp, nil
}

func truncate(b []byte) []byte {
	if len(b) > maxBody {
		return b[:maxBody]
	}
	return b
}

func (t *Transport) record(ex *Exchange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exchanges = append(t.exchanges, ex)
}

// Exchanges returns copies of the exchanges recorded so far, oldest first.
func (t *Transport) Exchanges() []*Exchange {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := slices.Clone(t.exchanges)
	for i, ex := range out {
		out[i] = ex.Clone()
	}
	return out
}

// Last returns a copy of the most recent exchange, or nil.
func (t *Transport) Last() *Exchange {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.exchanges) == 0 {
		return nil
	}
	return t.exchanges[len(t.exchanges)-1].Clone()
}
