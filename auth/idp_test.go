package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/mnehpets/oauthlab/events"
	"github.com/mnehpets/oauthlab/flow"
	"github.com/mnehpets/oauthlab/params"
)

const testClientID = "client-id"

type grant struct {
	challenge   string
	nonce       string
	redirectURI string
	used        bool
}

// mockIDP is an identity provider served over TLS. Its authorization endpoint
// is driven directly by tests through authorize.
type mockIDP struct {
	t      *testing.T
	srv    *httptest.Server
	key    *rsa.PrivateKey
	signer jose.Signer
	jwks   json.RawMessage

	mu            sync.Mutex
	grants        map[string]*grant
	tokenRequests []url.Values
	seq           int

	// oauthError makes the token endpoint answer with this error code.
	oauthError string
	// nonceOverride replaces the nonce claim of issued ID tokens.
	nonceOverride string
	// foreignSigner signs ID tokens with a key not in the JWKS.
	foreignSigner jose.Signer
	// noIDToken omits the ID token from token responses.
	noIDToken bool
}

func newSigner(t *testing.T, key *rsa.PrivateKey, kid string) jose.Signer {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", kid))
	if err != nil {
		t.Fatal(err)
	}
	return signer
}

func newMockIDP(t *testing.T) *mockIDP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	idp := &mockIDP{
		t:      t,
		key:    key,
		signer: newSigner(t, key, "test-key"),
		grants: make(map[string]*grant),
	}
	idp.jwks, err = json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: &key.PublicKey, Use: "sig", Algorithm: "RS256", KeyID: "test-key"},
	}})
	if err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		issuer := idp.srv.URL
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                issuer,
			"jwks_uri":                              issuer + "/keys",
			"authorization_endpoint":                issuer + "/authorize",
			"token_endpoint":                        issuer + "/token",
			"response_types_supported":              []string{"code"},
			"subject_types_supported":               []string{"public"},
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("GET /keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(idp.jwks)
	})
	mux.HandleFunc("POST /token", idp.token)
	idp.srv = httptest.NewTLSServer(mux)
	t.Cleanup(idp.srv.Close)
	return idp
}

func (idp *mockIDP) config(scopes ...string) flow.Config {
	return flow.Config{
		ClientID:              testClientID,
		AuthorizationEndpoint: idp.srv.URL + "/authorize",
		TokenEndpoint:         idp.srv.URL + "/token",
		JWKS:                  idp.jwks,
		RedirectURI:           "http://127.0.0.1:8080/callback",
		Scopes:                scopes,
	}
}

// authorize plays the user approving the request at authURL and returns the
// code and state the provider would redirect back with.
func (idp *mockIDP) authorize(authURL string) (code, state string) {
	idp.t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		idp.t.Fatal(err)
	}
	q := u.Query()
	if q.Get("response_type") != "code" || q.Get("client_id") != testClientID {
		idp.t.Fatalf("unexpected authorization request %s", authURL)
	}
	idp.mu.Lock()
	defer idp.mu.Unlock()
	idp.seq++
	code = "code-" + string(rune('a'+idp.seq))
	idp.grants[code] = &grant{
		challenge:   q.Get("code_challenge"),
		nonce:       q.Get("nonce"),
		redirectURI: q.Get("redirect_uri"),
	}
	return code, q.Get("state")
}

func (idp *mockIDP) tokenErrorResponse(w http.ResponseWriter, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": desc})
}

func (idp *mockIDP) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		idp.tokenErrorResponse(w, "invalid_request", err.Error())
		return
	}
	idp.mu.Lock()
	defer idp.mu.Unlock()
	idp.tokenRequests = append(idp.tokenRequests, r.PostForm)

	if idp.oauthError != "" {
		idp.tokenErrorResponse(w, idp.oauthError, "rejected by test")
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		idp.tokenErrorResponse(w, "unsupported_grant_type", "")
		return
	}
	g, ok := idp.grants[r.PostForm.Get("code")]
	if !ok || g.used {
		idp.tokenErrorResponse(w, "invalid_grant", "unknown or used code")
		return
	}
	g.used = true
	if g.redirectURI != r.PostForm.Get("redirect_uri") {
		idp.tokenErrorResponse(w, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if g.challenge != "" && params.ComputeChallenge(r.PostForm.Get("code_verifier")) != g.challenge {
		idp.tokenErrorResponse(w, "invalid_grant", "PKCE verification failed")
		return
	}

	resp := map[string]any{
		"access_token": "access-" + r.PostForm.Get("code"),
		"token_type":   "Bearer",
		"expires_in":   3600,
		"scope":        "openid profile",
	}
	if g.nonce != "" && !idp.noIDToken {
		nonce := g.nonce
		if idp.nonceOverride != "" {
			nonce = idp.nonceOverride
		}
		signer := idp.signer
		if idp.foreignSigner != nil {
			signer = idp.foreignSigner
		}
		now := time.Now()
		raw, err := jwt.Signed(signer).Claims(jwt.Claims{
			Subject:  "user123",
			Issuer:   idp.srv.URL,
			Audience: jwt.Audience{testClientID},
			Expiry:   jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt: jwt.NewNumericDate(now),
		}).Claims(map[string]any{"nonce": nonce}).Serialize()
		if err != nil {
			idp.t.Errorf("sign id token: %v", err)
		}
		resp["id_token"] = raw
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (idp *mockIDP) requests() []url.Values {
	idp.mu.Lock()
	defer idp.mu.Unlock()
	return append([]url.Values(nil), idp.tokenRequests...)
}

type testEnv struct {
	orch   *Orchestrator
	store  *flow.Store
	events *events.Broadcaster
}

func newTestEnv(t *testing.T, idp *mockIDP, opts ...Option) *testEnv {
	t.Helper()
	b := events.NewBroadcaster()
	store := flow.NewStore(flow.WithRemovalHook(b.Remove))
	if idp != nil {
		opts = append([]Option{WithHTTPClient(idp.srv.Client())}, opts...)
	}
	o, err := NewOrchestrator(store, b, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(o.Close)
	return &testEnv{orch: o, store: store, events: b}
}
