package auth

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/mnehpets/oauthlab/flow"
	"golang.org/x/oauth2"
)

// Provider is a named identity provider whose endpoints fill in any endpoint a
// flow config leaves empty.
type Provider struct {
	id       string
	issuer   string
	endpoint oauth2.Endpoint
	jwksURI  string
	keySet   oidc.KeySet // nil if the provider publishes no keys
}

// NewProvider creates a Provider. keySet may be nil.
func NewProvider(id, issuer string, endpoint oauth2.Endpoint, jwksURI string, keySet oidc.KeySet) *Provider {
	return &Provider{
		id:       id,
		issuer:   issuer,
		endpoint: endpoint,
		jwksURI:  jwksURI,
		keySet:   keySet,
	}
}

// ID returns the provider identifier.
func (p *Provider) ID() string {
	return p.id
}

// Issuer returns the issuer identifier, if known.
func (p *Provider) Issuer() string {
	return p.issuer
}

// Endpoint returns the authorization and token endpoints.
func (p *Provider) Endpoint() oauth2.Endpoint {
	return p.endpoint
}

// KeySet returns the provider's signing keys, or nil.
func (p *Provider) KeySet() oidc.KeySet {
	return p.keySet
}

// Apply fills the endpoints cfg leaves empty from p.
func (p *Provider) Apply(cfg flow.Config) flow.Config {
	if cfg.Issuer == "" {
		cfg.Issuer = p.issuer
	}
	if cfg.AuthorizationEndpoint == "" {
		cfg.AuthorizationEndpoint = p.endpoint.AuthURL
	}
	if cfg.TokenEndpoint == "" {
		cfg.TokenEndpoint = p.endpoint.TokenURL
	}
	if cfg.JWKSURI == "" && len(cfg.JWKS) == 0 {
		cfg.JWKSURI = p.jwksURI
	}
	return cfg
}

// Registry holds the configured providers. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
}

// NewRegistry creates a new, empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]*Provider),
	}
}

// Register adds p, replacing any provider with the same id.
func (r *Registry) Register(p *Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
}

// Get retrieves a provider by ID.
func (r *Registry) Get(id string) (*Provider, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// IDs returns the registered provider ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// RegisterOIDCProvider runs OpenID Connect discovery against issuer and registers
// the result. The HTTP client may be supplied with oidc.ClientContext. Discovery
// is only meant to run at startup; flows never trigger it.
func (r *Registry) RegisterOIDCProvider(ctx context.Context, id, issuer string) error {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return &InfrastructureError{Op: fmt.Sprintf("discover %q", issuer), Code: CodeDiscoveryFailed, Err: err}
	}
	var claims struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&claims); err != nil {
		return &InfrastructureError{Op: fmt.Sprintf("discover %q", issuer), Code: CodeDiscoveryFailed, Err: err}
	}

	var keySet oidc.KeySet
	if claims.JWKSURI != "" {
		// The key set outlives the discovery request.
		keySet = oidc.NewRemoteKeySet(context.WithoutCancel(ctx), claims.JWKSURI)
	}
	r.Register(NewProvider(id, issuer, provider.Endpoint(), claims.JWKSURI, keySet))
	return nil
}

// RegisterOAuth2Provider registers a provider without OIDC discovery.
func (r *Registry) RegisterOAuth2Provider(id string, endpoint oauth2.Endpoint) {
	r.Register(NewProvider(id, "", endpoint, "", nil))
}
