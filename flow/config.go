package flow

import (
	"encoding/json"
	"slices"
)

// Token endpoint client authentication methods.
const (
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodNone              = "none"
)

// ScopeOpenID marks a flow as an OIDC flow.
const ScopeOpenID = "openid"

// Config holds the client settings, endpoints and vulnerability toggles a flow was
// started with. It is copied into the Execution at creation and never changes after.
type Config struct {
	// Provider optionally names a registered provider whose endpoints fill in
	// any endpoint left empty here.
	Provider string `json:"provider,omitempty"`

	ClientID string `json:"clientId"`
	// ClientSecret is never serialized.
	ClientSecret    string `json:"-"`
	TokenAuthMethod string `json:"tokenAuthMethod,omitempty"`

	Issuer                string `json:"issuer,omitempty"`
	AuthorizationEndpoint string `json:"authorizationEndpoint"`
	TokenEndpoint         string `json:"tokenEndpoint"`
	JWKSURI               string `json:"jwksUri,omitempty"`
	// JWKS is an inline JSON Web Key Set used to verify ID token signatures.
	JWKS json.RawMessage `json:"jwks,omitempty"`

	RedirectURI      string            `json:"redirectUri"`
	Scopes           []string          `json:"scopes,omitempty"`
	AdditionalParams map[string]string `json:"additionalParams,omitempty"`

	Vulnerability VulnerabilityConfig `json:"vulnerability"`
}

// HasScope reports whether scope was requested.
func (c *Config) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// RequestsOpenID reports whether the flow requests the openid scope.
func (c *Config) RequestsOpenID() bool {
	return c.HasScope(ScopeOpenID)
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	c.Scopes = slices.Clone(c.Scopes)
	c.JWKS = slices.Clone(c.JWKS)
	if c.AdditionalParams != nil {
		m := make(map[string]string, len(c.AdditionalParams))
		for k, v := range c.AdditionalParams {
			m[k] = v
		}
		c.AdditionalParams = m
	}
	return c
}

// Vulnerability toggle names, as reported in ActiveVulnerabilities.
const (
	VulnDisablePKCE             = "DISABLE_PKCE"
	VulnDisableState            = "DISABLE_STATE"
	VulnDisableNonce            = "DISABLE_NONCE"
	VulnPlainPKCE               = "PLAIN_PKCE"
	VulnSkipSignatureValidation = "SKIP_SIGNATURE_VALIDATION"
	VulnLenientRedirectURI      = "LENIENT_REDIRECT_URI"
	VulnAllowCodeReuse          = "ALLOW_CODE_REUSE"
)

// Toggles is the closed set of protections vulnerability mode can switch off.
//
// Only DisablePKCE changes flow behavior. The others are accepted and reported
// but have no effect yet.
type Toggles struct {
	DisablePKCE             bool `json:"DISABLE_PKCE"`
	DisableState            bool `json:"DISABLE_STATE"`
	DisableNonce            bool `json:"DISABLE_NONCE"`
	PlainPKCE               bool `json:"PLAIN_PKCE"`
	SkipSignatureValidation bool `json:"SKIP_SIGNATURE_VALIDATION"`
	LenientRedirectURI      bool `json:"LENIENT_REDIRECT_URI"`
	AllowCodeReuse          bool `json:"ALLOW_CODE_REUSE"`
}

// Names returns the names of the toggles that are set, in declaration order.
func (t Toggles) Names() []string {
	var out []string
	for _, tg := range []struct {
		on   bool
		name string
	}{
		{t.DisablePKCE, VulnDisablePKCE},
		{t.DisableState, VulnDisableState},
		{t.DisableNonce, VulnDisableNonce},
		{t.PlainPKCE, VulnPlainPKCE},
		{t.SkipSignatureValidation, VulnSkipSignatureValidation},
		{t.LenientRedirectURI, VulnLenientRedirectURI},
		{t.AllowCodeReuse, VulnAllowCodeReuse},
	} {
		if tg.on {
			out = append(out, tg.name)
		}
	}
	return out
}

// Any reports whether at least one toggle is set.
func (t Toggles) Any() bool {
	return t != Toggles{}
}

// VulnerabilityConfig switches off individual protections for demonstration.
// Toggles only take effect while Enabled is set.
type VulnerabilityConfig struct {
	Enabled             bool    `json:"enabled"`
	Toggles             Toggles `json:"toggles"`
	WarningAcknowledged bool    `json:"warningAcknowledged"`
}

// ActiveVulnerabilities lists every toggle that is configured on, whether or not
// it affected the flow. Toggles are listed even while Enabled is false.
func (v VulnerabilityConfig) ActiveVulnerabilities() []string {
	return v.Toggles.Names()
}

// InEffect reports whether vulnerability mode is on with at least one toggle set.
func (v VulnerabilityConfig) InEffect() bool {
	return v.Enabled && v.Toggles.Any()
}

// PKCEDisabled reports whether PKCE is to be left out of the flow.
func (v VulnerabilityConfig) PKCEDisabled() bool {
	return v.Enabled && v.Toggles.DisablePKCE
}
