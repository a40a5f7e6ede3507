// Package assess scores the security posture of a flow execution.
//
// Assess is a pure function of the execution: it performs no I/O and returns the
// same result for the same snapshot.
package assess

import (
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/mnehpets/oauthlab/flow"
	"github.com/mnehpets/oauthlab/params"
)

// Check ids, in evaluation order.
const (
	CheckPKCE              = "pkce"
	CheckState             = "state"
	CheckNonce             = "nonce"
	CheckHTTPS             = "https"
	CheckSignature         = "signature"
	CheckRedirectURI       = "redirect_uri"
	CheckVulnerabilityMode = "vulnerability_mode"
)

// outcome is what a check function reports. Applicable=false means the check
// does not apply to the flow and is treated as passed.
type outcome struct {
	passed     bool
	applicable bool
	detail     string
}

type check struct {
	id          string
	category    string
	severity    flow.Severity
	description string
	remediation string
	title       string
	eval        func(*flow.Execution) outcome
}

// Engine evaluates a fixed, ordered list of checks.
type Engine struct {
	checks []check
}

// NewEngine returns an Engine with the standard checks.
func NewEngine() *Engine {
	return &Engine{checks: []check{
		{
			id:          CheckPKCE,
			category:    "authorization",
			severity:    flow.SeverityCritical,
			description: "PKCE with S256 binds the authorization code to this client",
			remediation: "Send code_challenge with code_challenge_method=S256 and the matching code_verifier in the token request.",
			title:       "Enable PKCE",
			eval:        checkPKCE,
		},
		{
			id:          CheckState,
			category:    "csrf",
			severity:    flow.SeverityCritical,
			description: "A single-use, unguessable state value protects the callback against CSRF",
			remediation: "Generate at least 128 bits of random state per request and reject callbacks whose state does not match exactly once.",
			title:       "Validate the state parameter",
			eval:        checkState,
		},
		{
			id:          CheckNonce,
			category:    "oidc",
			severity:    flow.SeverityHigh,
			description: "The ID token nonce matches the value sent in the authorization request",
			remediation: "Send a random nonce with every OIDC authorization request and compare it with the ID token's nonce claim.",
			title:       "Bind ID tokens with a nonce",
			eval:        checkNonce,
		},
		{
			id:          CheckHTTPS,
			category:    "transport",
			severity:    flow.SeverityHigh,
			description: "Authorization, token and key endpoints use HTTPS",
			remediation: "Use https URLs for every endpoint. Plain http redirect URIs are only acceptable on loopback addresses.",
			title:       "Use HTTPS everywhere",
			eval:        checkHTTPS,
		},
		{
			id:          CheckSignature,
			category:    "oidc",
			severity:    flow.SeverityHigh,
			description: "The ID token signature verified against the provider's keys",
			remediation: "Verify ID token signatures against the provider's JWKS before trusting any claim.",
			title:       "Verify ID token signatures",
			eval:        checkSignature,
		},
		{
			id:          CheckRedirectURI,
			category:    "authorization",
			severity:    flow.SeverityMedium,
			description: "The redirect URI is absolute, exact and identical in both requests",
			remediation: "Register and send one exact redirect URI without wildcards or fragments, and repeat it unchanged in the token request.",
			title:       "Use an exact redirect URI",
			eval:        checkRedirectURI,
		},
		{
			id:          CheckVulnerabilityMode,
			category:    "configuration",
			severity:    flow.SeverityHigh,
			description: "No protection was disabled for demonstration",
			remediation: "Turn vulnerability mode off outside of teaching sessions.",
			title:       "Disable vulnerability mode",
			eval:        checkVulnerabilityMode,
		},
	}}
}

// Assess scores exec. Scoring starts at 100 and every failed check subtracts its
// severity's penalty; the result is clamped to 0..100.
func (en *Engine) Assess(exec *flow.Execution) flow.SecurityAssessment {
	a := flow.SecurityAssessment{
		Checks:                make([]flow.SecurityCheck, 0, len(en.checks)),
		ActiveVulnerabilities: exec.Config.Vulnerability.ActiveVulnerabilities(),
		Recommendations:       []flow.Recommendation{},
	}
	if a.ActiveVulnerabilities == nil {
		a.ActiveVulnerabilities = []string{}
	}
	score := 100
	for _, c := range en.checks {
		o := c.eval(exec)
		passed := o.passed || !o.applicable
		sc := flow.SecurityCheck{
			ID:          c.id,
			Category:    c.category,
			Passed:      passed,
			Applicable:  o.applicable,
			Severity:    c.severity,
			Description: c.description,
		}
		if !passed {
			score -= c.severity.Penalty()
			sc.Remediation = c.remediation
			if o.detail != "" {
				sc.Description = c.description + ": " + o.detail
			}
			if c.severity.AtLeast(flow.SeverityMedium) {
				a.Recommendations = append(a.Recommendations, flow.Recommendation{
					CheckID:     c.id,
					Severity:    c.severity,
					Title:       c.title,
					Description: c.remediation,
				})
			}
		}
		a.Checks = append(a.Checks, sc)
	}
	a.Score = max(0, min(100, score))
	a.Level = flow.LevelForScore(a.Score)
	return a
}

func exchanged(exec *flow.Execution) bool {
	_, ok := exec.Step(flow.StepExchangeCode)
	return ok || exec.Tokens != nil
}

func checkPKCE(exec *flow.Execution) outcome {
	p := exec.PKCE
	if p == nil {
		return outcome{applicable: true, detail: "no PKCE parameters were sent"}
	}
	if p.CodeChallengeMethod != params.MethodS256 {
		return outcome{applicable: true, detail: "challenge method is not S256"}
	}
	if res := params.ValidatePKCE(p.CodeVerifier, p.CodeChallenge); !res.Valid {
		return outcome{applicable: true, detail: reasons(res)}
	}
	if exchanged(exec) && !exec.Validation.VerifierSent {
		return outcome{applicable: true, detail: "code_verifier missing from the token request"}
	}
	return outcome{passed: true, applicable: true}
}

func checkState(exec *flow.Execution) outcome {
	st := exec.State
	if st == nil || st.Value == "" {
		return outcome{applicable: true, detail: "no state was sent"}
	}
	if len(st.Value) < params.MinTokenLength {
		return outcome{applicable: true, detail: "state is too short"}
	}
	if v := exec.Validation.State; v != nil && !v.Valid {
		return outcome{applicable: true, detail: reasons(*v)}
	}
	if exchanged(exec) && exec.Validation.State == nil {
		return outcome{applicable: true, detail: "state was not validated"}
	}
	return outcome{passed: true, applicable: true}
}

func checkNonce(exec *flow.Execution) outcome {
	if !exec.Config.RequestsOpenID() {
		return outcome{}
	}
	if exec.Nonce == nil || exec.Nonce.Value == "" {
		return outcome{applicable: true, detail: "no nonce was sent"}
	}
	if v := exec.Validation.Nonce; v != nil && !v.Valid {
		return outcome{applicable: true, detail: reasons(*v)}
	}
	if exec.Tokens != nil && exec.Tokens.IDToken != "" && exec.Validation.Nonce == nil {
		return outcome{applicable: true, detail: "ID token nonce was not checked"}
	}
	return outcome{passed: true, applicable: true}
}

func checkHTTPS(exec *flow.Execution) outcome {
	cfg := &exec.Config
	var insecure []string
	for _, ep := range []struct{ name, raw string }{
		{"authorization endpoint", cfg.AuthorizationEndpoint},
		{"token endpoint", cfg.TokenEndpoint},
		{"jwks uri", cfg.JWKSURI},
	} {
		if ep.raw == "" {
			continue
		}
		u, err := url.Parse(ep.raw)
		if err != nil || u.Scheme != "https" {
			insecure = append(insecure, ep.name)
		}
	}
	if cfg.RedirectURI != "" {
		u, err := url.Parse(cfg.RedirectURI)
		if err != nil || (u.Scheme != "https" && !(u.Scheme == "http" && IsLoopback(u.Hostname()))) {
			insecure = append(insecure, "redirect uri")
		}
	}
	if len(insecure) > 0 {
		return outcome{applicable: true, detail: strings.Join(insecure, ", ") + " not using HTTPS"}
	}
	return outcome{passed: true, applicable: true}
}

// IsLoopback reports whether host names the local machine.
func IsLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func checkSignature(exec *flow.Execution) outcome {
	if exec.Tokens == nil || exec.Tokens.IDToken == "" {
		return outcome{}
	}
	sig := exec.Validation.Signature
	switch {
	case sig == nil || !sig.Checked:
		return outcome{applicable: true, detail: "signature was not verified"}
	case !sig.Valid:
		return outcome{applicable: true, detail: "signature verification failed"}
	}
	return outcome{passed: true, applicable: true}
}

func checkRedirectURI(exec *flow.Execution) outcome {
	authz := exec.Validation.AuthorizationRedirectURI
	if authz == "" {
		authz = exec.Config.RedirectURI
	}
	if authz == "" {
		return outcome{applicable: true, detail: "no redirect URI"}
	}
	u, err := url.Parse(authz)
	switch {
	case err != nil || !u.IsAbs() || u.Host == "":
		return outcome{applicable: true, detail: "redirect URI is not absolute"}
	case u.Fragment != "" || strings.Contains(authz, "#"):
		return outcome{applicable: true, detail: "redirect URI has a fragment"}
	case strings.Contains(authz, "*"):
		return outcome{applicable: true, detail: "redirect URI has a wildcard"}
	}
	if tok := exec.Validation.TokenRedirectURI; tok != "" && tok != authz {
		return outcome{applicable: true, detail: "token request used a different redirect URI"}
	}
	return outcome{passed: true, applicable: true}
}

func checkVulnerabilityMode(exec *flow.Execution) outcome {
	if v := exec.Config.Vulnerability; v.InEffect() {
		return outcome{applicable: true, detail: strings.Join(v.ActiveVulnerabilities(), ", ")}
	}
	return outcome{passed: true, applicable: true}
}

func reasons(r params.Result) string {
	s := make([]string, len(r.Reasons))
	for i, reason := range r.Reasons {
		s[i] = string(reason)
	}
	return strings.Join(slices.Compact(s), ", ")
}
