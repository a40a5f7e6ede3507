// Package params generates and validates the per-flow security parameters of an
// authorization code flow: the PKCE verifier/challenge pair (RFC 7636), the CSRF
// state value, and the OIDC nonce.
//
// Validation never panics on malformed input. Every validator returns a Result
// that lists each failed sub-check, so callers can tell malformed input apart from
// a mismatched or replayed value. State and nonce validation are single-use: the
// successful validation itself flips the parameter's used flag with a
// compare-and-swap, so two concurrent validations of the same value cannot both
// succeed.
package params

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"
)

// Reason identifies a single failed validation sub-check.
type Reason string

const (
	VerifierTooShort         Reason = "VERIFIER_TOO_SHORT"
	VerifierTooLong          Reason = "VERIFIER_TOO_LONG"
	VerifierInvalidChars     Reason = "VERIFIER_INVALID_CHARS"
	ChallengeMismatch        Reason = "CHALLENGE_MISMATCH"
	ChallengeEncodingInvalid Reason = "CHALLENGE_ENCODING_INVALID"
	MethodNotSupported       Reason = "METHOD_NOT_SUPPORTED"

	StateMissing     Reason = "STATE_MISSING"
	StateMismatch    Reason = "STATE_MISMATCH"
	StateExpired     Reason = "STATE_EXPIRED"
	StateAlreadyUsed Reason = "STATE_ALREADY_USED"
	StateTooShort    Reason = "STATE_TOO_SHORT"

	NonceMissing     Reason = "NONCE_MISSING"
	NonceMismatch    Reason = "NONCE_MISMATCH"
	NonceTooShort    Reason = "NONCE_TOO_SHORT"
	NonceAlreadyUsed Reason = "NONCE_ALREADY_USED"
)

// Result is the structured outcome of a validation.
type Result struct {
	Valid   bool     `json:"isValid"`
	Reasons []Reason `json:"reasons,omitempty"`
}

// Has reports whether reason is among the failed sub-checks.
func (r Result) Has(reason Reason) bool {
	for _, got := range r.Reasons {
		if got == reason {
			return true
		}
	}
	return false
}

func invalid(reasons ...Reason) Result {
	return Result{Valid: false, Reasons: reasons}
}

type (
	PKCEValidationResult  = Result
	StateValidationResult = Result
	NonceValidationResult = Result
)

const (
	// MethodS256 is the only challenge method this package issues or accepts.
	MethodS256 = "S256"
	// MethodPlain is recognised so it can be refused explicitly.
	MethodPlain = "plain"

	MinVerifierLength     = 43
	MaxVerifierLength     = 128
	DefaultVerifierLength = MinVerifierLength

	// DefaultStateTTL is how long a generated state value stays acceptable.
	DefaultStateTTL = 10 * time.Minute

	// tokenBytes is the number of random bytes behind a state or nonce value.
	// 32 bytes encode to 43 base64url characters (256 bits of entropy).
	tokenBytes = 32

	// MinTokenLength is the shortest state or nonce accepted on the way back in:
	// 22 base64url characters carry 128 bits.
	MinTokenLength = 22
)

var (
	ErrMethodNotSupported    = errors.New("params: code challenge method not supported")
	ErrInvalidVerifierLength = errors.New("params: verifier length out of range")
)

// Service generates and validates security parameters.
type Service struct {
	verifierLength int
	method         string
	stateTTL       time.Duration
	now            func() time.Time
	random         io.Reader
}

// Option configures a Service.
type Option func(*Service)

// WithVerifierLength sets the generated PKCE verifier length (43..128).
func WithVerifierLength(n int) Option {
	return func(s *Service) {
		s.verifierLength = n
	}
}

// WithChallengeMethod selects the PKCE challenge method. Only S256 is accepted.
func WithChallengeMethod(method string) Option {
	return func(s *Service) {
		s.method = method
	}
}

// WithStateTTL sets the lifetime of generated state values.
func WithStateTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.stateTTL = ttl
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithRandom overrides the randomness source. It must be cryptographically secure
// outside of tests.
func WithRandom(r io.Reader) Option {
	return func(s *Service) {
		s.random = r
	}
}

// NewService creates a Service. It refuses any challenge method other than S256
// and verifier lengths outside 43..128.
func NewService(opts ...Option) (*Service, error) {
	s := &Service{
		verifierLength: DefaultVerifierLength,
		method:         MethodS256,
		stateTTL:       DefaultStateTTL,
		now:            time.Now,
		random:         rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.method != MethodS256 {
		return nil, fmt.Errorf("%w: %q", ErrMethodNotSupported, s.method)
	}
	if s.verifierLength < MinVerifierLength || s.verifierLength > MaxVerifierLength {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVerifierLength, s.verifierLength)
	}
	if s.stateTTL <= 0 {
		s.stateTTL = DefaultStateTTL
	}
	return s, nil
}

// randomToken returns tokenBytes of randomness, base64url encoded without padding.
func (s *Service) randomToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(s.random, b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
