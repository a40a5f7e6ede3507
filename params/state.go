package params

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// StateParam is the CSRF state value of one flow.
//
// The used flag is only ever changed by ValidateState, from false to true.
type StateParam struct {
	Value       string
	GeneratedAt time.Time
	ExpiresAt   time.Time

	used atomic.Bool
}

// Used reports whether the state has been consumed by a successful validation.
func (p *StateParam) Used() bool {
	return p != nil && p.used.Load()
}

func (p *StateParam) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Value       string    `json:"value"`
		GeneratedAt time.Time `json:"generatedAt"`
		ExpiresAt   time.Time `json:"expiresAt"`
		Used        bool      `json:"used"`
	}{p.Value, p.GeneratedAt, p.ExpiresAt, p.Used()})
}

// GenerateState creates a state value valid for the configured TTL.
func (s *Service) GenerateState() (*StateParam, error) {
	return s.GenerateStateTTL(s.stateTTL)
}

// GenerateStateTTL creates a state value valid for ttl.
func (s *Service) GenerateStateTTL(ttl time.Duration) (*StateParam, error) {
	v, err := s.randomToken()
	if err != nil {
		return nil, fmt.Errorf("params: generate state: %w", err)
	}
	if ttl <= 0 {
		ttl = s.stateTTL
	}
	now := s.now()
	return &StateParam{Value: v, GeneratedAt: now, ExpiresAt: now.Add(ttl)}, nil
}

// ValidateState checks the state received on the callback against stored.
//
// A state passes at most once. Failed validations do not consume it.
func (s *Service) ValidateState(received string, stored *StateParam) StateValidationResult {
	if received == "" || stored == nil || stored.Value == "" {
		return invalid(StateMissing)
	}
	var reasons []Reason
	if len(received) < MinTokenLength {
		reasons = append(reasons, StateTooShort)
	}
	if subtle.ConstantTimeCompare([]byte(received), []byte(stored.Value)) != 1 {
		reasons = append(reasons, StateMismatch)
	}
	if !s.now().Before(stored.ExpiresAt) {
		reasons = append(reasons, StateExpired)
	}
	if stored.used.Load() {
		reasons = append(reasons, StateAlreadyUsed)
	}
	if len(reasons) > 0 {
		return invalid(reasons...)
	}
	if !stored.used.CompareAndSwap(false, true) {
		return invalid(StateAlreadyUsed)
	}
	return Result{Valid: true}
}

// NonceParam is the OIDC nonce of one flow, bound to the ID token's nonce claim.
type NonceParam struct {
	Value       string
	GeneratedAt time.Time

	verified atomic.Bool
}

// Verified reports whether an ID token carrying this nonce has been accepted.
func (p *NonceParam) Verified() bool {
	return p != nil && p.verified.Load()
}

func (p *NonceParam) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Value       string    `json:"value"`
		GeneratedAt time.Time `json:"generatedAt"`
		Verified    bool      `json:"verified"`
	}{p.Value, p.GeneratedAt, p.Verified()})
}

// GenerateNonce creates a nonce value.
func (s *Service) GenerateNonce() (*NonceParam, error) {
	v, err := s.randomToken()
	if err != nil {
		return nil, fmt.Errorf("params: generate nonce: %w", err)
	}
	return &NonceParam{Value: v, GeneratedAt: s.now()}, nil
}

// ValidateNonce checks the nonce claim taken from an ID token against stored.
func (s *Service) ValidateNonce(fromIDToken string, stored *NonceParam) NonceValidationResult {
	if fromIDToken == "" || stored == nil || stored.Value == "" {
		return invalid(NonceMissing)
	}
	var reasons []Reason
	if len(fromIDToken) < MinTokenLength {
		reasons = append(reasons, NonceTooShort)
	}
	if subtle.ConstantTimeCompare([]byte(fromIDToken), []byte(stored.Value)) != 1 {
		reasons = append(reasons, NonceMismatch)
	}
	if stored.verified.Load() {
		reasons = append(reasons, NonceAlreadyUsed)
	}
	if len(reasons) > 0 {
		return invalid(reasons...)
	}
	if !stored.verified.CompareAndSwap(false, true) {
		return invalid(NonceAlreadyUsed)
	}
	return Result{Valid: true}
}
