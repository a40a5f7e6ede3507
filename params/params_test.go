package params

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	s, err := NewService(opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return s
}

func TestNewService_Options(t *testing.T) {
	if _, err := NewService(WithChallengeMethod(MethodPlain)); !errors.Is(err, ErrMethodNotSupported) {
		t.Errorf("plain method: expected ErrMethodNotSupported, got %v", err)
	}
	for _, n := range []int{0, 42, 129} {
		if _, err := NewService(WithVerifierLength(n)); !errors.Is(err, ErrInvalidVerifierLength) {
			t.Errorf("length %d: expected ErrInvalidVerifierLength, got %v", n, err)
		}
	}
	for _, n := range []int{43, 64, 128} {
		s := newTestService(t, WithVerifierLength(n))
		p, err := s.GeneratePKCE()
		if err != nil {
			t.Fatalf("GeneratePKCE: %v", err)
		}
		if len(p.CodeVerifier) != n {
			t.Errorf("expected verifier length %d, got %d", n, len(p.CodeVerifier))
		}
	}
}

func TestGeneratePKCE(t *testing.T) {
	s := newTestService(t)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		p, err := s.GeneratePKCE()
		if err != nil {
			t.Fatalf("GeneratePKCE: %v", err)
		}
		if p.CodeChallengeMethod != MethodS256 {
			t.Errorf("expected S256, got %q", p.CodeChallengeMethod)
		}
		if len(p.CodeVerifier) != DefaultVerifierLength {
			t.Errorf("expected default length %d, got %d", DefaultVerifierLength, len(p.CodeVerifier))
		}
		if !validVerifierChars(p.CodeVerifier) {
			t.Errorf("verifier has characters outside the unreserved set: %q", p.CodeVerifier)
		}
		if p.CodeChallenge != ComputeChallenge(p.CodeVerifier) {
			t.Error("challenge does not match verifier")
		}
		if seen[p.CodeVerifier] {
			t.Fatal("duplicate verifier")
		}
		seen[p.CodeVerifier] = true
	}
}

func TestGeneratePKCE_RandomFailure(t *testing.T) {
	s := newTestService(t, WithRandom(bytes.NewReader(nil)))
	if _, err := s.GeneratePKCE(); err == nil {
		t.Error("expected error from exhausted random source")
	}
}

func TestPKCEParams_JSONOmitsVerifier(t *testing.T) {
	s := newTestService(t)
	p, _ := s.GeneratePKCE()
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), p.CodeVerifier) {
		t.Errorf("verifier leaked into JSON: %s", b)
	}
}

func TestValidatePKCE_ValidLengths(t *testing.T) {
	for n := MinVerifierLength; n <= MaxVerifierLength; n++ {
		v := strings.Repeat(verifierAlphabet, 2)[:n]
		res := ValidatePKCE(v, ComputeChallenge(v))
		if !res.Valid {
			t.Fatalf("length %d: expected valid, got %v", n, res.Reasons)
		}
	}
}

func TestValidatePKCE_LengthOutOfRange(t *testing.T) {
	short := strings.Repeat("a", 42)
	long := strings.Repeat("a", 129)

	tests := []struct {
		name      string
		verifier  string
		challenge string
		want      Reason
	}{
		{"short correct challenge", short, ComputeChallenge(short), VerifierTooShort},
		{"short wrong challenge", short, ComputeChallenge("x"), VerifierTooShort},
		{"long correct challenge", long, ComputeChallenge(long), VerifierTooLong},
		{"long garbage challenge", long, "!!", VerifierTooLong},
		{"empty", "", "", VerifierTooShort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ValidatePKCE(tt.verifier, tt.challenge)
			if res.Valid {
				t.Fatal("expected invalid")
			}
			if !res.Has(tt.want) {
				t.Errorf("expected %s in %v", tt.want, res.Reasons)
			}
		})
	}
}

func TestValidatePKCE_Reasons(t *testing.T) {
	good := strings.Repeat("abc", 15)

	tests := []struct {
		name      string
		verifier  string
		challenge string
		method    string
		want      []Reason
		notWant   []Reason
	}{
		{
			name:      "invalid chars",
			verifier:  good[:42] + "+",
			challenge: ComputeChallenge(good[:42] + "+"),
			method:    MethodS256,
			want:      []Reason{VerifierInvalidChars},
			notWant:   []Reason{ChallengeMismatch, VerifierTooShort},
		},
		{
			name:      "mismatch",
			verifier:  good,
			challenge: ComputeChallenge(good + "x"),
			method:    MethodS256,
			want:      []Reason{ChallengeMismatch},
			notWant:   []Reason{ChallengeEncodingInvalid},
		},
		{
			name:      "malformed challenge",
			verifier:  good,
			challenge: "not base64url!",
			method:    MethodS256,
			want:      []Reason{ChallengeEncodingInvalid, ChallengeMismatch},
		},
		{
			name:      "plain method",
			verifier:  good,
			challenge: good,
			method:    MethodPlain,
			want:      []Reason{MethodNotSupported},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ValidatePKCEMethod(tt.verifier, tt.challenge, tt.method)
			if res.Valid {
				t.Fatal("expected invalid")
			}
			for _, r := range tt.want {
				if !res.Has(r) {
					t.Errorf("expected %s in %v", r, res.Reasons)
				}
			}
			for _, r := range tt.notWant {
				if res.Has(r) {
					t.Errorf("unexpected %s in %v", r, res.Reasons)
				}
			}
		})
	}
}

func TestValidateState_SingleUse(t *testing.T) {
	s := newTestService(t)
	st, err := s.GenerateState()
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Value) != 43 {
		t.Errorf("expected 43 character state, got %d", len(st.Value))
	}

	if res := s.ValidateState(st.Value, st); !res.Valid {
		t.Fatalf("first validation failed: %v", res.Reasons)
	}
	if !st.Used() {
		t.Error("expected state to be marked used")
	}
	res := s.ValidateState(st.Value, st)
	if res.Valid || !res.Has(StateAlreadyUsed) {
		t.Errorf("expected STATE_ALREADY_USED on replay, got %+v", res)
	}
}

func TestValidateState_FailuresDoNotConsume(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestService(t, WithClock(func() time.Time { return now }))
	st, _ := s.GenerateState()

	tests := []struct {
		name     string
		received string
		want     Reason
	}{
		{"missing", "", StateMissing},
		{"mismatch", strings.Repeat("A", 43), StateMismatch},
		{"too short", "wrong", StateTooShort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.ValidateState(tt.received, st)
			if res.Valid || !res.Has(tt.want) {
				t.Errorf("expected %s, got %+v", tt.want, res)
			}
		})
	}
	if st.Used() {
		t.Fatal("failed validation consumed the state")
	}
	if res := s.ValidateState(st.Value, st); !res.Valid {
		t.Errorf("expected valid after failures, got %v", res.Reasons)
	}
}

func TestValidateState_WrongReportsMismatch(t *testing.T) {
	s := newTestService(t)
	st, _ := s.GenerateState()
	res := s.ValidateState("wrong", st)
	if !res.Has(StateMismatch) || !res.Has(StateTooShort) {
		t.Errorf("expected mismatch and too short, got %v", res.Reasons)
	}
}

func TestValidateState_Expired(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestService(t, WithClock(func() time.Time { return now }))
	st, _ := s.GenerateStateTTL(time.Minute)
	if !st.ExpiresAt.Equal(now.Add(time.Minute)) {
		t.Errorf("unexpected expiry %v", st.ExpiresAt)
	}
	now = now.Add(time.Minute)
	res := s.ValidateState(st.Value, st)
	if res.Valid || !res.Has(StateExpired) {
		t.Errorf("expected STATE_EXPIRED, got %+v", res)
	}
}

func TestValidateState_NilStored(t *testing.T) {
	s := newTestService(t)
	res := s.ValidateState("anything-at-all-long-enough", nil)
	if res.Valid || !res.Has(StateMissing) {
		t.Errorf("expected STATE_MISSING, got %+v", res)
	}
}

func TestValidateState_Concurrent(t *testing.T) {
	s := newTestService(t)
	st, _ := s.GenerateState()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.ValidateState(st.Value, st).Valid {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("expected exactly one successful validation, got %d", wins.Load())
	}
}

func TestValidateNonce(t *testing.T) {
	s := newTestService(t)
	n, err := s.GenerateNonce()
	if err != nil {
		t.Fatal(err)
	}

	if res := s.ValidateNonce("", n); !res.Has(NonceMissing) {
		t.Errorf("expected NONCE_MISSING, got %v", res.Reasons)
	}
	if res := s.ValidateNonce("short", n); !res.Has(NonceTooShort) || !res.Has(NonceMismatch) {
		t.Errorf("expected NONCE_TOO_SHORT and NONCE_MISMATCH, got %v", res.Reasons)
	}
	if n.Verified() {
		t.Fatal("failed validation marked nonce verified")
	}
	if res := s.ValidateNonce(n.Value, n); !res.Valid {
		t.Fatalf("expected valid nonce, got %v", res.Reasons)
	}
	if !n.Verified() {
		t.Error("expected nonce verified")
	}
	if res := s.ValidateNonce(n.Value, n); !res.Has(NonceAlreadyUsed) {
		t.Errorf("expected NONCE_ALREADY_USED, got %v", res.Reasons)
	}
}

func TestStateParam_MarshalJSON(t *testing.T) {
	s := newTestService(t)
	st, _ := s.GenerateState()
	s.ValidateState(st.Value, st)

	var got struct {
		Value string `json:"value"`
		Used  bool   `json:"used"`
	}
	b, err := json.Marshal(st)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if got.Value != st.Value || !got.Used {
		t.Errorf("unexpected JSON %s", b)
	}
}
