package params

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
)

// verifierAlphabet is the RFC 7636 unreserved character set.
const verifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// challengeLength is the encoded length of a SHA-256 digest in unpadded base64url.
const challengeLength = 43

// PKCEParams is the verifier/challenge pair of one flow.
//
// CodeVerifier is never serialized: it is sent only in the token request.
type PKCEParams struct {
	CodeVerifier        string `json:"-"`
	CodeChallenge       string `json:"codeChallenge"`
	CodeChallengeMethod string `json:"codeChallengeMethod"`
}

// GeneratePKCE creates a verifier of the configured length drawn uniformly from the
// unreserved alphabet, and its S256 challenge.
func (s *Service) GeneratePKCE() (*PKCEParams, error) {
	verifier, err := s.randomVerifier(s.verifierLength)
	if err != nil {
		return nil, fmt.Errorf("params: generate verifier: %w", err)
	}
	return &PKCEParams{
		CodeVerifier:        verifier,
		CodeChallenge:       ComputeChallenge(verifier),
		CodeChallengeMethod: MethodS256,
	}, nil
}

func (s *Service) randomVerifier(n int) (string, error) {
	// Rejection sampling keeps the distribution uniform: only bytes below the
	// largest multiple of the alphabet size are used.
	const limit = 256 - 256%len(verifierAlphabet)
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := io.ReadFull(s.random, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, verifierAlphabet[int(b)%len(verifierAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// ComputeChallenge returns BASE64URL(SHA-256(verifier)).
func ComputeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ValidatePKCE checks verifier against an S256 challenge.
func ValidatePKCE(verifier, challenge string) PKCEValidationResult {
	return ValidatePKCEMethod(verifier, challenge, MethodS256)
}

// ValidatePKCEMethod checks verifier against challenge for the given method and
// reports every failed sub-check.
func ValidatePKCEMethod(verifier, challenge, method string) PKCEValidationResult {
	var reasons []Reason
	if method != MethodS256 {
		reasons = append(reasons, MethodNotSupported)
	}
	switch {
	case len(verifier) < MinVerifierLength:
		reasons = append(reasons, VerifierTooShort)
	case len(verifier) > MaxVerifierLength:
		reasons = append(reasons, VerifierTooLong)
	}
	if !validVerifierChars(verifier) {
		reasons = append(reasons, VerifierInvalidChars)
	}
	if !validChallengeEncoding(challenge) {
		reasons = append(reasons, ChallengeEncodingInvalid)
	}
	if subtle.ConstantTimeCompare([]byte(ComputeChallenge(verifier)), []byte(challenge)) != 1 {
		reasons = append(reasons, ChallengeMismatch)
	}
	if len(reasons) > 0 {
		return invalid(reasons...)
	}
	return Result{Valid: true}
}

func validVerifierChars(v string) bool {
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}

func validChallengeEncoding(challenge string) bool {
	if len(challenge) != challengeLength {
		return false
	}
	b, err := base64.RawURLEncoding.DecodeString(challenge)
	return err == nil && len(b) == sha256.Size
}
