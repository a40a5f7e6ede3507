package auth

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// signatureAlgorithms are the ID token algorithms accepted for parsing.
var signatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA,
}

// SignatureValidator verifies a JWT's signature against a key set.
type SignatureValidator interface {
	VerifySignature(ctx context.Context, rawJWT string, keys oidc.KeySet) (bool, error)
}

// KeySetValidator is the SignatureValidator that defers to the key set.
type KeySetValidator struct{}

// VerifySignature implements SignatureValidator. A signature that does not
// verify returns false and the reason.
func (KeySetValidator) VerifySignature(ctx context.Context, rawJWT string, keys oidc.KeySet) (bool, error) {
	if keys == nil {
		return false, errors.New("no key set")
	}
	if _, err := keys.VerifySignature(ctx, rawJWT); err != nil {
		return false, err
	}
	return true, nil
}

// StaticKeySet parses an inline JSON Web Key Set.
func StaticKeySet(raw json.RawMessage) (oidc.KeySet, error) {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}
	var keys []crypto.PublicKey
	for _, k := range set.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub := k.Public()
		if !pub.Valid() {
			continue
		}
		keys = append(keys, pub.Key)
	}
	if len(keys) == 0 {
		return nil, errors.New("parse jwks: no signing keys")
	}
	return &oidc.StaticKeySet{PublicKeys: keys}, nil
}

// unverifiedNonce reads the nonce claim of an ID token without checking its
// signature. The signature is checked separately so that a bad signature and a
// bad nonce are reported independently.
func unverifiedNonce(rawIDToken string) (string, error) {
	tok, err := jwt.ParseSigned(rawIDToken, signatureAlgorithms)
	if err != nil {
		return "", err
	}
	var claims struct {
		Nonce string `json:"nonce"`
	}
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return "", err
	}
	return claims.Nonce, nil
}
