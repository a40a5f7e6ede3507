package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/mnehpets/oauthlab/capture"
	"github.com/mnehpets/oauthlab/flow"
	"golang.org/x/oauth2"
)

// TokenRequest is an authorization code grant request (RFC 6749 section 4.1.3).
type TokenRequest struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	// AuthMethod is one of the flow.AuthMethod constants.
	AuthMethod   string
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// TokenExchanger redeems an authorization code at the token endpoint. The
// returned capture is non-nil whenever a request was sent, including on error.
type TokenExchanger interface {
	Exchange(ctx context.Context, req TokenRequest) (*flow.Tokens, *capture.Exchange, error)
}

// OAuth2Exchanger is the TokenExchanger backed by golang.org/x/oauth2.
type OAuth2Exchanger struct {
	client *http.Client
}

// NewOAuth2Exchanger creates an exchanger that sends requests with client, or
// http.DefaultClient when client is nil.
func NewOAuth2Exchanger(client *http.Client) *OAuth2Exchanger {
	if client == nil {
		client = http.DefaultClient
	}
	return &OAuth2Exchanger{client: client}
}

// authStyle maps a client authentication method to the oauth2 style. The style
// is always explicit: auto-detection retries a failed request with the other
// style, which would send the single-use code twice.
func authStyle(method string) oauth2.AuthStyle {
	if method == flow.AuthMethodClientSecretBasic {
		return oauth2.AuthStyleInHeader
	}
	return oauth2.AuthStyleInParams
}

// Exchange implements TokenExchanger.
func (x *OAuth2Exchanger) Exchange(ctx context.Context, req TokenRequest) (*flow.Tokens, *capture.Exchange, error) {
	transport := capture.NewTransport(x.client.Transport)
	hc := *x.client
	hc.Transport = transport
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &hc)

	conf := &oauth2.Config{
		ClientID: req.ClientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  req.TokenURL,
			AuthStyle: authStyle(req.AuthMethod),
		},
		RedirectURL: req.RedirectURI,
	}
	if req.AuthMethod != flow.AuthMethodNone {
		conf.ClientSecret = req.ClientSecret
	}

	var opts []oauth2.AuthCodeOption
	if req.CodeVerifier != "" {
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", req.CodeVerifier))
	}

	tok, err := conf.Exchange(ctx, req.Code, opts...)
	captured := transport.Last()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode != "" {
			return nil, captured, &ProtocolError{Code: re.ErrorCode, Description: re.ErrorDescription, URI: re.ErrorURI}
		}
		return nil, captured, &InfrastructureError{Op: "token exchange", Code: CodeInternalError, Err: err}
	}

	tokens := &flow.Tokens{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		tokens.IDToken = idToken
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		tokens.Scope = scope
	}
	return tokens, captured, nil
}

var _ TokenExchanger = (*OAuth2Exchanger)(nil)
