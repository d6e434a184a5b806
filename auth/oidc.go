package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/kellnr/kellnr/db"
	"github.com/kellnr/kellnr/kellnrerr"
)

// OIDCConfig names an external identity provider for the OAuth2 login
// flow. ProviderURL is the issuer URL without the
// /.well-known/openid-configuration suffix.
type OIDCConfig struct {
	ProviderURL  string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// OIDCClaims is the subset of ID-token claims the registry consumes.
type OIDCClaims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
	Nonce         string `json:"nonce,omitempty"`
	Issuer        string `json:"iss,omitempty"`
}

// OIDCProvider drives the authorization-code-with-PKCE login flow
// against one discovered provider and links verified identities to
// registry users.
type OIDCProvider struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	config   OIDCConfig
	db       db.DbProvider
	states   *StateStore
}

// NewOIDCProvider discovers the provider's endpoints and builds the
// ID-token verifier.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig, provider db.DbProvider, states *StateStore) (*OIDCProvider, error) {
	if cfg.ProviderURL == "" {
		return nil, kellnrerr.Validation("oidc provider URL is required", nil)
	}
	if cfg.ClientID == "" {
		return nil, kellnrerr.Validation("oidc client ID is required", nil)
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	p, err := oidc.NewProvider(ctx, cfg.ProviderURL)
	if err != nil {
		return nil, fmt.Errorf("discover oidc provider: %w", err)
	}
	return &OIDCProvider{
		provider: p,
		verifier: p.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		config:   cfg,
		db:       provider,
		states:   states,
	}, nil
}

func (p *OIDCProvider) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.config.ClientID,
		ClientSecret: p.config.ClientSecret,
		RedirectURL:  p.config.RedirectURL,
		Endpoint:     p.provider.Endpoint(),
		Scopes:       p.config.Scopes,
	}
}

func randomURLToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// BeginLogin stores a fresh single-use state with its PKCE verifier and
// nonce, and returns the provider URL to redirect the browser to.
func (p *OIDCProvider) BeginLogin(ctx context.Context) (authURL string, err error) {
	state, err := randomURLToken()
	if err != nil {
		return "", err
	}
	nonce, err := randomURLToken()
	if err != nil {
		return "", err
	}
	pkceVerifier := oauth2.GenerateVerifier()
	if err := p.states.Put(ctx, state, pkceVerifier, nonce); err != nil {
		return "", err
	}
	return p.oauth2Config().AuthCodeURL(state,
		oauth2.S256ChallengeOption(pkceVerifier),
		oidc.Nonce(nonce),
	), nil
}

// CompleteLogin consumes the callback: it takes (and thereby burns) the
// state, exchanges the code with the stored PKCE verifier, verifies the
// ID token and its nonce, and resolves or provisions the linked user.
// First-time identities get a fresh non-admin user named after the
// claim's full email address, falling back to the subject.
func (p *OIDCProvider) CompleteLogin(ctx context.Context, state, code string) (*db.User, error) {
	pkceVerifier, nonce, err := p.states.Take(ctx, state)
	if err != nil {
		return nil, err
	}
	token, err := p.oauth2Config().Exchange(ctx, code, oauth2.VerifierOption(pkceVerifier))
	if err != nil {
		return nil, kellnrerr.Authorization("oauth2 code exchange failed", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, kellnrerr.Authorization("token response carried no id_token", nil)
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, kellnrerr.Authorization("id token verification failed", err)
	}
	var claims OIDCClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse id token claims: %w", err)
	}
	if claims.Nonce != nonce {
		return nil, kellnrerr.Authorization("id token nonce mismatch", nil)
	}

	user, err := p.db.GetUserByOAuth2Identity(ctx, claims.Issuer, claims.Subject)
	if err == nil {
		return user, nil
	}
	if !kellnrerr.Is(err, kellnrerr.KindNotFound) {
		return nil, err
	}
	return p.provisionUser(ctx, claims)
}

// provisionUser creates a registry user for a first-time identity. The
// account gets an unguessable random password; the external provider is
// its only login path until an admin sets one.
func (p *OIDCProvider) provisionUser(ctx context.Context, claims OIDCClaims) (*db.User, error) {
	name := claims.Subject
	if claims.Email != "" {
		name = claims.Email
	}
	if available, err := p.db.IsUsernameAvailable(ctx, name); err != nil {
		return nil, err
	} else if !available {
		name = name + "-" + claims.Subject
	}

	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}
	randomPwd, err := randomURLToken()
	if err != nil {
		return nil, err
	}
	pwdHash, err := HashPassword(randomPwd, salt)
	if err != nil {
		return nil, err
	}
	userID, err := p.db.AddUser(ctx, name, pwdHash, salt, false)
	if err != nil {
		return nil, err
	}
	var email *string
	if claims.Email != "" {
		email = &claims.Email
	}
	if err := p.db.LinkOAuth2Identity(ctx, userID, claims.Issuer, claims.Subject, email); err != nil {
		return nil, err
	}
	return p.db.GetUser(ctx, userID)
}
