package auth

import (
	"net/http"

	"github.com/gorilla/securecookie"

	"github.com/kellnr/kellnr/kellnrerr"
)

// SessionCookieName is the cookie the web login flow sets.
const SessionCookieName = "kellnr_session"

// CookieJar seals session tokens into an encrypted, authenticated
// cookie. The hash and block keys are process-wide immutable state,
// generated once at startup; restarting the process invalidates every
// outstanding cookie, which is acceptable because the session rows they
// point at are swept on age anyway.
type CookieJar struct {
	codec *securecookie.SecureCookie
}

// NewCookieJar creates a jar with fresh random keys.
func NewCookieJar() *CookieJar {
	return &CookieJar{
		codec: securecookie.New(
			securecookie.GenerateRandomKey(64),
			securecookie.GenerateRandomKey(32),
		),
	}
}

// Seal encodes a session token into a cookie ready to be set on the
// response.
func (j *CookieJar) Seal(token string) (*http.Cookie, error) {
	encoded, err := j.codec.Encode(SessionCookieName, token)
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}, nil
}

// Open decodes a cookie back into the session token it sealed. Any
// tamper or decode failure surfaces as an unauthenticated error, the same
// as a missing cookie, so callers cannot distinguish the two.
func (j *CookieJar) Open(cookie *http.Cookie) (string, error) {
	if cookie == nil {
		return "", kellnrerr.Unauthenticated("no session cookie", nil)
	}
	var token string
	if err := j.codec.Decode(SessionCookieName, cookie.Value, &token); err != nil {
		return "", kellnrerr.Unauthenticated("invalid session cookie", err)
	}
	return token, nil
}

// Expired returns a cookie that clears the session on the client.
func (j *CookieJar) Expired() *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}
