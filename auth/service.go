package auth

import (
	"context"
	"net/http"

	"github.com/kellnr/kellnr/db"
	"github.com/kellnr/kellnr/kellnrerr"
)

// Service ties the actor model to the database: it resolves credentials
// into Actors and evaluates the write and download gates against the
// ACL tables.
type Service struct {
	provider db.DbProvider
	jar      *CookieJar

	// AuthRequired mirrors the auth_required setting: when set, even
	// unrestricted downloads and prefetches demand a valid token.
	AuthRequired bool
}

// NewService wires a Service to its provider and cookie jar.
func NewService(provider db.DbProvider, jar *CookieJar) *Service {
	return &Service{provider: provider, jar: jar}
}

// Jar exposes the cookie jar for login/logout handlers.
func (s *Service) Jar() *CookieJar {
	return s.jar
}

// AuthenticateToken resolves a raw bearer token to its Actor. Unknown
// tokens surface as an unauthenticated error, not NotFound, so the HTTP
// layer maps them to 401 rather than leaking which tokens exist.
func (s *Service) AuthenticateToken(ctx context.Context, token string) (Actor, error) {
	user, err := s.provider.GetUserFromToken(ctx, HashToken(token))
	if err != nil {
		return Anonymous(), kellnrerr.Unauthenticated("invalid token", err)
	}
	return TokenActor(user), nil
}

// AuthenticateCookie opens the session cookie and resolves its token to
// an Actor. Missing, tampered, or swept sessions all read as
// unauthenticated.
func (s *Service) AuthenticateCookie(ctx context.Context, cookie *http.Cookie) (Actor, error) {
	token, err := s.jar.Open(cookie)
	if err != nil {
		return Anonymous(), err
	}
	user, err := s.provider.ValidateSession(ctx, token)
	if err != nil {
		return Anonymous(), kellnrerr.Unauthenticated("unauthenticated", err)
	}
	return SessionActor(user), nil
}

// Login verifies a name/password pair, creates a session row, and
// returns the sealed cookie to set on the response.
func (s *Service) Login(ctx context.Context, name, password string) (*http.Cookie, error) {
	user, err := s.provider.GetUserByName(ctx, name)
	if err != nil {
		return nil, kellnrerr.Unauthenticated("invalid username or password", err)
	}
	if err := VerifyPassword(password, user.Salt, user.PwdHash); err != nil {
		return nil, kellnrerr.Unauthenticated("invalid username or password", err)
	}
	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	if err := s.provider.AddSessionToken(ctx, user.ID, token); err != nil {
		return nil, err
	}
	return s.jar.Seal(token)
}

// Logout deletes the session row behind the cookie and returns the
// expired cookie to clear it client-side. A cookie that no longer
// decodes is treated as already logged out.
func (s *Service) Logout(ctx context.Context, cookie *http.Cookie) (*http.Cookie, error) {
	token, err := s.jar.Open(cookie)
	if err != nil {
		return s.jar.Expired(), nil
	}
	if err := s.provider.DeleteSessionToken(ctx, token); err != nil {
		return nil, err
	}
	return s.jar.Expired(), nil
}

// EnsureCanModify is the write gate: a read-only actor that is not an
// admin may not mutate registry state.
func (s *Service) EnsureCanModify(actor Actor) error {
	if !actor.Authenticated() {
		return kellnrerr.Unauthenticated("unauthenticated", nil)
	}
	if actor.IsReadOnly() && !actor.IsAdmin() {
		return kellnrerr.Authorization("read-only token cannot modify the registry", nil)
	}
	return nil
}

// EnsureCanDownload is the download gate. Unrestricted crates are open
// to anyone unless auth_required is set; a restricted crate demands the
// actor be admin, an owner, on the crate's user ACL, or a member of any
// group on its group ACL.
func (s *Service) EnsureCanDownload(ctx context.Context, actor Actor, crateName string) error {
	restricted, err := s.provider.IsDownloadRestricted(ctx, crateName)
	if err != nil {
		return err
	}
	if !restricted {
		if s.AuthRequired && !actor.Authenticated() {
			return kellnrerr.Unauthenticated("authentication required", nil)
		}
		return nil
	}
	if !actor.Authenticated() {
		return kellnrerr.Unauthenticated("download of this crate is restricted", nil)
	}
	if actor.IsAdmin() {
		return nil
	}
	for _, check := range []func(context.Context, string, string) (bool, error){
		s.provider.IsOwner,
		s.provider.IsCrateUser,
		s.provider.IsCrateGroupUser,
	} {
		ok, err := check(ctx, crateName, actor.Name())
		if err != nil && !kellnrerr.Is(err, kellnrerr.KindNotFound) {
			return err
		}
		if ok {
			return nil
		}
	}
	return kellnrerr.Authorization("download of this crate is restricted", nil)
}
