// Package auth implements authentication and authorization for the
// registry: bearer-token hashing and validation, the encrypted session
// cookie jar, the polymorphic actor that write and download gates
// pattern-match on, and the OAuth2/OIDC identity-linking flow with its
// single-use state store.
package auth

import (
	"github.com/kellnr/kellnr/db"
)

type actorKind int

const (
	actorNone actorKind = iota
	actorToken
	actorSession
)

// Actor is the tagged variant behind every authorization decision: a
// bearer token, a session cookie, or nothing at all (the OptionToken
// case, which only restricted-download checks care about). It is a sum
// type with accessor methods rather than an interface hierarchy so the
// predicates below stay exhaustive pattern matches.
type Actor struct {
	kind actorKind
	user *db.User
}

// TokenActor wraps a user authenticated via a bearer token.
func TokenActor(user *db.User) Actor {
	return Actor{kind: actorToken, user: user}
}

// SessionActor wraps a user authenticated via the session cookie.
func SessionActor(user *db.User) Actor {
	return Actor{kind: actorSession, user: user}
}

// Anonymous is the absent-credentials actor. Reads of unrestricted
// crates accept it; everything else rejects it.
func Anonymous() Actor {
	return Actor{kind: actorNone}
}

// Authenticated reports whether the actor carries a validated identity.
func (a Actor) Authenticated() bool {
	return a.kind != actorNone && a.user != nil
}

// Name returns the authenticated user's name, or "" for Anonymous.
func (a Actor) Name() string {
	if a.user == nil {
		return ""
	}
	return a.user.Name
}

// IsAdmin reports the admin role of the underlying user.
func (a Actor) IsAdmin() bool {
	return a.user != nil && a.user.IsAdmin
}

// IsReadOnly reports whether the underlying user may only read. Session
// actors never carry the read-only restriction; it is a property of
// tokens handed to CI systems.
func (a Actor) IsReadOnly() bool {
	return a.kind == actorToken && a.user != nil && a.user.IsReadOnly
}

// User returns the underlying user row, or nil for Anonymous.
func (a Actor) User() *db.User {
	return a.user
}
