package auth_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/kellnr/kellnr/auth"
	"github.com/kellnr/kellnr/db"
	"github.com/kellnr/kellnr/kellnrerr"
)

func newTestProvider(t *testing.T) *db.GormProvider {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(db.AllModels()...))
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return db.NewGormProvider(gdb, db.RegistryConfig{})
}

func addUser(t *testing.T, p *db.GormProvider, name, password string, isAdmin bool) int64 {
	t.Helper()
	salt, err := auth.GenerateSalt()
	require.NoError(t, err)
	hash, err := auth.HashPassword(password, salt)
	require.NoError(t, err)
	id, err := p.AddUser(context.Background(), name, hash, salt, isAdmin)
	require.NoError(t, err)
	return id
}

func TestTokenHashIsDeterministicAndOpaque(t *testing.T) {
	token, err := auth.GenerateToken()
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	h1 := auth.HashToken(token)
	h2 := auth.HashToken(token)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
	assert.NotEqual(t, token, h1)

	other, err := auth.GenerateToken()
	require.NoError(t, err)
	assert.NotEqual(t, auth.HashToken(other), h1)
}

func TestPasswordHashRoundTrip(t *testing.T) {
	salt, err := auth.GenerateSalt()
	require.NoError(t, err)
	hash, err := auth.HashPassword("hunter2", salt)
	require.NoError(t, err)

	require.NoError(t, auth.VerifyPassword("hunter2", salt, hash))

	err = auth.VerifyPassword("hunter3", salt, hash)
	require.Error(t, err)
	assert.True(t, kellnrerr.Is(err, kellnrerr.KindAuthorization))

	_, err = auth.HashPassword("", salt)
	require.Error(t, err)
	assert.True(t, kellnrerr.Is(err, kellnrerr.KindValidation))
}

func TestCookieJarRejectsTamperedCookies(t *testing.T) {
	jar := auth.NewCookieJar()
	cookie, err := jar.Seal("session-token-value")
	require.NoError(t, err)

	token, err := jar.Open(cookie)
	require.NoError(t, err)
	assert.Equal(t, "session-token-value", token)

	_, err = jar.Open(&http.Cookie{Name: auth.SessionCookieName, Value: cookie.Value + "x"})
	require.Error(t, err)
	assert.True(t, kellnrerr.Is(err, kellnrerr.KindUnauthenticated))

	_, err = jar.Open(nil)
	require.Error(t, err)

	// A second jar has different process keys and must reject the
	// first jar's cookies.
	otherJar := auth.NewCookieJar()
	_, err = otherJar.Open(cookie)
	require.Error(t, err)
}

func TestBearerTokenAuthentication(t *testing.T) {
	p := newTestProvider(t)
	svc := auth.NewService(p, auth.NewCookieJar())
	ctx := context.Background()

	userID := addUser(t, p, "ci", "secret-password", false)
	token, err := auth.GenerateToken()
	require.NoError(t, err)
	_, err = p.AddAuthToken(ctx, userID, "ci-token", auth.HashToken(token))
	require.NoError(t, err)

	actor, err := svc.AuthenticateToken(ctx, token)
	require.NoError(t, err)
	assert.True(t, actor.Authenticated())
	assert.Equal(t, "ci", actor.Name())

	_, err = svc.AuthenticateToken(ctx, "no-such-token")
	require.Error(t, err)
	assert.True(t, kellnrerr.Is(err, kellnrerr.KindUnauthenticated))
}

func TestLoginLogoutSessionLifecycle(t *testing.T) {
	p := newTestProvider(t)
	svc := auth.NewService(p, auth.NewCookieJar())
	ctx := context.Background()
	addUser(t, p, "alice", "correct horse", false)

	_, err := svc.Login(ctx, "alice", "wrong password")
	require.Error(t, err)
	assert.True(t, kellnrerr.Is(err, kellnrerr.KindUnauthenticated))

	cookie, err := svc.Login(ctx, "alice", "correct horse")
	require.NoError(t, err)

	actor, err := svc.AuthenticateCookie(ctx, cookie)
	require.NoError(t, err)
	assert.Equal(t, "alice", actor.Name())

	expired, err := svc.Logout(ctx, cookie)
	require.NoError(t, err)
	assert.Negative(t, expired.MaxAge)

	_, err = svc.AuthenticateCookie(ctx, cookie)
	require.Error(t, err)
}

func TestReadOnlyTokenCannotModify(t *testing.T) {
	p := newTestProvider(t)
	svc := auth.NewService(p, auth.NewCookieJar())
	ctx := context.Background()

	roID := addUser(t, p, "bot", "pw-read-only", false)
	require.NoError(t, p.ChangeReadOnlyState(ctx, roID, true))
	adminID := addUser(t, p, "boss", "pw-admin", true)
	require.NoError(t, p.ChangeReadOnlyState(ctx, adminID, true))

	roUser, err := p.GetUser(ctx, roID)
	require.NoError(t, err)
	adminUser, err := p.GetUser(ctx, adminID)
	require.NoError(t, err)

	err = svc.EnsureCanModify(auth.TokenActor(roUser))
	require.Error(t, err)
	assert.True(t, kellnrerr.Is(err, kellnrerr.KindAuthorization))

	// A read-only admin token may still modify.
	require.NoError(t, svc.EnsureCanModify(auth.TokenActor(adminUser)))

	require.Error(t, svc.EnsureCanModify(auth.Anonymous()))
}

func TestRestrictedDownloadGate(t *testing.T) {
	p := newTestProvider(t)
	svc := auth.NewService(p, auth.NewCookieJar())
	ctx := context.Background()

	addUser(t, p, "owner1", "pw1", false)
	addUser(t, p, "member", "pw2", false)
	addUser(t, p, "outsider", "pw3", false)
	addUser(t, p, "root", "pw4", true)

	require.NoError(t, p.Publish(ctx, db.CrateVersionData{
		Name: "internal-tool", Version: "1.0.0", Checksum: "c", Deps: "[]", Features: "{}",
	}))
	require.NoError(t, p.AddOwner(ctx, "internal-tool", "owner1"))
	require.NoError(t, p.ChangeDownloadRestricted(ctx, "internal-tool", true))
	_, err := p.AddGroup(ctx, "team")
	require.NoError(t, err)
	require.NoError(t, p.AddGroupUser(ctx, "team", "member"))
	require.NoError(t, p.AddCrateGroup(ctx, "internal-tool", "team"))

	actorFor := func(name string) auth.Actor {
		u, err := p.GetUserByName(ctx, name)
		require.NoError(t, err)
		return auth.TokenActor(u)
	}

	require.NoError(t, svc.EnsureCanDownload(ctx, actorFor("owner1"), "internal-tool"))
	require.NoError(t, svc.EnsureCanDownload(ctx, actorFor("member"), "internal-tool"))
	require.NoError(t, svc.EnsureCanDownload(ctx, actorFor("root"), "internal-tool"))

	err = svc.EnsureCanDownload(ctx, actorFor("outsider"), "internal-tool")
	require.Error(t, err)
	assert.True(t, kellnrerr.Is(err, kellnrerr.KindAuthorization))

	err = svc.EnsureCanDownload(ctx, auth.Anonymous(), "internal-tool")
	require.Error(t, err)

	// Unrestricted crates stay open to anonymous downloads.
	require.NoError(t, p.Publish(ctx, db.CrateVersionData{
		Name: "public-lib", Version: "1.0.0", Checksum: "c", Deps: "[]", Features: "{}",
	}))
	require.NoError(t, svc.EnsureCanDownload(ctx, auth.Anonymous(), "public-lib"))
}

func TestOAuth2StateIsSingleUse(t *testing.T) {
	p := newTestProvider(t)
	states := auth.NewStateStore(p, nil)
	ctx := context.Background()

	require.NoError(t, states.Put(ctx, "state-1", "verifier-1", "nonce-1"))

	verifier, nonce, err := states.Take(ctx, "state-1")
	require.NoError(t, err)
	assert.Equal(t, "verifier-1", verifier)
	assert.Equal(t, "nonce-1", nonce)

	_, _, err = states.Take(ctx, "state-1")
	require.Error(t, err)
	assert.True(t, kellnrerr.Is(err, kellnrerr.KindAuthorization))

	_, _, err = states.Take(ctx, "never-stored")
	require.Error(t, err)
}
