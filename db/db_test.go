package db_test

import (
	"context"
	"testing"

	"github.com/kellnr/kellnr/db"
	"github.com/kellnr/kellnr/kellnrerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// newTestProvider is the permissive fixture: ownerless crates allowed,
// no required fields, so tests can mutate ACLs freely.
func newTestProvider(t *testing.T) *db.GormProvider {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(db.AllModels()...))
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return db.NewGormProvider(gdb, db.RegistryConfig{AllowOwnerlessCrates: true})
}

// newRestrictiveProvider keeps last-owner protection on, for the tests
// that exercise that branch.
func newRestrictiveProvider(t *testing.T) *db.GormProvider {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(db.AllModels()...))
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return db.NewGormProvider(gdb, db.RegistryConfig{AllowOwnerlessCrates: false})
}

func TestAddUserAndUniqueName(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	id, err := p.AddUser(ctx, "alice", "hash", "salt", false)
	require.NoError(t, err)
	assert.NotZero(t, id)

	avail, err := p.IsUsernameAvailable(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, avail)

	u, err := p.GetUserByName(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Name)
	assert.False(t, u.IsAdmin)
}

func TestAuthenticateUserWrongPassword(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	_, err := p.AddUser(ctx, "bob", "correcthash", "salt", false)
	require.NoError(t, err)

	_, err = p.AuthenticateUser(ctx, "bob", "wronghash")
	require.Error(t, err)
	assert.True(t, kellnrerr.Is(err, kellnrerr.KindAuthorization))
}

func TestPublishCreatesNewVersionAndRejectsDuplicate(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	data := db.CrateVersionData{
		Name: "my-crate", Version: "0.1.0", Checksum: "abc123",
		Deps: "[]", Features: "{}", Authors: []string{"alice"}, Keywords: []string{"cli"},
	}
	require.NoError(t, p.Publish(ctx, data))

	max, err := p.GetMaxVersionFromName(ctx, "my-crate")
	require.NoError(t, err)
	assert.Equal(t, "0.1.0", max)

	err = p.Publish(ctx, data)
	require.Error(t, err)
	assert.True(t, kellnrerr.Is(err, kellnrerr.KindConflict))

	data2 := data
	data2.Version = "0.2.0"
	data2.Checksum = "def456"
	require.NoError(t, p.Publish(ctx, data2))

	max, err = p.GetMaxVersionFromName(ctx, "my-crate")
	require.NoError(t, err)
	assert.Equal(t, "0.2.0", max)

	summary, err := p.GetCrateData(ctx, "my-crate")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, summary.Authors)
	assert.Equal(t, []string{"cli"}, summary.Keywords)

	_, etag1, err := p.GetPrefetchData(ctx, "my-crate")
	require.NoError(t, err)
	assert.Len(t, etag1, 64)
}

func TestDeleteRecomputesMaxVersion(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	for _, v := range []string{"1.0.0", "2.0.0", "3.0.0"} {
		require.NoError(t, p.Publish(ctx, db.CrateVersionData{
			Name: "crate", Version: v, Checksum: "c-" + v, Deps: "[]", Features: "{}",
		}))
	}

	require.NoError(t, p.Delete(ctx, "crate", "3.0.0"))

	max, err := p.GetMaxVersionFromName(ctx, "crate")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", max)

	require.NoError(t, p.Delete(ctx, "crate", "1.0.0"))
	require.NoError(t, p.Delete(ctx, "crate", "2.0.0"))

	_, err = p.GetMaxVersionFromName(ctx, "crate")
	require.Error(t, err)
	assert.True(t, kellnrerr.Is(err, kellnrerr.KindNotFound))
}

func TestYankAndUnyank(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	require.NoError(t, p.Publish(ctx, db.CrateVersionData{
		Name: "yankable", Version: "1.0.0", Checksum: "c1", Deps: "[]", Features: "{}",
	}))

	require.NoError(t, p.YankCrate(ctx, "yankable", "1.0.0"))
	versions, err := p.GetCrateVersions(ctx, "yankable")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.True(t, versions[0].Yanked)

	require.NoError(t, p.UnyankCrate(ctx, "yankable", "1.0.0"))
	versions, err = p.GetCrateVersions(ctx, "yankable")
	require.NoError(t, err)
	assert.False(t, versions[0].Yanked)
}

func TestOwnershipACL(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	_, err := p.AddUser(ctx, "owner1", "h", "s", false)
	require.NoError(t, err)
	require.NoError(t, p.Publish(ctx, db.CrateVersionData{
		Name: "acl-crate", Version: "1.0.0", Checksum: "c", Deps: "[]", Features: "{}",
	}))

	require.NoError(t, p.AddOwner(ctx, "acl-crate", "owner1"))
	isOwner, err := p.IsOwner(ctx, "acl-crate", "owner1")
	require.NoError(t, err)
	assert.True(t, isOwner)

	require.NoError(t, p.DeleteOwner(ctx, "acl-crate", "owner1"))
	isOwner, err = p.IsOwner(ctx, "acl-crate", "owner1")
	require.NoError(t, err)
	assert.False(t, isOwner)
}

func TestLastOwnerProtection(t *testing.T) {
	p := newRestrictiveProvider(t)
	ctx := context.Background()
	_, err := p.AddUser(ctx, "admin", "h", "s", true)
	require.NoError(t, err)
	require.NoError(t, p.Publish(ctx, db.CrateVersionData{
		Name: "test_lib", Version: "1.0.0", Checksum: "c", Deps: "[]", Features: "{}",
		Actor: "admin",
	}))

	isOwner, err := p.IsOwner(ctx, "test_lib", "admin")
	require.NoError(t, err)
	require.True(t, isOwner)

	err = p.DeleteOwner(ctx, "test_lib", "admin")
	require.Error(t, err)
	assert.True(t, kellnrerr.Is(err, kellnrerr.KindConflict))

	isOwner, err = p.IsOwner(ctx, "test_lib", "admin")
	require.NoError(t, err)
	assert.True(t, isOwner)
}

func TestGroupDownloadACL(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	_, err := p.AddUser(ctx, "member", "h", "s", false)
	require.NoError(t, err)
	_, err = p.AddGroup(ctx, "devs")
	require.NoError(t, err)
	require.NoError(t, p.AddGroupUser(ctx, "devs", "member"))
	require.NoError(t, p.Publish(ctx, db.CrateVersionData{
		Name: "restricted", Version: "1.0.0", Checksum: "c", Deps: "[]", Features: "{}",
	}))
	require.NoError(t, p.ChangeDownloadRestricted(ctx, "restricted", true))
	require.NoError(t, p.AddCrateGroup(ctx, "restricted", "devs"))

	ok, err := p.IsCrateGroupUser(ctx, "restricted", "member")
	require.NoError(t, err)
	assert.True(t, ok)

	restricted, err := p.IsDownloadRestricted(ctx, "restricted")
	require.NoError(t, err)
	assert.True(t, restricted)
}

func TestMaxVersionSemverPrecedence(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	publish := func(v string) {
		require.NoError(t, p.Publish(ctx, db.CrateVersionData{
			Name: "pre-crate", Version: v, Checksum: "c-" + v, Deps: "[]", Features: "{}",
		}))
	}
	expectMax := func(want string) {
		max, err := p.GetMaxVersionFromName(ctx, "pre-crate")
		require.NoError(t, err)
		assert.Equal(t, want, max)
	}

	// Prereleases of the same core order by identifier precedence.
	publish("1.0.0-alpha")
	publish("1.0.0-beta")
	expectMax("1.0.0-beta")

	// Numeric prerelease identifiers rank below alphanumeric ones, and
	// a longer identifier set outranks its prefix.
	publish("1.0.0-alpha.1")
	expectMax("1.0.0-beta")
	publish("1.0.0-beta.2")
	expectMax("1.0.0-beta.2")
	publish("1.0.0-beta.11")
	expectMax("1.0.0-beta.11")

	// The release outranks every prerelease of its core.
	publish("1.0.0")
	expectMax("1.0.0")

	// A prerelease of a higher core still wins, build metadata does not
	// participate.
	publish("1.1.0-rc.1")
	expectMax("1.1.0-rc.1")
	publish("1.1.0+build.5")
	expectMax("1.1.0+build.5")
}

func TestTopCratesDownloads(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, p.Publish(ctx, db.CrateVersionData{
			Name: "crate" + string(rune('0'+i)), Version: "1.0.0", Checksum: "c", Deps: "[]", Features: "{}",
		}))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, p.IncreaseDownloadCounter(ctx, "crate1", "1.0.0"))
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, p.IncreaseDownloadCounter(ctx, "crate5", "1.0.0"))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, p.IncreaseDownloadCounter(ctx, "crate3", "1.0.0"))
	}

	top, err := p.GetTopCratesDownloads(ctx, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "crate5", top[0].Name)
	assert.Equal(t, int64(4), top[0].TotalDownloads)
	assert.Equal(t, "crate1", top[1].Name)
	assert.Equal(t, int64(3), top[1].TotalDownloads)

	total, err := p.GetTotalDownloads(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(9), total)
}

func strp(s string) *string { return &s }

func TestProxyCacheCoherence(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	freshness, _, err := p.IsCratesioCacheUpToDate(ctx, "serde", strp("etag-1"), strp("lm-1"))
	require.NoError(t, err)
	assert.Equal(t, db.CacheNotFound, freshness)

	_, err = p.AddCratesioPrefetchData(ctx, "serde", "etag-1", "lm-1", nil, []db.PrefetchEntry{
		{Name: "serde", Version: "1.0.0", Deps: "[]", Cksum: "c1", Features: "{}"},
	})
	require.NoError(t, err)

	freshness, _, err = p.IsCratesioCacheUpToDate(ctx, "serde", strp("etag-1"), strp("lm-1"))
	require.NoError(t, err)
	assert.Equal(t, db.CacheUpToDate, freshness)

	prefetch, err := p.AddCratesioPrefetchData(ctx, "serde", "etag-2", "lm-2", nil, []db.PrefetchEntry{
		{Name: "serde", Version: "1.0.0", Deps: "[]", Cksum: "c1", Features: "{}", Yanked: true},
		{Name: "serde", Version: "2.0.0", Deps: "[]", Cksum: "c2", Features: "{}"},
	})
	require.NoError(t, err)
	assert.NotNil(t, prefetch)

	freshness, needsUpdate, err := p.IsCratesioCacheUpToDate(ctx, "serde", strp("etag-1"), strp("lm-1"))
	require.NoError(t, err)
	assert.Equal(t, db.CacheNeedsUpdate, freshness)
	require.NotNil(t, needsUpdate)
	assert.Contains(t, string(needsUpdate.Bytes), `"vers":"2.0.0"`)
	assert.Contains(t, string(needsUpdate.Bytes), `"yanked":true`)
}

func TestDocQueueFIFO(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	id1, err := p.AddDocQueue(ctx, "crate-a", "1.0.0", "/tmp/a")
	require.NoError(t, err)
	_, err = p.AddDocQueue(ctx, "crate-b", "1.0.0", "/tmp/b")
	require.NoError(t, err)

	queue, err := p.GetDocQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, "crate-a", queue[0].Package)

	require.NoError(t, p.DeleteDocQueue(ctx, id1))
	queue, err = p.GetDocQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, "crate-b", queue[0].Package)
}

func TestToolchainChannelExclusivity(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	t1, err := p.AddToolchain(ctx, "gotool", "1.0.0", "2024-01-01")
	require.NoError(t, err)
	require.NoError(t, p.AddToolchainTarget(ctx, t1, "x86_64-linux", "path1", "hash1", 100))

	t2, err := p.AddToolchain(ctx, "gotool", "1.1.0", "2024-02-01")
	require.NoError(t, err)
	require.NoError(t, p.AddToolchainTarget(ctx, t2, "x86_64-linux", "path2", "hash2", 100))

	require.NoError(t, p.SetChannel(ctx, t1, "stable"))
	require.NoError(t, p.SetChannel(ctx, t2, "stable"))

	found, err := p.GetToolchainByChannel(ctx, "gotool", "stable")
	require.NoError(t, err)
	assert.Equal(t, t2, found.ID)

	require.NoError(t, p.DeleteToolchainTarget(ctx, t1, "x86_64-linux"))
	_, err = p.GetToolchainByNameVersion(ctx, "gotool", "1.0.0")
	require.Error(t, err)
	assert.True(t, kellnrerr.Is(err, kellnrerr.KindNotFound))
}

func TestWebhookQueueRetry(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	whID, err := p.RegisterWebhook(ctx, "publish", "https://example.com/hook", nil)
	require.NoError(t, err)

	qID, err := p.AddWebhookQueue(ctx, whID, `{"event":"publish"}`)
	require.NoError(t, err)

	pending, err := p.GetPendingWebhookQueueEntries(ctx, "9999-01-01 00:00:00")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, p.UpdateWebhookQueue(ctx, qID, "9999-01-01 00:00:00"))
	pending, err = p.GetPendingWebhookQueueEntries(ctx, "2000-01-01 00:00:00")
	require.NoError(t, err)
	assert.Len(t, pending, 0)

	require.NoError(t, p.DeleteWebhook(ctx, whID))
	_, err = p.GetWebhook(ctx, whID)
	require.Error(t, err)
}
