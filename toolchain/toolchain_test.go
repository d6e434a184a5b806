package toolchain_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/kellnr/kellnr/blobstore"
	"github.com/kellnr/kellnr/db"
	"github.com/kellnr/kellnr/kellnrerr"
	"github.com/kellnr/kellnr/toolchain"
)

func newService(t *testing.T) (*toolchain.Service, *db.GormProvider) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(db.AllModels()...))
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	provider := db.NewGormProvider(gdb, db.RegistryConfig{})

	store, err := blobstore.NewFsStore(t.TempDir())
	require.NoError(t, err)
	return toolchain.NewService(provider, store, "https://kellnr.example.com"), provider
}

func TestStoragePathConvention(t *testing.T) {
	assert.Equal(t, "2024-05-01/rust-1.78.0-x86_64-unknown-linux-gnu.tar.xz",
		toolchain.StoragePath("2024-05-01", "rust", "1.78.0", "x86_64-unknown-linux-gnu"))
}

func TestAddTargetAndManifest(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Add(ctx, "rust", "1.78.0", "2024-05-01")
	require.NoError(t, err)

	_, err = svc.Add(ctx, "rust", "1.78.0", "2024-05-01")
	require.Error(t, err)
	assert.True(t, kellnrerr.Is(err, kellnrerr.KindConflict))

	archive := []byte("archive-bytes")
	require.NoError(t, svc.AddTarget(ctx, "rust", "1.78.0", "x86_64-unknown-linux-gnu", archive))
	require.NoError(t, svc.AddTarget(ctx, "rust", "1.78.0", "aarch64-apple-darwin", []byte("other-bytes")))

	err = svc.AddTarget(ctx, "rust", "1.78.0", "x86_64-unknown-linux-gnu", archive)
	require.Error(t, err)
	assert.True(t, kellnrerr.Is(err, kellnrerr.KindConflict))

	require.NoError(t, svc.SetChannel(ctx, "stable", "rust", "1.78.0"))

	manifest, err := svc.ManifestForChannel(ctx, "rust", "stable")
	require.NoError(t, err)
	assert.Contains(t, manifest, `manifest-version = "2"`)
	assert.Contains(t, manifest, `date = "2024-05-01"`)
	assert.Contains(t, manifest, `version = "1.78.0"`)
	assert.Contains(t, manifest, "[pkg.rust.target.x86_64-unknown-linux-gnu]")
	assert.Contains(t, manifest, "[pkg.rust.target.aarch64-apple-darwin]")
	assert.Contains(t, manifest, "https://kellnr.example.com/dist/2024-05-01/rust-1.78.0-x86_64-unknown-linux-gnu.tar.xz")

	// Target blocks come in lexical target order.
	assert.Less(t,
		strings.Index(manifest, "aarch64-apple-darwin"),
		strings.Index(manifest, "x86_64-unknown-linux-gnu"))

	got, err := svc.Archive(ctx, "2024-05-01", "rust-1.78.0-x86_64-unknown-linux-gnu.tar.xz")
	require.NoError(t, err)
	assert.Equal(t, archive, got)
}

func TestChannelMovesBetweenBuilds(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Add(ctx, "rust", "1.77.0", "2024-03-21")
	require.NoError(t, err)
	require.NoError(t, svc.AddTarget(ctx, "rust", "1.77.0", "x86_64-unknown-linux-gnu", []byte("old")))
	_, err = svc.Add(ctx, "rust", "1.78.0", "2024-05-01")
	require.NoError(t, err)
	require.NoError(t, svc.AddTarget(ctx, "rust", "1.78.0", "x86_64-unknown-linux-gnu", []byte("new")))

	require.NoError(t, svc.SetChannel(ctx, "stable", "rust", "1.77.0"))
	require.NoError(t, svc.SetChannel(ctx, "stable", "rust", "1.78.0"))

	manifest, err := svc.ManifestForChannel(ctx, "rust", "stable")
	require.NoError(t, err)
	assert.Contains(t, manifest, `version = "1.78.0"`)

	channels, err := svc.Channels(ctx, "rust")
	require.NoError(t, err)
	assert.Equal(t, []string{"stable"}, channels)
}

func TestDeleteLastTargetRemovesToolchainAndArchive(t *testing.T) {
	svc, provider := newService(t)
	ctx := context.Background()

	_, err := svc.Add(ctx, "rust", "1.78.0", "2024-05-01")
	require.NoError(t, err)
	require.NoError(t, svc.AddTarget(ctx, "rust", "1.78.0", "x86_64-unknown-linux-gnu", []byte("bytes")))

	require.NoError(t, svc.DeleteTarget(ctx, "rust", "1.78.0", "x86_64-unknown-linux-gnu"))

	_, err = provider.GetToolchainByNameVersion(ctx, "rust", "1.78.0")
	require.Error(t, err)
	assert.True(t, kellnrerr.Is(err, kellnrerr.KindNotFound))

	_, err = svc.Archive(ctx, "2024-05-01", "rust-1.78.0-x86_64-unknown-linux-gnu.tar.xz")
	require.Error(t, err)
	assert.True(t, kellnrerr.Is(err, kellnrerr.KindNotFound))
}
