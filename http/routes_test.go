package http_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	nethttp "net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/kellnr/kellnr/auth"
	"github.com/kellnr/kellnr/blobstore"
	"github.com/kellnr/kellnr/config"
	"github.com/kellnr/kellnr/db"
	khttp "github.com/kellnr/kellnr/http"
	"github.com/kellnr/kellnr/toolchain"
)

type testRegistry struct {
	server   *httptest.Server
	provider *db.GormProvider
	token    string // admin bearer token
}

func newTestRegistry(t *testing.T) *testRegistry {
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

	authSvc := auth.NewService(provider, auth.NewCookieJar())
	settings := config.Settings{Proxy: config.ProxySettings{Enabled: true}}

	e := khttp.NewEchoServer(khttp.DefaultServerConfig())
	khttp.RegisterRoutes(e, khttp.RouterDeps{
		DB:         provider,
		Blobs:      store,
		Auth:       authSvc,
		Toolchains: toolchain.NewService(provider, store, "http://localhost:8000"),
		Settings:   settings,
	})

	ctx := context.Background()
	salt, err := auth.GenerateSalt()
	require.NoError(t, err)
	hash, err := auth.HashPassword("123", salt)
	require.NoError(t, err)
	adminID, err := provider.AddUser(ctx, "admin", hash, salt, true)
	require.NoError(t, err)
	token, err := auth.GenerateToken()
	require.NoError(t, err)
	_, err = provider.AddAuthToken(ctx, adminID, "admin-token", auth.HashToken(token))
	require.NoError(t, err)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return &testRegistry{server: srv, provider: provider, token: token}
}

func (r *testRegistry) do(t *testing.T, method, path string, body []byte, withToken bool) *nethttp.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := nethttp.NewRequest(method, r.server.URL+path, reader)
	require.NoError(t, err)
	if withToken {
		req.Header.Set("Authorization", r.token)
	}
	if method == "PUT" || method == "POST" || method == "DELETE" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := nethttp.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func publishBody(t *testing.T, name, vers string, data []byte) []byte {
	t.Helper()
	meta := map[string]interface{}{
		"name": name, "vers": vers,
		"deps": []interface{}{}, "features": map[string]interface{}{},
	}
	metaJSON, err := json.Marshal(meta)
	require.NoError(t, err)

	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(metaJSON)))
	buf.Write(lenBuf[:])
	buf.Write(metaJSON)
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf.Write(lenBuf[:])
	buf.Write(data)
	return buf.Bytes()
}

func TestPublishDownloadRoundTrip(t *testing.T) {
	reg := newTestRegistry(t)
	blob := []byte("crate tarball bytes")

	resp := reg.do(t, "PUT", "/api/v1/crates/new", publishBody(t, "test_lib", "0.2.0", blob), true)
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	var pubResp struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pubResp))
	resp.Body.Close()
	assert.True(t, pubResp.OK)

	resp = reg.do(t, "GET", "/api/v1/crates/test_lib/0.2.0/download", nil, false)
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	var got bytes.Buffer
	_, err := got.ReadFrom(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, blob, got.Bytes())

	// The prefetch response carries a 64-hex-digit ETag over the index.
	resp = reg.do(t, "GET", "/api/v1/index/test_lib", nil, false)
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	etag := resp.Header.Get("ETag")
	resp.Body.Close()
	assert.Len(t, etag, 64)

	// Replaying the validators yields 304.
	req, err := nethttp.NewRequest("GET", reg.server.URL+"/api/v1/index/test_lib", nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", etag)
	resp, err = nethttp.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, nethttp.StatusNotModified, resp.StatusCode)
}

func TestPublishWithoutTokenIsUnauthorized(t *testing.T) {
	reg := newTestRegistry(t)
	resp := reg.do(t, "PUT", "/api/v1/crates/new", publishBody(t, "test_lib", "0.1.0", []byte("x")), false)
	defer resp.Body.Close()
	assert.Equal(t, nethttp.StatusUnauthorized, resp.StatusCode)
}

func TestDuplicatePublishConflicts(t *testing.T) {
	reg := newTestRegistry(t)
	body := publishBody(t, "dup-crate", "1.0.0", []byte("x"))

	resp := reg.do(t, "PUT", "/api/v1/crates/new", body, true)
	resp.Body.Close()
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)

	resp = reg.do(t, "PUT", "/api/v1/crates/new", body, true)
	defer resp.Body.Close()
	assert.Equal(t, nethttp.StatusConflict, resp.StatusCode)

	var errResp struct {
		Errors []struct {
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	require.NotEmpty(t, errResp.Errors)
}

func TestYankAndUnyankFlow(t *testing.T) {
	reg := newTestRegistry(t)
	resp := reg.do(t, "PUT", "/api/v1/crates/new", publishBody(t, "yankable", "1.0.0", []byte("x")), true)
	resp.Body.Close()
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)

	resp = reg.do(t, "DELETE", "/api/v1/crates/yankable/1.0.0/yank", nil, true)
	resp.Body.Close()
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)

	versions, err := reg.provider.GetCrateVersions(context.Background(), "yankable")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.True(t, versions[0].Yanked)

	resp = reg.do(t, "PUT", "/api/v1/crates/yankable/1.0.0/unyank", nil, true)
	resp.Body.Close()
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)

	versions, err = reg.provider.GetCrateVersions(context.Background(), "yankable")
	require.NoError(t, err)
	assert.False(t, versions[0].Yanked)
}

func TestOwnerRoutes(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	resp := reg.do(t, "PUT", "/api/v1/crates/new", publishBody(t, "owned", "1.0.0", []byte("x")), true)
	resp.Body.Close()
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)

	salt, err := auth.GenerateSalt()
	require.NoError(t, err)
	hash, err := auth.HashPassword("pw", salt)
	require.NoError(t, err)
	_, err = reg.provider.AddUser(ctx, "bob", hash, salt, false)
	require.NoError(t, err)

	resp = reg.do(t, "PUT", "/api/v1/crates/owned/owners/bob", nil, true)
	resp.Body.Close()
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)

	resp = reg.do(t, "GET", "/api/v1/crates/owned/owners", nil, false)
	defer resp.Body.Close()
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	var owners struct {
		Users []string `json:"users"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&owners))
	assert.Contains(t, owners.Users, "admin")
	assert.Contains(t, owners.Users, "bob")
}

func TestSearchRoute(t *testing.T) {
	reg := newTestRegistry(t)
	for _, name := range []string{"alpha-lib", "alpha-tool", "beta-lib"} {
		resp := reg.do(t, "PUT", "/api/v1/crates/new", publishBody(t, name, "1.0.0", []byte("x")), true)
		resp.Body.Close()
		require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	}

	resp := reg.do(t, "GET", "/api/v1/crates?q=alpha&per_page=10", nil, false)
	defer resp.Body.Close()
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	var result struct {
		Crates []struct {
			Name string `json:"name"`
		} `json:"crates"`
		Meta struct {
			Total int `json:"total"`
		} `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, 2, result.Meta.Total)
}

func TestDownloadUnknownCrateIs404(t *testing.T) {
	reg := newTestRegistry(t)
	resp := reg.do(t, "GET", "/api/v1/crates/nope/1.0.0/download", nil, false)
	defer resp.Body.Close()
	assert.Equal(t, nethttp.StatusNotFound, resp.StatusCode)
}

func TestToolchainRoutesAndManifest(t *testing.T) {
	reg := newTestRegistry(t)

	body, err := json.Marshal(map[string]string{"name": "rust", "version": "1.78.0", "date": "2024-05-01"})
	require.NoError(t, err)
	resp := reg.do(t, "PUT", "/api/v1/toolchains", body, true)
	resp.Body.Close()
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)

	resp = reg.do(t, "PUT", "/api/v1/toolchains/rust/1.78.0/x86_64-unknown-linux-gnu", []byte("archive"), true)
	resp.Body.Close()
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)

	body, err = json.Marshal(map[string]string{"version": "1.78.0"})
	require.NoError(t, err)
	resp = reg.do(t, "PUT", "/api/v1/channels/rust/stable", body, true)
	resp.Body.Close()
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)

	resp = reg.do(t, "GET", "/dist/channel-rust-stable.toml", nil, false)
	defer resp.Body.Close()
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	var manifest bytes.Buffer
	_, err = manifest.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, manifest.String(), `manifest-version = "2"`)
	assert.Contains(t, manifest.String(), "/dist/2024-05-01/rust-1.78.0-x86_64-unknown-linux-gnu.tar.xz")

	resp2 := reg.do(t, "GET", "/dist/2024-05-01/rust-1.78.0-x86_64-unknown-linux-gnu.tar.xz", nil, false)
	defer resp2.Body.Close()
	require.Equal(t, nethttp.StatusOK, resp2.StatusCode)
}

func TestCratesioPrefetchNotCached(t *testing.T) {
	reg := newTestRegistry(t)
	resp := reg.do(t, "GET", "/api/v1/cratesio/index/serde", nil, false)
	defer resp.Body.Close()
	assert.Equal(t, nethttp.StatusNotFound, resp.StatusCode)
}
