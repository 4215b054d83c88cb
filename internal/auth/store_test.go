package auth

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_SaveLoadDelete(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := NewFileStore(fs, "/var/cache/zb")
	require.NoError(t, err)

	ctx := context.Background()
	tok, err := store.Load(ctx, "client-a")
	require.NoError(t, err)
	assert.Nil(t, tok, "missing file loads as nil")

	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, store.Save(ctx, "client-a", &Token{AccessToken: "abc", TokenType: "Bearer", Expiry: expiry}))

	exists, err := afero.Exists(fs, "/var/cache/zb/oauth-token-client-a.json")
	require.NoError(t, err)
	assert.True(t, exists)
	tmpExists, _ := afero.Exists(fs, "/var/cache/zb/oauth-token-client-a.json.tmp")
	assert.False(t, tmpExists, "temp file should be renamed away")

	tok, err = store.Load(ctx, "client-a")
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "abc", tok.AccessToken)
	assert.True(t, expiry.Equal(tok.Expiry))

	require.NoError(t, store.Delete(ctx, "client-a"))
	require.NoError(t, store.Delete(ctx, "client-a"), "deleting twice is fine")
	tok, err = store.Load(ctx, "client-a")
	require.NoError(t, err)
	assert.Nil(t, tok)
}

func TestFileStore_PerClientFiles(t *testing.T) {
	store, err := NewFileStore(afero.NewMemMapFs(), "/cache")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "a", &Token{AccessToken: "ta"}))
	require.NoError(t, store.Save(ctx, "b", &Token{AccessToken: "tb"}))

	ta, _ := store.Load(ctx, "a")
	tb, _ := store.Load(ctx, "b")
	assert.Equal(t, "ta", ta.AccessToken)
	assert.Equal(t, "tb", tb.AccessToken)
	assert.NotEqual(t, store.Path("a"), store.Path("b"))
	assert.Equal(t, "/cache/oauth-token-x_y.json", store.Path("x/y"))
}

func TestFileStore_CorruptedFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := NewFileStore(fs, "/cache")
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, store.Path("c"), []byte("{not json"), 0o600))

	_, err = store.Load(context.Background(), "c")
	assert.ErrorIs(t, err, ErrCorruptedToken)
}

func TestNewFileStore_NotWritable(t *testing.T) {
	base := afero.NewMemMapFs()
	require.NoError(t, base.MkdirAll("/cache", 0o700))

	_, err := NewFileStore(afero.NewReadOnlyFs(base), "/cache")
	assert.ErrorIs(t, err, ErrCacheDirNotWritable)

	_, err = NewFileStore(base, "")
	assert.ErrorIs(t, err, ErrCacheDirNotWritable)
}

func TestNewFileStore_OsFs(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(nil, dir+"/nested/tokens")
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), "id", &Token{AccessToken: "x"}))

	entries, err := os.ReadDir(dir + "/nested/tokens")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "probe file must not be left behind")
}

// Requires a running Redis, e.g. ZBWORKER_TEST_REDIS_ADDR=localhost:6379.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("ZBWORKER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ZBWORKER_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx := context.Background()
	store := NewRedisStore(rdb, "zbworker-test:")
	defer store.Delete(ctx, "client-r")

	require.NoError(t, store.Save(ctx, "client-r", &Token{AccessToken: "r1", Expiry: time.Now().Add(time.Minute)}))
	tok, err := store.Load(ctx, "client-r")
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "r1", tok.AccessToken)

	ttl, err := rdb.TTL(ctx, "zbworker-test:client-r").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, store.Save(ctx, "expired", &Token{AccessToken: "e", Expiry: time.Now().Add(-time.Second)}))
	tok, err = store.Load(ctx, "expired")
	require.NoError(t, err)
	assert.Nil(t, tok)

	require.NoError(t, store.Delete(ctx, "client-r"))
	tok, err = store.Load(ctx, "client-r")
	require.NoError(t, err)
	assert.Nil(t, tok)
}

func TestCredentials(t *testing.T) {
	ctx := context.Background()

	md, err := PerRPCCredentials(StaticToken("abc"), true).GetRequestMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", md["authorization"])

	basic := BasicAuth{Username: "demo", Password: "demo"}
	md, err = basic.GetRequestMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Basic ZGVtbzpkZW1v", md["authorization"])
	assert.False(t, basic.RequireTransportSecurity())
}
