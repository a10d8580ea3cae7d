package tokenstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rider-agent/internal/models"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	tok, err := s.GetAuthToken(ctx)
	require.NoError(t, err)
	assert.Empty(t, tok)

	require.NoError(t, s.SaveAuthToken(ctx, models.Tokens{AccessToken: "a1", RefreshToken: "r1"}))
	require.NoError(t, s.SaveVerificationToken(ctx, "v1"))

	tok, _ = s.GetAuthToken(ctx)
	assert.Equal(t, "a1", tok)
	ref, _ := s.GetRefreshToken(ctx)
	assert.Equal(t, "r1", ref)

	// rotating only the access token keeps the refresh token
	require.NoError(t, s.SaveAuthToken(ctx, models.Tokens{AccessToken: "a2"}))
	tok, _ = s.GetAuthToken(ctx)
	ref, _ = s.GetRefreshToken(ctx)
	assert.Equal(t, "a2", tok)
	assert.Equal(t, "r1", ref)

	require.NoError(t, s.ClearTokens(ctx))
	tok, _ = s.GetAuthToken(ctx)
	ref, _ = s.GetRefreshToken(ctx)
	ver, _ := s.GetVerificationToken(ctx)
	assert.Empty(t, tok)
	assert.Empty(t, ref)
	assert.Empty(t, ver)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tokens.json")
	exerciseStore(t, NewFileStore(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStorePersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	ctx := context.Background()
	require.NoError(t, NewFileStore(path).SaveAuthToken(ctx, models.Tokens{AccessToken: "a", RefreshToken: "r"}))

	tok, err := NewFileStore(path).GetAuthToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", tok)
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := NewFileStore(path).GetAuthToken(context.Background())
	assert.Error(t, err)
}

// Runs against a real server when RIDER_TEST_REDIS_ADDR is set.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("RIDER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RIDER_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	device := "test-" + uuid.NewString()
	s := NewRedisStore(addr, os.Getenv("RIDER_TEST_REDIS_PASSWORD"), device)
	t.Cleanup(func() {
		_ = s.client.Del(context.Background(), s.key).Err()
		_ = s.Close()
	})
	require.NoError(t, s.client.Ping(ctx).Err())

	exerciseStore(t, s)

	// devices do not see each other's tokens
	other := NewRedisStoreWithClient(s.client, device+"-other")
	require.NoError(t, s.SaveAuthToken(ctx, models.Tokens{AccessToken: "a", RefreshToken: "r"}))
	tok, err := other.GetAuthToken(ctx)
	require.NoError(t, err)
	assert.Empty(t, tok)
}
