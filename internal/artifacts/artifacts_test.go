package artifacts_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kiranshivaraju/inferencehub/internal/artifacts"
	"github.com/kiranshivaraju/inferencehub/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// runStoreSuite checks behaviour shared by every artifact Store.
func runStoreSuite(t *testing.T, s artifacts.Store) {
	ctx := context.Background()

	t.Run("MissingDoesNotExist", func(t *testing.T) {
		ok, err := s.Exists(ctx, "datasets/missing.jsonl")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("PutThenExists", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "datasets/train.jsonl", []byte(`{"prompt":"a"}`), "application/jsonl"))
		ok, err := s.Exists(ctx, "datasets/train.jsonl")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "models/card.json", []byte("v1"), "application/json"))
		require.NoError(t, s.Put(ctx, "models/card.json", []byte("v2"), "application/json"))
		ok, err := s.Exists(ctx, "models/card.json")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("RejectsEscapingRefs", func(t *testing.T) {
		for _, ref := range []string{"", "   ", "/etc/passwd", "../secret", "a/../../b", ".."} {
			_, err := s.Exists(ctx, ref)
			assert.ErrorIs(t, err, artifacts.ErrInvalidRef, ref)
			assert.ErrorIs(t, s.Put(ctx, ref, []byte("x"), ""), artifacts.ErrInvalidRef, ref)
		}
	})
}

func TestLocalStore(t *testing.T) {
	s, err := artifacts.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	runStoreSuite(t, s)
}

func TestLocalStore_WritesUnderRoot(t *testing.T) {
	root := t.TempDir()
	s, err := artifacts.NewLocalStore(root)
	require.NoError(t, err)

	require.NoError(t, s.Put(context.Background(), "llama-ft-1/model_card.json", []byte(`{"a":1}`), "application/json"))

	data, err := os.ReadFile(filepath.Join(root, "llama-ft-1", "model_card.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))

	ok, err := s.Exists(context.Background(), "llama-ft-1")
	require.NoError(t, err)
	assert.False(t, ok, "directories are not artifacts")
}

func TestNew_SelectsBackend(t *testing.T) {
	s, err := artifacts.New(context.Background(), config.ArtifactsConfig{Backend: "local", Root: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &artifacts.LocalStore{}, s)

	_, err = artifacts.New(context.Background(), config.ArtifactsConfig{Backend: "ftp"})
	assert.Error(t, err)
}

func TestMinIOStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Cmd:          []string{"server", "/data"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "minioadmin",
				"MINIO_ROOT_PASSWORD": "minioadmin",
			},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	s, err := artifacts.NewMinIOStore(ctx, config.MinIOConfig{
		Endpoint:  host + ":" + port.Port(),
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "test-artifacts",
	})
	require.NoError(t, err)
	runStoreSuite(t, s)
}
