package bootstrap_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kiranshivaraju/inferencehub/internal/bootstrap"
	"github.com/kiranshivaraju/inferencehub/internal/store"
	"github.com/kiranshivaraju/inferencehub/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const fleetYAML = `
models:
  - name: mistral-7b
    version: "0.2"
    description: Mistral instruct
    parameters: 7000000000
    quantization: q4_k_m
  - name: llama-13b
    parameters: 13000000000
backends:
  - name: gpu-a
    host: 10.0.0.1
    port: 8000
    gpu_count: 2
    gpu_memory_gb: 80
  - name: gpu-b
    host: 10.0.0.2
    port: 8000
    api_key: backend-secret
    gpu_memory_gb: 24
  - name: gpu-c
    host: 10.0.0.3
    port: 8000
    disabled: true
api_keys:
  - name: admin
    key: ih_admin_0123456789abcdef
    user_id: 7f1e6b2c-3a4d-4e5f-8a9b-0c1d2e3f4a5b
    scopes: [read, admin]
  - name: app
    key: ih_app___0123456789abcdef
    user_id: 1a2b3c4d-5e6f-4a8b-9c0d-1e2f3a4b5c6d
`

func TestParse(t *testing.T) {
	fleet, err := bootstrap.Parse(strings.NewReader(fleetYAML))
	require.NoError(t, err)

	require.Len(t, fleet.Models, 2)
	assert.Equal(t, "q4_k_m", fleet.Models[0].Quantization)
	require.Len(t, fleet.Backends, 3)
	assert.True(t, fleet.Backends[2].Disabled)
	require.Len(t, fleet.APIKeys, 2)
	assert.Equal(t, "7f1e6b2c-3a4d-4e5f-8a9b-0c1d2e3f4a5b", fleet.APIKeys[0].UserID.String())
}

func TestParse_Empty(t *testing.T) {
	fleet, err := bootstrap.Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, fleet.Backends)
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown field":     "backends:\n  - name: a\n    host: h\n    port: 1\n    weight: 3\n",
		"missing host":      "backends:\n  - name: a\n    port: 1\n",
		"bad port":          "backends:\n  - name: a\n    host: h\n    port: 70000\n",
		"duplicate backend": "backends:\n  - {name: a, host: h, port: 1}\n  - {name: a, host: i, port: 2}\n",
		"unnamed model":     "models:\n  - version: \"1\"\n",
		"duplicate model":   "models:\n  - name: m\n  - name: m\n",
		"short key":         "api_keys:\n  - name: k\n    key: abc\n    user_id: 7f1e6b2c-3a4d-4e5f-8a9b-0c1d2e3f4a5b\n",
		"key without user":  "api_keys:\n  - name: k\n    key: ih_0123456789\n",
		"malformed yaml":    "backends: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := bootstrap.Parse(strings.NewReader(doc))
			assert.ErrorIs(t, err, bootstrap.ErrInvalidFleet)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := bootstrap.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fleetYAML), 0o600))
	fleet, err := bootstrap.Load(path)
	require.NoError(t, err)

	ctx := context.Background()
	st := store.NewMemoryStore()

	res, err := bootstrap.Apply(ctx, st, fleet)
	require.NoError(t, err)
	assert.Equal(t, bootstrap.Result{Models: 2, Backends: 3, APIKeys: 2}, res)

	mistral, err := st.GetModelByName(ctx, "mistral-7b")
	require.NoError(t, err)
	require.NotNil(t, mistral.Quantization)
	assert.Equal(t, "q4_k_m", *mistral.Quantization)
	assert.False(t, mistral.IsFineTuned)

	active, err := st.ListActiveBackends(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2, "disabled backends are not active")
	assert.Equal(t, "gpu-a", active[0].Name)
	assert.Equal(t, models.HealthUnknown, active[0].HealthStatus)
	require.NotNil(t, active[1].APIKey)
	assert.Equal(t, "backend-secret", *active[1].APIKey)

	keys, err := st.GetAPIKeyByPrefix(ctx, "ih_admin")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.ElementsMatch(t, []string{"read", "admin"}, keys[0].Scopes)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(keys[0].KeyHash), []byte("ih_admin_0123456789abcdef")))

	appKeys, err := st.GetAPIKeyByPrefix(ctx, "ih_app__")
	require.NoError(t, err)
	require.Len(t, appKeys, 1)
	assert.Equal(t, []string{"read"}, appKeys[0].Scopes)
}

func TestApply_Idempotent(t *testing.T) {
	fleet, err := bootstrap.Parse(strings.NewReader(fleetYAML))
	require.NoError(t, err)

	ctx := context.Background()
	st := store.NewMemoryStore()
	_, err = bootstrap.Apply(ctx, st, fleet)
	require.NoError(t, err)

	first, err := st.ListActiveBackends(ctx)
	require.NoError(t, err)

	fleet.Backends[0].GPUMemoryGB = 40
	res, err := bootstrap.Apply(ctx, st, fleet)
	require.NoError(t, err)
	assert.Zero(t, res.APIKeys, "existing key prefixes are left alone")

	second, err := st.ListActiveBackends(ctx)
	require.NoError(t, err)
	require.Len(t, second, len(first))
	assert.Equal(t, first[0].ID, second[0].ID, "backends are upserted by name")
	assert.InDelta(t, 40, second[0].GPUMemoryGB, 1e-9)

	registered, err := st.ListModels(ctx)
	require.NoError(t, err)
	assert.Len(t, registered, 2)
}
