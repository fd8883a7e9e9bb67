package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateGeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", ".runtime-id")
	id, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id.RuntimeID, "UDA-"), "runtime id %q", id.RuntimeID)
	assert.Equal(t, KitIDPrefix+id.RuntimeID, id.KitID)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, id.RuntimeID, strings.TrimSpace(string(b)))
}

func TestLoadOrCreateStableAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".runtime-id")
	first, err := LoadOrCreate(path)
	require.NoError(t, err)
	second, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLoadOrCreateRegeneratesCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".runtime-id")
	require.NoError(t, os.WriteFile(path, []byte("   \n"), 0o600))
	id, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.NotEmpty(t, id.RuntimeID)

	// A persisted name with path separators is also treated as corrupt.
	require.NoError(t, os.WriteFile(path, []byte("../escape"), 0o600))
	id2, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.NotEqual(t, "../escape", id2.RuntimeID)
}

func TestEnvOverrideWins(t *testing.T) {
	t.Setenv(EnvRuntimeName, "MyVehicle")
	path := filepath.Join(t.TempDir(), ".runtime-id")
	id, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, "MyVehicle", id.RuntimeID)
	assert.Equal(t, "Runtime-MyVehicle", id.KitID)

	// Env override must not be persisted.
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
