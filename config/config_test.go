// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithNoPathOrEnv(t *testing.T) {
	r, err := Load("")
	require.NoError(t, err)
	assert.False(t, r.EnableValidation)
	assert.Equal(t, -1, r.PreferredGPUIndex)
}

func TestLoadReadsTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vkcore.toml")
	require.NoError(t, os.WriteFile(path, []byte("enable_validation = true\npreferred_gpu_index = 2\n"), 0o644))
	r, err := Load(path)
	require.NoError(t, err)
	assert.True(t, r.EnableValidation)
	assert.Equal(t, 2, r.PreferredGPUIndex)
}

func TestLoadOverlaysEnvOnTopOfFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vkcore.toml")
	require.NoError(t, os.WriteFile(path, []byte("preferred_gpu_index = 2\n"), 0o644))
	t.Setenv(envGPUIndex, "5")
	r, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, r.PreferredGPUIndex)
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
