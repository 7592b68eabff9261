package utils

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("LR_INT", " 42 ")
	t.Setenv("LR_BAD_INT", "forty")
	t.Setenv("LR_BOOL", "true")
	t.Setenv("LR_FLOAT", "0.25")

	assert.Equal(t, int64(42), GetIntEnv("LR_INT"))
	assert.Equal(t, int64(0), GetIntEnv("LR_BAD_INT"))
	assert.Equal(t, int64(0), GetIntEnv("LR_MISSING"))
	assert.True(t, GetBoolEnv("LR_BOOL"))
	f, ok := GetFloatEnv("LR_FLOAT")
	assert.True(t, ok)
	assert.InDelta(t, 0.25, f, 1e-9)
}

func TestLoadEnvMissingFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	assert.Error(t, LoadEnv("staging"))

	require.NoError(t, os.WriteFile(".env.staging", []byte("LR_FROM_FILE=yes\n"), 0o600))
	require.NoError(t, LoadEnv("staging"))
	assert.Equal(t, "yes", GetEnv("LR_FROM_FILE"))
	os.Unsetenv("LR_FROM_FILE")
}

func TestRandText(t *testing.T) {
	a, b := RandText(32), RandText(32)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestCacheGetOrLoad(t *testing.T) {
	InitGlobalCache(8, time.Minute)
	calls := 0
	load := func() (string, error) {
		calls++
		return "value", nil
	}
	v, err := CacheGetOrLoad("k", load)
	require.NoError(t, err)
	assert.Equal(t, "value", v)
	v, err = CacheGetOrLoad("k", load)
	require.NoError(t, err)
	assert.Equal(t, "value", v)
	assert.Equal(t, 1, calls)

	_, err = CacheGetOrLoad("bad", func() (string, error) { return "", errors.New("boom") })
	assert.Error(t, err)
	_, ok := CacheGet("bad")
	assert.False(t, ok)
}
