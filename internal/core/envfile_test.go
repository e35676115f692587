package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.env")
	require.NoError(t, os.WriteFile(path, []byte(`
# tuning
MALLOC_CONF = background_thread:true
B=2
A=1
=orphan
B=3
novalue
`), 0o600))

	env, err := LoadEnvFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=3", "MALLOC_CONF=background_thread:true"}, env)
}

func TestLoadEnvFileMissing(t *testing.T) {
	env, err := LoadEnvFile("")
	require.NoError(t, err)
	assert.Nil(t, env)

	env, err = LoadEnvFile(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	assert.Nil(t, env)
}
