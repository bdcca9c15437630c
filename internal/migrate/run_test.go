package migrate

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersions_Embedded(t *testing.T) {
	got, err := Versions()
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_user_access", "0002_user_access_audit"}, got)
}

func TestVersions_SortsAndSkipsNonSQL(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/0002_b.sql":   {Data: []byte("SELECT 2")},
		"migrations/0001_a.sql":   {Data: []byte("SELECT 1")},
		"migrations/README.md":    {Data: []byte("notes")},
		"migrations/old/0000.sql": {Data: []byte("SELECT 0")},
	}

	got, err := versions(fsys)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_a", "0002_b"}, got)
}

func TestVersions_MissingDir(t *testing.T) {
	_, err := versions(fstest.MapFS{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read migrations")
}
