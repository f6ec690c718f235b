package certs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadIdentityMissingFile(t *testing.T) {
	id, err := LoadIdentity(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	require.Equal(t, Identity{}, id)
}

func TestIdentityRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "config.json")
	want := Identity{RootThumbprint: "AA11", PersonalThumbprint: "BB22", Version: CurrentVersion}

	require.NoError(t, SaveIdentity(path, want))
	got, err := LoadIdentity(path)
	require.NoError(t, err)
	require.Equal(t, want, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files are renamed away")
}

func TestSaveIdentityWritesNulls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, SaveIdentity(path, Identity{}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.JSONEq(t, `{"rootThumbprint":null,"personalThumbprint":null,"version":null}`, string(data))

	id, err := LoadIdentity(path)
	require.NoError(t, err)
	require.Equal(t, Identity{}, id)
}

func TestLoadIdentityAcceptsLegacyDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	doc := `{"rootThumbprint":"0F0F","personalThumbprint":null,"version":1}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	id, err := LoadIdentity(path)
	require.NoError(t, err)
	require.Equal(t, Identity{RootThumbprint: "0F0F", Version: 1}, id)
}

func TestLoadIdentityMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))

	_, err := LoadIdentity(path)
	require.ErrorIs(t, err, ErrConfigPersistence)
}

func TestSaveIdentityUnwritableTarget(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	err := SaveIdentity(filepath.Join(blocker, "config.json"), Identity{Version: 1})
	require.ErrorIs(t, err, ErrConfigPersistence)
}
