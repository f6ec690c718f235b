package certs

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingStore struct {
	*FileStore
	mu        sync.Mutex
	removed   []string
	removeErr error
	findErr   error
}

func (s *recordingStore) Find(ctx context.Context, thumbprint string) (*Bundle, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.FileStore.Find(ctx, thumbprint)
}

func (s *recordingStore) Remove(ctx context.Context, thumbprint string) error {
	s.mu.Lock()
	s.removed = append(s.removed, thumbprint)
	s.mu.Unlock()
	if s.removeErr != nil {
		return s.removeErr
	}
	return s.FileStore.Remove(ctx, thumbprint)
}

func newTestManager(t *testing.T) (*Manager, *recordingStore, *recordingStore) {
	t.Helper()
	dir := t.TempDir()
	root := &recordingStore{FileStore: NewFileStore(filepath.Join(dir, "root"))}
	personal := &recordingStore{FileStore: NewFileStore(filepath.Join(dir, "personal"))}
	m, err := NewManager(ManagerOptions{
		Root:     root,
		Personal: personal,
		Profile:  DefaultProfile(),
		Now:      func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	require.NoError(t, err)
	return m, root, personal
}

func TestEnsureFreshInstall(t *testing.T) {
	ctx := context.Background()
	m, root, personal := newTestManager(t)

	cert, id, err := m.Ensure(ctx, Identity{})
	require.NoError(t, err)
	require.Equal(t, CurrentVersion, id.Version)
	require.NotEmpty(t, id.RootThumbprint)
	require.NotEmpty(t, id.PersonalThumbprint)
	require.Equal(t, id.PersonalThumbprint, Thumbprint(cert.Certificate[0]))
	require.Equal(t, id.RootThumbprint, Thumbprint(cert.Certificate[1]))

	_, err = root.FileStore.Find(ctx, id.RootThumbprint)
	require.NoError(t, err)
	_, err = personal.FileStore.Find(ctx, id.PersonalThumbprint)
	require.NoError(t, err)
	require.Empty(t, root.removed)
}

func TestEnsureReusesValidCertificates(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	_, first, err := m.Ensure(ctx, Identity{})
	require.NoError(t, err)
	_, second, err := m.Ensure(ctx, first)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestEnsureReissuesLeafWhenMissing(t *testing.T) {
	ctx := context.Background()
	m, _, personal := newTestManager(t)

	_, first, err := m.Ensure(ctx, Identity{})
	require.NoError(t, err)
	require.NoError(t, personal.FileStore.Remove(ctx, first.PersonalThumbprint))

	_, second, err := m.Ensure(ctx, first)
	require.NoError(t, err)
	require.Equal(t, first.RootThumbprint, second.RootThumbprint)
	require.NotEqual(t, first.PersonalThumbprint, second.PersonalThumbprint)
}

func TestEnsureRecreatesOutdatedRoot(t *testing.T) {
	ctx := context.Background()
	m, root, personal := newTestManager(t)

	_, first, err := m.Ensure(ctx, Identity{})
	require.NoError(t, err)

	outdated := first
	outdated.Version = CurrentVersion - 1
	_, second, err := m.Ensure(ctx, outdated)
	require.NoError(t, err)
	require.NotEqual(t, first.RootThumbprint, second.RootThumbprint)
	require.NotEqual(t, first.PersonalThumbprint, second.PersonalThumbprint)
	require.Contains(t, root.removed, first.RootThumbprint)
	require.Contains(t, personal.removed, first.PersonalThumbprint)

	_, err = root.FileStore.Find(ctx, first.RootThumbprint)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEnsureRecreatesMissingRoot(t *testing.T) {
	ctx := context.Background()
	m, root, _ := newTestManager(t)

	_, first, err := m.Ensure(ctx, Identity{})
	require.NoError(t, err)
	require.NoError(t, root.FileStore.Remove(ctx, first.RootThumbprint))

	_, second, err := m.Ensure(ctx, first)
	require.NoError(t, err)
	require.NotEqual(t, first.RootThumbprint, second.RootThumbprint)
	require.NotEqual(t, first.PersonalThumbprint, second.PersonalThumbprint, "leaf follows a recreated root")
}

func TestEnsureSurfacesStoreFailures(t *testing.T) {
	ctx := context.Background()
	m, root, _ := newTestManager(t)

	_, first, err := m.Ensure(ctx, Identity{})
	require.NoError(t, err)

	root.findErr = errors.Join(ErrStoreAccess, errors.New("permission denied"))
	_, _, err = m.Ensure(ctx, first)
	require.ErrorIs(t, err, ErrStoreAccess)
}

func TestRemoveIsBestEffort(t *testing.T) {
	ctx := context.Background()
	m, root, personal := newTestManager(t)

	_, id, err := m.Ensure(ctx, Identity{})
	require.NoError(t, err)

	root.removeErr = ErrStoreAccess
	err = m.Remove(ctx, id)
	require.ErrorIs(t, err, ErrStoreAccess)
	require.Contains(t, personal.removed, id.PersonalThumbprint, "personal store attempted after root failure")

	root.removeErr = nil
	require.NoError(t, m.Remove(ctx, id))
	require.NoError(t, m.Remove(ctx, id), "removal tolerates absent entries")
	require.NoError(t, m.Remove(ctx, Identity{}))
}

func TestNewManagerValidates(t *testing.T) {
	_, err := NewManager(ManagerOptions{})
	require.Error(t, err)

	_, err = NewManager(ManagerOptions{Root: NewFileStore(t.TempDir()), Personal: NewFileStore(t.TempDir())})
	require.Error(t, err)
}
