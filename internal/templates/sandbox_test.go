package templates

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSandboxValidatesRoot(t *testing.T) {
	sb, err := NewSandbox("")
	require.Error(t, err)
	require.Nil(t, sb)

	dir := t.TempDir()
	file := filepath.Join(dir, "plain.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = NewSandbox(file)
	require.Error(t, err)

	sb, err = NewSandbox(dir)
	require.NoError(t, err)
	expected, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	require.Equal(t, expected, sb.Root())
}

func TestSandboxResolve(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "templates")
	require.NoError(t, os.MkdirAll(nested, 0o750))
	target := filepath.Join(nested, "status.tmpl")
	require.NoError(t, os.WriteFile(target, []byte("hi"), 0o600))

	sb, err := NewSandbox(nested)
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(target)
	require.NoError(t, err)

	resolved, err := sb.Resolve("status.tmpl")
	require.NoError(t, err)
	require.Equal(t, want, resolved)

	resolved, err = sb.Resolve("./sub/../status.tmpl")
	require.NoError(t, err)
	require.Equal(t, want, resolved)

	_, err = sb.Resolve("../outside")
	require.Error(t, err)
	require.Contains(t, err.Error(), "escapes")

	contents, err := sb.ReadFile("status.tmpl")
	require.NoError(t, err)
	require.Equal(t, "hi", string(contents))
}

func TestSandboxResolveSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require admin on Windows CI")
	}
	root := t.TempDir()
	outside := t.TempDir()
	outsideFile := filepath.Join(outside, "data.txt")
	require.NoError(t, os.WriteFile(outsideFile, []byte("secret"), 0o600))

	link := filepath.Join(root, "link.tmpl")
	require.NoError(t, os.Symlink(outsideFile, link))

	sb, err := NewSandbox(root)
	require.NoError(t, err)

	_, err = sb.Resolve("link.tmpl")
	require.Error(t, err)
	require.Contains(t, err.Error(), "escapes")
}

func TestSandboxResolveNilReceiver(t *testing.T) {
	var sb *Sandbox
	_, err := sb.Resolve("anything")
	require.Error(t, err)
}

func TestSandboxResolveMissingFile(t *testing.T) {
	sb, err := NewSandbox(t.TempDir())
	require.NoError(t, err)
	_, err = sb.ReadFile("does-not-exist.tmpl")
	require.Error(t, err)
	require.ErrorIs(t, err, os.ErrNotExist)
}
