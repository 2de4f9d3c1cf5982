package archive

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	src := filepath.Join(t.TempDir(), "focal-base")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0o755))

	files := map[string][]byte{
		"disk.qcow2":      bytes.Repeat([]byte{0xAB, 0x00, 0xCD}, 4096),
		"metadata.json":   []byte(`{"cpus":4,"memory":8192}`),
		"nested/seed.iso": []byte("cloud-init seed"),
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(src, filepath.FromSlash(name)), content, 0o644))
	}

	archivePath := filepath.Join(t.TempDir(), "focal-base"+Suffix)
	require.NoError(t, Pack(src, archivePath))
	require.Equal(t, "focal-base", LogicalName(archivePath),
		"archive must carry the directory's logical name")

	destRoot := t.TempDir()
	dest := filepath.Join(destRoot, LogicalName(archivePath))
	require.NoError(t, Unpack(archivePath, dest))

	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(name)))
		require.NoError(t, err)
		require.Equal(t, want, got, "contents of %s must survive the round trip", name)
	}
}

func TestPackLeavesNoPartialOnSuccess(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a"), []byte("a"), 0o644))

	archivePath := filepath.Join(t.TempDir(), "x"+Suffix)
	require.NoError(t, Pack(src, archivePath))
	_, err := os.Stat(archivePath + ".partial")
	require.True(t, os.IsNotExist(err))
}

func TestUnpackRejectsEscapingEntries(t *testing.T) {
	_, err := safeJoin("/srv/assets/vm", "../../etc/passwd")
	require.Error(t, err)

	_, err = safeJoin("/srv/assets/vm", "nested/ok.txt")
	require.NoError(t, err)
}
