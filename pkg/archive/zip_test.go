package archive

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "data.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestExtractZip(t *testing.T) {
	src := writeZip(t, map[string]string{
		"kidney-ct-scan-image/":               "",
		"kidney-ct-scan-image/Normal/n1.jpg":  "normal-1",
		"kidney-ct-scan-image/Normal/n2.jpg":  "normal-2",
		"kidney-ct-scan-image/Tumor/t1.jpg":   "tumor-1",
		"kidney-ct-scan-image/Tumor/nested/x": "deep",
	})
	dest := filepath.Join(t.TempDir(), "out")

	sum, err := ExtractZip(context.Background(), src, dest)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Files)
	assert.Equal(t, 1, sum.Dirs)
	assert.Equal(t, int64(len("normal-1normal-2tumor-1deep")), sum.Bytes)

	got, err := os.ReadFile(filepath.Join(dest, "kidney-ct-scan-image", "Tumor", "t1.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "tumor-1", string(got))

	// Extracting again overwrites in place.
	_, err = ExtractZip(context.Background(), src, dest)
	require.NoError(t, err)
}

func TestExtractZip_RejectsEscapingEntries(t *testing.T) {
	for _, name := range []string{"../evil.txt", "a/../../evil.txt", "/abs/evil.txt"} {
		t.Run(name, func(t *testing.T) {
			src := writeZip(t, map[string]string{"ok.txt": "fine", name: "evil"})
			dest := filepath.Join(t.TempDir(), "out")

			_, err := ExtractZip(context.Background(), src, dest)
			assert.Error(t, err)

			_, statErr := os.Stat(filepath.Join(dest, "ok.txt"))
			assert.True(t, os.IsNotExist(statErr), "nothing is written when an entry is unsafe")
		})
	}
}

func TestEntryPath(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out")

	got, err := entryPath(dest, "a/b/c.jpg")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "a", "b", "c.jpg"), got)

	for _, name := range []string{"../x", "a/../../x", "/etc/passwd", ".."} {
		_, err := entryPath(dest, name)
		assert.ErrorIs(t, err, ErrUnsafePath, name)
	}
}

func TestExtractZip_Corrupt(t *testing.T) {
	src := filepath.Join(t.TempDir(), "data.zip")
	require.NoError(t, os.WriteFile(src, []byte("<html>not a zip</html>"), 0o644))

	_, err := ExtractZip(context.Background(), src, t.TempDir())
	assert.Error(t, err)

	_, err = ExtractZip(context.Background(), filepath.Join(t.TempDir(), "missing.zip"), t.TempDir())
	assert.Error(t, err)
}

func TestExtractZip_Cancelled(t *testing.T) {
	src := writeZip(t, map[string]string{"a.txt": "a"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ExtractZip(ctx, src, t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
}
