package zipio

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestSplitRoundTrip(t *testing.T) {
	raw := buildZip(t, map[string]string{
		"a.txt": "hello",
		"b.txt": "world",
	})

	sections, err := Split(raw)
	require.NoError(t, err)

	reassembled := append(append(append([]byte{}, sections.Entries...), sections.CentralDirectory...), sections.EOCD...)
	assert.Equal(t, raw, reassembled)

	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)
	assert.Len(t, zr.File, 2)
}

func TestSplitRejectsTooSmallInput(t *testing.T) {
	_, err := Split([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestInjectBeforeCentralDirectory(t *testing.T) {
	raw := buildZip(t, map[string]string{"a.txt": "hello"})
	sections, err := Split(raw)
	require.NoError(t, err)

	block := []byte("fake-signing-block")
	out := sections.InjectBeforeCentralDirectory(4, block)

	zr, err := zip.NewReader(bytes.NewReader(out), int64(len(out)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	defer rc.Close()

	gotSections, err := Split(out)
	require.NoError(t, err)
	assert.Contains(t, string(gotSections.Entries), "fake-signing-block")
}
