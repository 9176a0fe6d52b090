package archive

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/evolve/internal/ir"
)

func createTestStore(t *testing.T, c Compression) *Store {
	t.Helper()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, err := Open(t.TempDir(), Options{
		Compression: c,
		CacheTTL:    time.Minute,
		Now:         func() time.Time { return fixed },
	})
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	payloads := map[string][]byte{
		"empty":        {},
		"small":        []byte("hi"),
		"compressible": bytes.Repeat([]byte("name: deploy\nkind: command\n"), 200),
	}
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		for name, data := range payloads {
			t.Run(string(c)+"/"+name, func(t *testing.T) {
				s := createTestStore(t, c)
				handle, err := s.Put(data)
				require.NoError(t, err)
				assert.Equal(t, ir.Checksum(data), handle, "handle is the content checksum")
				assert.True(t, s.Has(handle))

				got, err := s.Get(handle)
				require.NoError(t, err)
				assert.Equal(t, data, got)
			})
		}
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s := createTestStore(t, CompressionZstd)
	data := []byte("same bytes")

	h1, err := s.Put(data)
	require.NoError(t, err)
	h2, err := s.Put(data)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	handles, err := s.Handles()
	require.NoError(t, err)
	assert.Equal(t, []string{h1}, handles)
}

func TestIncompressibleStoredRaw(t *testing.T) {
	s := createTestStore(t, CompressionLZ4)
	handle, err := s.Put([]byte("x"))
	require.NoError(t, err)

	e, err := s.Entry(handle)
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, e.Compression)
	assert.Equal(t, 1, e.Size)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), e.ArchivedAt.UTC())
}

func TestCompressibleUsesConfiguredAlgorithm(t *testing.T) {
	s := createTestStore(t, CompressionZstd)
	handle, err := s.Put([]byte(strings.Repeat("abc", 1000)))
	require.NoError(t, err)

	e, err := s.Entry(handle)
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, e.Compression)
}

func TestGetMissing(t *testing.T) {
	s := createTestStore(t, CompressionNone)
	_, err := s.Get(ir.Checksum([]byte("never stored")))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, s.Has(ir.Checksum([]byte("never stored"))))
}

func TestGetRejectsInvalidHandle(t *testing.T) {
	s := createTestStore(t, CompressionNone)
	_, err := s.Get("../../etc/passwd")
	assert.Error(t, err)
}

func TestGetDetectsCorruption(t *testing.T) {
	s, err := Open(t.TempDir(), Options{Compression: CompressionNone})
	require.NoError(t, err)
	handle, err := s.Put([]byte("original"))
	require.NoError(t, err)

	blobPath, _, err := s.paths(handle)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(blobPath, []byte("tampered"), 0o644))

	_, err = s.Get(handle)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestSweepKeepsReferenced(t *testing.T) {
	s := createTestStore(t, CompressionNone)
	keep, err := s.Put([]byte("referenced"))
	require.NoError(t, err)
	orphan, err := s.Put([]byte("orphan"))
	require.NoError(t, err)

	removed, err := s.Sweep(map[string]bool{keep: true})
	require.NoError(t, err)
	assert.Equal(t, []string{orphan}, removed)
	assert.True(t, s.Has(keep))
	assert.False(t, s.Has(orphan))

	_, err = s.Get(orphan)
	assert.ErrorIs(t, err, ErrNotFound, "sweep evicts the read cache too")
}

func TestLayout(t *testing.T) {
	s := createTestStore(t, CompressionNone)
	handle, err := s.Put([]byte("layout"))
	require.NoError(t, err)

	hexPart := strings.TrimPrefix(handle, ir.ChecksumPrefix)
	_, err = os.Stat(filepath.Join(s.Root(), "objects", hexPart[:2], hexPart+".blob"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(s.Root(), "objects", hexPart[:2], hexPart+".meta"))
	assert.NoError(t, err)
}

func TestParseCompression(t *testing.T) {
	for _, name := range []string{"none", "lz4", "zstd"} {
		c, err := ParseCompression(name)
		require.NoError(t, err)
		assert.Equal(t, Compression(name), c)
	}
	_, err := ParseCompression("brotli")
	assert.Error(t, err)
}
