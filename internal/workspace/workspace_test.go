package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSReadWriteRemove(t *testing.T) {
	w, err := OpenFS(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, w.Write("deploy/run.sh", []byte("echo hi")))
	data, err := w.Read("deploy/run.sh")
	require.NoError(t, err)
	assert.Equal(t, "echo hi", string(data))

	_, err = os.Stat(filepath.Join(w.Root(), "deploy", "run.sh"))
	require.NoError(t, err)

	require.NoError(t, w.Remove("deploy/run.sh"))
	_, err = w.Read("deploy/run.sh")
	assert.ErrorIs(t, err, ErrArtifactNotFound)

	assert.NoError(t, w.Remove("deploy/run.sh"), "removing a missing ref is a no-op")
}

func TestFSRejectsEscapingRefs(t *testing.T) {
	w, err := OpenFS(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, w.Write("../outside", []byte("x")))
	_, err = w.Read("/etc/passwd")
	assert.Error(t, err)
}

func TestMemoryWorkspace(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Write("b", []byte("2")))
	require.NoError(t, m.Write("a", []byte("1")))
	assert.Equal(t, []string{"a", "b"}, m.Refs())

	data, err := m.Read("a")
	require.NoError(t, err)
	data[0] = 'x'
	again, err := m.Read("a")
	require.NoError(t, err)
	assert.Equal(t, "1", string(again), "reads return copies")
}

func TestStageIsolatesUntilApply(t *testing.T) {
	base := NewMemory()
	require.NoError(t, base.Write("keep", []byte("k")))
	require.NoError(t, base.Write("gone", []byte("g")))

	st := NewStage(base)
	require.NoError(t, st.Write("new", []byte("n")))
	require.NoError(t, st.Remove("gone"))
	require.NoError(t, st.Write("keep", []byte("k2")))

	ok, err := st.Exists("gone")
	require.NoError(t, err)
	assert.False(t, ok)
	data, err := st.Read("keep")
	require.NoError(t, err)
	assert.Equal(t, "k2", string(data))

	// Base untouched before Apply.
	assert.Equal(t, []string{"gone", "keep"}, base.Refs())

	require.NoError(t, st.Apply())
	assert.Equal(t, []string{"keep", "new"}, base.Refs())
	assert.Equal(t, []string{"new", "gone", "keep"}, st.Touched())
}

func TestStageDiscard(t *testing.T) {
	base := NewMemory()
	st := NewStage(base)
	require.NoError(t, st.Write("x", []byte("1")))
	st.Discard()
	require.NoError(t, st.Apply())
	assert.Empty(t, base.Refs())
}
