package storage

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRawFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.raw")
	st := NewRawFile(path)
	require.NoError(t, st.Open())

	n, err := st.Write([]uint16{0x0102, 0xBEEF})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	n, err = st.Write([]uint16{7})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, st.Datasync())
	require.NoError(t, st.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, 6)
	require.Equal(t, uint16(0x0102), binary.LittleEndian.Uint16(data[0:2]))
	require.Equal(t, uint16(0xBEEF), binary.LittleEndian.Uint16(data[2:4]))
	require.Equal(t, uint16(7), binary.LittleEndian.Uint16(data[4:6]))
}

func TestRawFileOpenTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.raw")
	require.NoError(t, os.WriteFile(path, []byte("stale contents"), 0o644))

	st := NewRawFile(path)
	require.NoError(t, st.Open())
	require.NoError(t, st.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Empty(t, data)
}

func TestRawFileUsageErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.raw")
	st := NewRawFile(path)

	_, err := st.Write([]uint16{1})
	require.Error(t, err, "write before open")
	require.Error(t, st.Datasync(), "datasync before open")
	require.NoError(t, st.Close(), "closing an unopened store is a no-op")

	require.NoError(t, st.Open())
	require.Error(t, st.Open(), "double open")
	require.NoError(t, st.Close())

	_, err = st.Write([]uint16{1})
	require.Error(t, err, "write after close")
}

func TestRawFileOpenFailure(t *testing.T) {
	st := NewRawFile(filepath.Join(t.TempDir(), "no", "such", "dir", "x.raw"))
	require.Error(t, st.Open())
}
