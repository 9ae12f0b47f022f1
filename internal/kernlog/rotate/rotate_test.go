package rotate

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func line(tag string, n int) []byte {
	return []byte(strings.Repeat(tag, n) + "\n")
}

func TestWritesBelowLimitStayInOneFile(t *testing.T) {
	pth := filepath.Join(t.TempDir(), "kern.log")
	r, err := Open(pth, Options{MaxSize: 1024, MaxHistory: 2})
	require.NoError(t, err)

	_, err = r.Write(line("a", 10))
	require.NoError(t, err)
	_, err = r.Write(line("b", 10))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	bts, err := os.ReadFile(pth)
	require.NoError(t, err)
	require.Contains(t, string(bts), "aaaa")
	require.Contains(t, string(bts), "bbbb")

	_, err = os.Stat(pth + ".1")
	require.True(t, os.IsNotExist(err), "no roll should have happened below the limit")
}

func TestRollMovesOldLinesToHistory(t *testing.T) {
	pth := filepath.Join(t.TempDir(), "kern.log")
	r, err := Open(pth, Options{MaxSize: 64, MaxHistory: 2})
	require.NoError(t, err)

	_, err = r.Write(line("a", 50))
	require.NoError(t, err)
	_, err = r.Write(line("b", 50)) // pushes past MaxSize: rolls first
	require.NoError(t, err)
	require.NoError(t, r.Close())

	cur, err := os.ReadFile(pth)
	require.NoError(t, err)
	require.Contains(t, string(cur), "bbbb")
	require.NotContains(t, string(cur), "aaaa")

	old, err := os.ReadFile(pth + ".1")
	require.NoError(t, err)
	require.Contains(t, string(old), "aaaa")
}

func TestRollCompressesHistory(t *testing.T) {
	pth := filepath.Join(t.TempDir(), "kern.log")
	r, err := Open(pth, Options{MaxSize: 64, MaxHistory: 2, Compress: true})
	require.NoError(t, err)

	_, err = r.Write(line("a", 50))
	require.NoError(t, err)
	_, err = r.Write(line("b", 50))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	gz, err := os.ReadFile(pth + ".1.gz")
	require.NoError(t, err)
	gr, err := gzip.NewReader(bytes.NewReader(gz))
	require.NoError(t, err)
	plain := new(bytes.Buffer)
	_, err = plain.ReadFrom(gr)
	require.NoError(t, err)
	require.Contains(t, plain.String(), "aaaa")

	_, err = os.Stat(pth + ".1")
	require.True(t, os.IsNotExist(err), "the uncompressed segment must be removed after gzip")
}

func TestHistoryIsPruned(t *testing.T) {
	pth := filepath.Join(t.TempDir(), "kern.log")
	r, err := Open(pth, Options{MaxSize: 16, MaxHistory: 2})
	require.NoError(t, err)

	for _, tag := range []string{"a", "b", "c", "d"} {
		_, err = r.Write(line(tag, 20))
		require.NoError(t, err)
	}
	require.NoError(t, r.Close())

	// Three rolls happened; only the two newest segments may remain.
	_, err = os.Stat(pth + ".1")
	require.NoError(t, err)
	_, err = os.Stat(pth + ".2")
	require.NoError(t, err)
	_, err = os.Stat(pth + ".3")
	require.True(t, os.IsNotExist(err), "segments beyond MaxHistory must be deleted")

	newer, err := os.ReadFile(pth + ".1")
	require.NoError(t, err)
	older, err := os.ReadFile(pth + ".2")
	require.NoError(t, err)
	require.Contains(t, string(newer), "ccc", "slot 1 holds the most recently rolled segment")
	require.Contains(t, string(older), "bbb")
}

func TestReopenAppendsAndKeepsRolling(t *testing.T) {
	pth := filepath.Join(t.TempDir(), "kern.log")
	r, err := Open(pth, Options{MaxSize: 64, MaxHistory: 1})
	require.NoError(t, err)
	_, err = r.Write(line("a", 20))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	r, err = Open(pth, Options{MaxSize: 64, MaxHistory: 1})
	require.NoError(t, err)
	_, err = r.Write(line("b", 50)) // 21 existing + 51 new > 64: rolls
	require.NoError(t, err)
	require.NoError(t, r.Close())

	old, err := os.ReadFile(pth + ".1")
	require.NoError(t, err)
	require.Contains(t, string(old), "aaa")

	cur, err := os.ReadFile(pth)
	require.NoError(t, err)
	require.Contains(t, string(cur), "bbb")
}

func TestWriteAfterCloseFails(t *testing.T) {
	pth := filepath.Join(t.TempDir(), "kern.log")
	r, err := Open(pth, Options{})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = r.Write([]byte("late\n"))
	require.ErrorIs(t, err, os.ErrClosed)
	require.ErrorIs(t, r.Close(), os.ErrClosed)
}
