package auditqueue

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueuePassesRecordsThrough(t *testing.T) {
	q, err := NewQueue(4, "", 0)
	require.NoError(t, err)

	q.In <- []byte("first")
	q.In <- []byte("second")

	require.Equal(t, []byte("first"), <-q.Out)
	require.Equal(t, []byte("second"), <-q.Out)

	close(q.In)
	_, ok := <-q.Out
	require.False(t, ok, "Out closes once In is drained and closed")
}

func TestQueueSpillsToDiskWhenBufferFull(t *testing.T) {
	dir := t.TempDir()
	q, err := NewQueue(1, dir, 0)
	require.NoError(t, err)

	const n = 50
	for i := 0; i < n; i++ {
		q.In <- []byte{byte(i)}
	}

	got := make(map[byte]bool)
	for i := 0; i < n; i++ {
		select {
		case buf := <-q.Out:
			require.Len(t, buf, 1)
			got[buf[0]] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for record %d, got %d so far", i, len(got))
		}
	}
	require.Len(t, got, n, "every spilled record should eventually drain back onto Out")
}

func TestQueueRecoversSpillAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	q, err := NewQueue(1, dir, 0)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		q.In <- []byte{byte(i)}
	}
	close(q.In)
	q.Commit()

	q2, err := NewQueue(4, dir, 0)
	require.NoError(t, err)
	close(q2.In)

	var count int
	for range q2.Out {
		count++
	}
	require.Equal(t, 20, count, "records committed to disk by one Queue are recovered by the next")
}

func TestQueueCacheStopPreventsNewSpillButDrainsExisting(t *testing.T) {
	dir := t.TempDir()
	q, err := NewQueue(1, dir, 0)
	require.NoError(t, err)

	q.In <- []byte{1}
	q.In <- []byte{2} // fills Out's depth-1 buffer and forces a spill
	require.Eventually(t, func() bool { return q.CacheHasData() }, time.Second, 10*time.Millisecond)

	q.CacheStop()
	// CacheStop only blocks new spills; draining what's already cached
	// still proceeds, so both records are still observable on Out.
	first := <-q.Out
	second := <-q.Out
	require.ElementsMatch(t, [][]byte{{1}, {2}}, [][]byte{first, second})
}

func TestWriteFrameReadFrameRoundTrip(t *testing.T) {
	var buf fakeWriteReader
	require.NoError(t, writeFrame(&buf, []byte("hello")))
	require.NoError(t, writeFrame(&buf, []byte("world")))

	got1, err := readFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got1)

	got2, err := readFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, []byte("world"), got2)

	_, err = readFrame(&buf)
	require.Error(t, err, "reading past the last frame returns an error, not a phantom record")
}

// fakeWriteReader is a minimal in-memory io.Writer+io.Reader so
// writeFrame/readFrame can be tested without touching disk.
type fakeWriteReader struct {
	buf []byte
	off int
}

func (f *fakeWriteReader) Write(p []byte) (int, error) {
	f.buf = append(f.buf, p...)
	return len(p), nil
}

func (f *fakeWriteReader) Read(p []byte) (int, error) {
	if f.off >= len(f.buf) {
		return 0, io.EOF
	}
	n := copy(p, f.buf[f.off:])
	f.off += n
	return n, nil
}
