package limitstream

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type closeBuffer struct {
	bytes.Buffer
	closed bool
}

func (b *closeBuffer) Close() error {
	b.closed = true
	return nil
}

func TestWriterTerminate(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, 10, Terminate)
	require.NoError(t, err)

	for _, chunk := range chunksOf(4, 4) {
		n, err := w.Write(chunk)
		require.NoError(t, err)
		require.Equal(t, 4, n)
	}

	n, err := w.Write(make([]byte, 4))
	require.Zero(t, n)
	require.True(t, IsErrStreamClosed(err))
	require.Equal(t, 8, buf.Len())

	// later writes, even empty ones, reach nothing
	_, err = w.Write(nil)
	require.True(t, IsErrStreamClosed(err))
}

func TestWriterFail(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, 10, Fail)
	require.NoError(t, err)

	for _, chunk := range chunksOf(4, 4, 4) {
		_, err = w.Write(chunk)
		if err != nil {
			break
		}
	}
	require.True(t, IsErrSizeLimitExceeded(err))
	require.Equal(t, 8, buf.Len())
	require.EqualValues(t, 8, w.Stage.Forwarded())
}

func TestWriterCloseCompletes(t *testing.T) {
	var buf closeBuffer
	w, err := NewWriter(&buf, 5, Fail)
	require.NoError(t, err)

	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.True(t, buf.closed)
	require.Equal(t, Completed, w.Stage.State())
	require.Equal(t, "hello", buf.String())
}

// shortWriter accepts n bytes, then fails.
type shortWriter struct {
	n   int
	err error
}

func (w *shortWriter) Write(p []byte) (int, error) {
	if len(p) <= w.n {
		w.n -= len(p)
		return len(p), nil
	}
	n := w.n
	w.n = 0
	return n, w.err
}

func TestWriterCountsOnlyDeliveredBytes(t *testing.T) {
	downstreamErr := errors.New("disk full")
	w, err := NewWriter(&shortWriter{n: 1, err: downstreamErr}, 10, Fail)
	require.NoError(t, err)

	n, err := w.Write([]byte("abcd"))
	require.Same(t, downstreamErr, err)
	require.Equal(t, 1, n)
	require.EqualValues(t, 1, w.Stage.Forwarded())
	require.Equal(t, Active, w.Stage.State())
}
