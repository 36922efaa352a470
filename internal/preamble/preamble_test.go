package preamble_test

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/romshark/stdin2tcp/internal/preamble"

	"github.com/stretchr/testify/require"
)

// chunkWriter accepts at most max bytes per call.
type chunkWriter struct {
	bytes.Buffer
	max   int
	calls int
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.calls++
	if len(p) > w.max {
		p = p[:w.max]
	}
	return w.Buffer.Write(p)
}

type failAfterWriter struct {
	n   int
	err error
}

func (w *failAfterWriter) Write(p []byte) (int, error) {
	if w.n <= 0 {
		return 0, w.err
	}
	if len(p) > w.n {
		p = p[:w.n]
	}
	w.n -= len(p)
	return len(p), nil
}

type zeroWriter struct{}

func (zeroWriter) Write([]byte) (int, error) { return 0, nil }

func TestWrite(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, preamble.Write(&buf))
	require.Equal(t, preamble.HTTP, buf.String())
}

func TestWritePartial(t *testing.T) {
	t.Parallel()

	w := &chunkWriter{max: 7}
	require.NoError(t, preamble.Write(w))
	require.Equal(t, preamble.HTTP, w.String())
	require.Equal(t, (len(preamble.HTTP)+6)/7, w.calls)
}

func TestWriteFailure(t *testing.T) {
	t.Parallel()

	errBroken := errors.New("broken pipe")
	err := preamble.Write(&failAfterWriter{n: 10, err: errBroken})
	require.ErrorIs(t, err, errBroken)

	err = preamble.Write(zeroWriter{})
	require.ErrorIs(t, err, io.ErrShortWrite)
}

func TestHTTPWellFormed(t *testing.T) {
	t.Parallel()

	r := bufio.NewReader(strings.NewReader(preamble.HTTP + "payload"))
	resp, err := http.ReadResponse(r, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	require.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	require.True(t, resp.Close)
	require.Equal(t, int64(-1), resp.ContentLength)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "payload", string(body))
}
