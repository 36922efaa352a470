// Package preamble provides the HTTP response header block optionally
// sent to clients before the broadcast stream, allowing clients like
// browsers and media players to consume the stream over plain HTTP.
package preamble

import (
	"io"
)

// HTTP declares an octet-stream body of unbounded length.
const HTTP = "HTTP/1.1 200 OK\r\n" +
	"Content-type: application/octet-stream\r\n" +
	"Cache-Control: no-cache\r\n" +
	"Connection: close\r\n" +
	"\r\n"

var bytesHTTP = []byte(HTTP)

// Write writes the HTTP preamble to w retrying partial writes until
// everything is written or w fails.
func Write(w io.Writer) error { return writeFull(w, bytesHTTP) }

func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
