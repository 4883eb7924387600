// Package wsgi is the bridge between the server core and a synchronous
// web application: it builds the per-request environ, invokes the
// application exactly once per transaction, and frames the response body
// for the wire.
package wsgi

import "io"

// Header is one response header line supplied by the application.
type Header struct {
	Key   string
	Value string
}

// StartResponse captures the status line and headers for the response.
// The application must call it before (or while) producing the first
// body chunk. Calling it a second time replaces the first call; that is
// only honored while no output has been sent, which the writer
// guarantees by not flushing anything until the first body chunk is
// pulled.
type StartResponse func(status string, headers []Header)

// Body is a lazy, finite, non-restartable sequence of byte chunks.
// Pulling the next chunk may execute application code. Next returns
// io.EOF once the sequence is exhausted; Close is called exactly once
// when the body is exhausted or abandoned.
type Body interface {
	Next() ([]byte, error)
	Close() error
}

// App is the synchronous application contract: invoked at most once per
// transaction, after the full request (headers and declared body) has
// been received.
type App func(env Environ, start StartResponse) (Body, error)

// Bytes wraps a fully materialized body. The writer recognizes it and
// derives a Content-Length when the application declares none.
func Bytes(data []byte) Body {
	return &bytesBody{data: data}
}

type bytesBody struct {
	data []byte
	done bool
}

func (b *bytesBody) Next() ([]byte, error) {
	if b.done || len(b.data) == 0 {
		return nil, io.EOF
	}
	b.done = true
	return b.data, nil
}

func (b *bytesBody) Close() error { return nil }

// Chunks wraps a fixed sequence of byte chunks as a lazy body.
func Chunks(chunks ...[]byte) Body {
	return &chunksBody{chunks: chunks}
}

type chunksBody struct {
	chunks [][]byte
	next   int
}

func (b *chunksBody) Next() ([]byte, error) {
	if b.next >= len(b.chunks) {
		return nil, io.EOF
	}
	chunk := b.chunks[b.next]
	b.next++
	return chunk, nil
}

func (b *chunksBody) Close() error { return nil }
