package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
)

// DefaultChunkSize is the read size used by Lines when none is given.
const DefaultChunkSize = 32 * 1024

// Decoder splits a byte stream into newline-delimited text lines. Bytes that do
// not yet form a complete line are carried over to the next Feed call.
//
// Lines are only ever cut at the '\n' byte, which never occurs inside a
// multi-byte UTF-8 sequence, so a character split across two chunks is
// reassembled before it is decoded.
type Decoder struct {
	buf    []byte
	closed bool
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes one chunk and returns the complete lines it finishes, in order,
// without their terminators.
func (d *Decoder) Feed(chunk []byte) []string {
	if d.closed || len(chunk) == 0 {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var lines []string
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, decodeLine(d.buf[:i]))
		d.buf = d.buf[i+1:]
	}

	// Compact so the carry-over does not pin a large backing array.
	if len(d.buf) == 0 {
		d.buf = nil
	} else if cap(d.buf) > 4*len(d.buf) && cap(d.buf) > DefaultChunkSize {
		d.buf = append([]byte(nil), d.buf...)
	}
	return lines
}

// Pending returns the number of carried-over bytes not yet forming a line.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Close ends the stream. An unterminated remainder is not a complete event and
// is discarded; its size is returned so callers can log it.
func (d *Decoder) Close() int {
	n := len(d.buf)
	d.buf = nil
	d.closed = true
	return n
}

func decodeLine(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

// LineReader drives a Decoder from an io.Reader.
type LineReader struct {
	r         io.Reader
	dec       *Decoder
	chunkSize int
	discarded int
}

// NewLineReader wraps r. chunkSize bounds each Read; zero means DefaultChunkSize.
func NewLineReader(r io.Reader, chunkSize int) *LineReader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &LineReader{r: r, dec: NewDecoder(), chunkSize: chunkSize}
}

// Discarded reports how many trailing bytes were dropped because the stream
// ended without a final newline. Valid once iteration has finished.
func (lr *LineReader) Discarded() int {
	return lr.discarded
}

// Lines yields each complete line read from the underlying reader. The
// sequence is lazy and forward-only: it ends at io.EOF, on the first read error
// (yielded with an empty line), or when ctx is done. It must be ranged over at
// most once.
func (lr *LineReader) Lines(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		defer func() { lr.discarded = lr.dec.Close() }()

		buf := make([]byte, lr.chunkSize)
		for {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			n, err := lr.r.Read(buf)
			if n > 0 {
				for _, line := range lr.dec.Feed(buf[:n]) {
					if !yield(line, nil) {
						return
					}
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("read stream: %w", err))
				return
			}
		}
	}
}

// Lines is shorthand for NewLineReader(r, chunkSize).Lines(ctx).
func Lines(ctx context.Context, r io.Reader, chunkSize int) iter.Seq2[string, error] {
	return NewLineReader(r, chunkSize).Lines(ctx)
}
