package parser

import (
	"bytes"
	"context"
	"io"
)

// chunkSize is the fixed read size for streaming transcript files.
// Transcripts can grow to hundreds of MB; reading in chunks keeps peak
// memory bounded by the longest line rather than the file size.
const chunkSize = 256 * 1024

// forEachLine reads r in fixed-size chunks and invokes fn for every complete
// line, carrying partial lines across chunk boundaries. A trailing line
// without a final newline is still delivered. Cancellation is checked
// between chunks, so an abandoned parse stops at the next boundary.
func forEachLine(ctx context.Context, r io.Reader, fn func(line []byte)) error {
	buf := make([]byte, chunkSize)
	var carry []byte

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			for {
				i := bytes.IndexByte(chunk, '\n')
				if i < 0 {
					break
				}
				if len(carry) > 0 {
					carry = append(carry, chunk[:i]...)
					fn(carry)
					carry = carry[:0]
				} else if i > 0 {
					fn(chunk[:i])
				}
				chunk = chunk[i+1:]
			}
			carry = append(carry, chunk...)
		}

		if err == io.EOF {
			if len(carry) > 0 {
				fn(carry)
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}
