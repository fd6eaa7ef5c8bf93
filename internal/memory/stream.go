package memory

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"

	"repopulse/internal/faults"
)

// ErrTooLarge is returned by Load for payloads above the stream threshold.
var ErrTooLarge = errors.New("payload exceeds stream threshold")

// Source yields a fresh reader on every Open.
type Source interface {
	Open() (io.ReadCloser, error)
}

// Sizer is implemented by sources that know their length up front.
type Sizer interface {
	Size() (int64, error)
}

type fileSource string

// File returns a Source reading the named file.
func File(path string) Source { return fileSource(path) }

func (f fileSource) Open() (io.ReadCloser, error) { return os.Open(string(f)) }

func (f fileSource) Size() (int64, error) {
	fi, err := os.Stat(string(f))
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

type bytesSource []byte

// Bytes returns a Source over an in-memory payload.
func Bytes(b []byte) Source { return bytesSource(b) }

func (b bytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (b bytesSource) Size() (int64, error) { return int64(len(b)), nil }

// Stream reads a Source in fixed-size chunks.
type Stream struct {
	src       Source
	chunkSize int
}

func (g *Governor) Stream(src Source) *Stream {
	size := defaultChunkSize
	if g != nil {
		size = g.opts.ChunkSize
	}
	return &Stream{src: src, chunkSize: size}
}

// Chunks reopens the source and yields successive chunks. The yielded slice
// is reused between iterations and must not be retained.
func (s *Stream) Chunks() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		rc, err := s.src.Open()
		if err != nil {
			yield(nil, err)
			return
		}
		defer rc.Close()

		buf := make([]byte, s.chunkSize)
		for {
			n, err := io.ReadFull(rc, buf)
			if n > 0 {
				if !yield(buf[:n], nil) {
					return
				}
			}
			switch {
			case err == nil:
				continue
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				return
			default:
				yield(nil, err)
				return
			}
		}
	}
}

// Load reads the whole payload, refusing anything above the stream threshold.
func (g *Governor) Load(src Source) ([]byte, error) {
	limit := int64(0)
	if g != nil {
		limit = g.opts.StreamThreshold
	}
	if limit > 0 {
		if sz, ok := src.(Sizer); ok {
			if n, err := sz.Size(); err == nil && n > limit {
				return nil, tooLarge(n, limit)
			}
		}
	}

	rc, err := src.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var r io.Reader = rc
	if limit > 0 {
		r = io.LimitReader(rc, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, tooLarge(int64(len(data)), limit)
	}
	return data, nil
}

// ShouldStream reports whether size is above the stream threshold.
func (g *Governor) ShouldStream(size int64) bool {
	return g != nil && g.opts.StreamThreshold > 0 && size > g.opts.StreamThreshold
}

func tooLarge(size, limit int64) error {
	return fmt.Errorf("%w: %d > %d bytes: %w", ErrTooLarge, size, limit, faults.ResourceExhausted("load refused"))
}
