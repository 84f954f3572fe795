package download

import (
	"compress/bzip2"
	"io"
	"net/url"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Codec names the compression wrapped around a replay archive.
type Codec string

const (
	CodecNone  Codec = "none"
	CodecBzip2 Codec = "bzip2"
	CodecGzip  Codec = "gzip"
	CodecZstd  Codec = "zstd"
)

// codecFor picks the decompressor from the suffix of the URL path.
func codecFor(rawURL string) Codec {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		p = u.Path
	}
	p = strings.ToLower(p)
	switch {
	case strings.HasSuffix(p, ".bz2"):
		return CodecBzip2
	case strings.HasSuffix(p, ".gz"):
		return CodecGzip
	case strings.HasSuffix(p, ".zst"):
		return CodecZstd
	default:
		return CodecNone
	}
}

// NewReader wraps r in the codec's decompressor.
func (c Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	switch c {
	case CodecBzip2:
		return io.NopCloser(bzip2.NewReader(r)), nil
	case CodecGzip:
		return gzip.NewReader(r)
	case CodecZstd:
		d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	default:
		return io.NopCloser(r), nil
	}
}
