package format

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// WrapCompressed unwraps a compressed object stream based on the path
// extension. Unknown extensions pass through untouched.
func WrapCompressed(path string, r io.Reader) (io.Reader, func() error, error) {
	switch {
	case strings.HasSuffix(path, ".gz"):
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip reader for %s: %w", path, err)
		}
		return gz, gz.Close, nil
	case strings.HasSuffix(path, ".zst"):
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, fmt.Errorf("zstd reader for %s: %w", path, err)
		}
		return dec, func() error { dec.Close(); return nil }, nil
	default:
		return r, func() error { return nil }, nil
	}
}

// TrimCompressionExt removes a trailing compression extension so the format
// can be inferred from the inner file name.
func TrimCompressionExt(path string) string {
	for _, ext := range []string{".gz", ".zst"} {
		if strings.HasSuffix(path, ext) {
			return strings.TrimSuffix(path, ext)
		}
	}
	return path
}
