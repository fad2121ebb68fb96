package collect

import (
	"bytes"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

// MaxDecompressedBytes caps how much of a gzip/brotli body the collect
// pipeline will inflate before giving up — usage numbers live in a
// small JSON tail, so there is never a reason to decompress an entire
// multi-megabyte completion just to read them.
const MaxDecompressedBytes = 256 << 10

// Decompress inflates body according to contentEncoding ("gzip",
// "br", or "" for identity), capped at MaxDecompressedBytes. A
// decompression failure degrades silently: the collect pipeline simply
// has no usage to extract for this request, it does not fail the
// proxied response itself.
func Decompress(contentEncoding string, body []byte) ([]byte, bool) {
	switch contentEncoding {
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, false
		}
		defer r.Close()
		out, err := io.ReadAll(io.LimitReader(r, MaxDecompressedBytes))
		if err != nil && len(out) == 0 {
			return nil, false
		}
		return out, true

	case "br":
		r := brotli.NewReader(bytes.NewReader(body))
		out, err := io.ReadAll(io.LimitReader(r, MaxDecompressedBytes))
		if err != nil && len(out) == 0 {
			return nil, false
		}
		return out, true

	default:
		return body, true
	}
}
