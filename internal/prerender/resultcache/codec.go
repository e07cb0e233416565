package resultcache

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/snappy"
	"github.com/pierrec/lz4/v4"

	"github.com/edgecomet/prerender/internal/common/config"
)

// compressionMinSize is the smallest body worth compressing
const compressionMinSize = 1024

// ErrDecompression is returned when a cached body cannot be decoded
var ErrDecompression = errors.New("decompression failed")

// compress encodes content with algorithm and returns the encoding actually applied.
// Small bodies and unknown algorithms are stored as-is.
func compress(content []byte, algorithm string) ([]byte, string, error) {
	if len(content) < compressionMinSize {
		return content, config.CompressionNone, nil
	}

	switch algorithm {
	case config.CompressionSnappy:
		return snappy.Encode(nil, content), config.CompressionSnappy, nil

	case config.CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(content); err != nil {
			_ = w.Close()
			return nil, "", fmt.Errorf("lz4 compression failed: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, "", fmt.Errorf("lz4 compression close failed: %w", err)
		}
		return buf.Bytes(), config.CompressionLZ4, nil

	default:
		return content, config.CompressionNone, nil
	}
}

// decompress reverses compress for the recorded encoding
func decompress(content []byte, encoding string) ([]byte, error) {
	switch encoding {
	case config.CompressionSnappy:
		out, err := snappy.Decode(nil, content)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %w", ErrDecompression, err)
		}
		return out, nil

	case config.CompressionLZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(content)))
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %w", ErrDecompression, err)
		}
		return out, nil

	case config.CompressionNone, "":
		return content, nil

	default:
		return nil, fmt.Errorf("%w: unknown encoding %q", ErrDecompression, encoding)
	}
}
