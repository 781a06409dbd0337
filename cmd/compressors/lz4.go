package compressors

import (
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// LZ4Compressor handles LZ4 compression
type LZ4Compressor struct{}

// NewLZ4Compressor creates a new LZ4 compressor
func NewLZ4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

// NewWriter creates a streaming lz4 frame writer
func (c *LZ4Compressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	writer := lz4.NewWriter(w)

	// Level 0 keeps the library's fast mode
	if level >= 1 && level <= 9 {
		if err := writer.Apply(lz4.CompressionLevelOption(lz4Level(level))); err != nil {
			return nil, fmt.Errorf("failed to apply compression level: %w", err)
		}
	}

	return writer, nil
}

// lz4Level maps 1-9 onto the library's named levels.
func lz4Level(level int) lz4.CompressionLevel {
	switch {
	case level <= 1:
		return lz4.Fast
	case level == 2:
		return lz4.Level1
	case level == 3:
		return lz4.Level2
	case level == 4:
		return lz4.Level3
	case level == 5:
		return lz4.Level4
	case level == 6:
		return lz4.Level5
	case level == 7:
		return lz4.Level6
	case level == 8:
		return lz4.Level7
	default:
		return lz4.Level9
	}
}

// Extension returns the file extension for LZ4 compression
func (c *LZ4Compressor) Extension() string {
	return ".lz4"
}

// DefaultLevel returns the default compression level for LZ4
func (c *LZ4Compressor) DefaultLevel() int {
	return 1 // Fast compression
}

func (c *LZ4Compressor) ValidLevel(level int) bool {
	return level >= 1 && level <= 9
}
