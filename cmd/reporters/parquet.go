package reporters

import (
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
)

// writeParquet writes the job rows as a Snappy-compressed Parquet file
func writeParquet(w io.Writer, records []JobRecord) error {
	writer := parquet.NewGenericWriter[JobRecord](w, parquet.Compression(&parquet.Snappy))

	if _, err := writer.Write(records); err != nil {
		return fmt.Errorf("failed to write parquet rows: %w", err)
	}

	// Close writer to flush data
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return nil
}
