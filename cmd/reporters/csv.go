package reporters

import (
	"encoding/csv"
	"io"
)

// writeCSV writes a header row followed by one row per job
func writeCSV(w io.Writer, records []JobRecord) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	for _, record := range records {
		if err := writer.Write(record.csvRow()); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}
