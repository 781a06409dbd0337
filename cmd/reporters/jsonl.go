package reporters

import (
	"bufio"
	"encoding/json"
	"io"
)

// writeJSONL writes one JSON object per job
func writeJSONL(w io.Writer, records []JobRecord) error {
	buffered := bufio.NewWriter(w)
	encoder := json.NewEncoder(buffered)
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			return err
		}
	}
	return buffered.Flush()
}
