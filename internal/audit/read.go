package audit

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gpufleet/internal/model"
)

// ReadCSV loads audit records from a CSV file.
func ReadCSV(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == "timestamp" {
		start = 1
	}

	items := make([]Record, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < len(header) {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		pid, err := strconv.Atoi(rec[3])
		if err != nil {
			return nil, fmt.Errorf("invalid pid at line %d: %w", i+1, err)
		}
		items = append(items, Record{
			Timestamp: ts,
			CommandID: rec[1],
			Hostname:  rec[2],
			PID:       pid,
			Status:    model.KillOutcome(rec[4]),
			Message:   rec[5],
		})
	}

	return items, nil
}
