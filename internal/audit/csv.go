package audit

import (
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gpufleet/internal/model"
)

// Record is one pid outcome of a completed kill command.
type Record struct {
	Timestamp time.Time
	CommandID string
	Hostname  string
	PID       int
	Status    model.KillOutcome
	Message   string
}

var header = []string{
	"timestamp",
	"command_id",
	"hostname",
	"pid",
	"status",
	"message",
}

// RecordsFromResult flattens a kill result into one record per pid.
func RecordsFromResult(at time.Time, hostname string, res model.KillProcessResult) []Record {
	out := make([]Record, 0, len(res.Results))
	for _, r := range res.Results {
		out = append(out, Record{
			Timestamp: at,
			CommandID: res.CommandID,
			Hostname:  hostname,
			PID:       r.PID,
			Status:    r.Status,
			Message:   r.Message,
		})
	}
	return out
}

// WriteCSV writes records to CSV with a fixed column order, header included.
func WriteCSV(w io.Writer, items []Record) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return err
	}
	return writeRecords(writer, items)
}

// AppendCSV appends records to path, writing the header only when the file is new.
// It is not safe for concurrent use; Log serializes appends in-process.
func AppendCSV(path string, items []Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	_, statErr := os.Stat(path)
	fresh := errors.Is(statErr, os.ErrNotExist)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if fresh {
		if err := writer.Write(header); err != nil {
			return err
		}
	}
	return writeRecords(writer, items)
}

func writeRecords(writer *csv.Writer, items []Record) error {
	for _, r := range items {
		record := []string{
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.CommandID,
			r.Hostname,
			strconv.Itoa(r.PID),
			string(r.Status),
			r.Message,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// Log appends command results to a CSV file.
type Log struct {
	path string
	mu   sync.Mutex
}

// NewLog returns a Log writing to path. An empty path disables recording.
func NewLog(path string) *Log {
	return &Log{path: path}
}

// Path returns the file the log appends to.
func (l *Log) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append records the per-pid outcomes of res.
func (l *Log) Append(at time.Time, hostname string, res model.KillProcessResult) error {
	if l == nil || l.path == "" || len(res.Results) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return AppendCSV(l.path, RecordsFromResult(at, hostname, res))
}
