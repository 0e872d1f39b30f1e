package metrics

// CSV metrics output

import (
	"encoding/csv"
	"fmt"
	"os"
	"sync"
	"time"
)

// Writer streams metrics to a CSV file, one row per operation.
type Writer struct {
	mu        sync.Mutex
	csvFile   *os.File
	csvWriter *csv.Writer
}

var csvHeader = []string{
	"timestamp",
	"operation",
	"station",
	"success",
	"rtt_ms",
	"jitter_ms",
	"pnio_status",
	"error",
}

// NewWriter creates a metrics writer targeting csvPath.
func NewWriter(csvPath string) (*Writer, error) {
	file, err := os.Create(csvPath)
	if err != nil {
		return nil, fmt.Errorf("create CSV file: %w", err)
	}
	w := &Writer{csvFile: file, csvWriter: csv.NewWriter(file)}

	if err := w.csvWriter.Write(csvHeader); err != nil {
		file.Close()
		return nil, fmt.Errorf("write CSV header: %w", err)
	}
	w.csvWriter.Flush()
	return w, nil
}

// WriteMetric appends a single metric row.
func (w *Writer) WriteMetric(m Metric) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	record := []string{
		m.Timestamp.Format(time.RFC3339Nano),
		string(m.Operation),
		m.Station,
		fmt.Sprintf("%t", m.Success),
		formatMs(m.RTTMs),
		formatMs(m.JitterMs),
		fmt.Sprintf("0x%08X", m.PNIOStatus),
		m.Error,
	}
	if err := w.csvWriter.Write(record); err != nil {
		return fmt.Errorf("write CSV record: %w", err)
	}
	w.csvWriter.Flush()
	return w.csvWriter.Error()
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.csvWriter.Flush()
	return w.csvFile.Close()
}

func formatMs(v float64) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%.3f", v)
}
