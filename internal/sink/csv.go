package sink

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"cxlogger/internal/model"
)

const ExtCSV = ".csv"

var csvHeader = []string{"time", "accel_x", "accel_y", "accel_z"}

// CSVSink writes one row-oriented text file per batch.
type CSVSink struct {
	dir    string
	prefix string
}

// NewCSVSink returns a sink writing into dir with the given filename prefix.
func NewCSVSink(dir, prefix string) *CSVSink {
	return &CSVSink{dir: dir, prefix: prefix}
}

func (s *CSVSink) Name() string { return "csv" }

// Path returns the file a batch starting at ts is written to.
func (s *CSVSink) Path(ts time.Time) string {
	return filepath.Join(s.dir, FileName(s.prefix, ts, ExtCSV))
}

func (s *CSVSink) Write(batch []model.SampleRecord) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	path := s.Path(batch[0].Timestamp)
	err := writeFileAtomic(path, func(f *os.File) error {
		w := bufio.NewWriter(f)
		if err := WriteCSV(w, batch); err != nil {
			return err
		}
		return w.Flush()
	})
	if err != nil {
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	return len(batch), nil
}

// WriteCSV writes records with a fixed column order.
func WriteCSV(w io.Writer, items []model.SampleRecord) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(csvHeader); err != nil {
		return err
	}

	for _, rec := range items {
		row := []string{
			rec.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.FormatFloat(rec.AccelX, 'g', -1, 64),
			strconv.FormatFloat(rec.AccelY, 'g', -1, 64),
			strconv.FormatFloat(rec.AccelZ, 'g', -1, 64),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// ReadCSV loads records from a CSV file written by WriteCSV.
func ReadCSV(path string) ([]model.SampleRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]model.SampleRecord, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == csvHeader[0] {
		start = 1
	}

	items := make([]model.SampleRecord, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < len(csvHeader) {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		var axes [3]float64
		for j := range axes {
			axes[j], err = strconv.ParseFloat(rec[j+1], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid %s at line %d: %w", csvHeader[j+1], i+1, err)
			}
		}
		items = append(items, model.SampleRecord{
			Timestamp: ts,
			AccelX:    axes[0],
			AccelY:    axes[1],
			AccelZ:    axes[2],
		})
	}

	return items, nil
}

var _ Sink = (*CSVSink)(nil)
