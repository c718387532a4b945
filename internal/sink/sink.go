// Package sink writes batches of sample records to output files.
package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cxlogger/internal/model"
	"cxlogger/internal/settings"
)

// FilenameLayout formats the first record's timestamp into an output name.
const FilenameLayout = "20060102T150405.000000Z"

// Sink consumes a batch of records and reports how many it wrote.
type Sink interface {
	Write(batch []model.SampleRecord) (int, error)
	Name() string
}

// Options tunes sink construction.
type Options struct {
	// DeviceID is embedded in columnar file headers.
	DeviceID string
	// Compression applies to the columnar variant only.
	Compression Compression
}

// New selects a sink for the configured output type.
func New(outputType, dir, prefix string, opts Options) (Sink, error) {
	switch outputType {
	case settings.OutputCSV:
		return NewCSVSink(dir, prefix), nil
	case settings.OutputColumnar:
		return NewColumnarSink(dir, prefix, opts), nil
	default:
		return nil, fmt.Errorf("unknown output type %q", outputType)
	}
}

// FileName derives the output name for a batch starting at ts.
func FileName(prefix string, ts time.Time, ext string) string {
	return prefix + ts.UTC().Format(FilenameLayout) + ext
}

// writeFileAtomic writes via a temp file in the same directory and renames
// it over path, replacing any file of the same name.
func writeFileAtomic(path string, write func(*os.File) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	tmpName = ""
	return nil
}
