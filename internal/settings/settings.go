package settings

import (
	"errors"
	"fmt"
	"path/filepath"
)

const (
	DefaultSampleRate     = 500
	DefaultOutputType     = OutputCSV
	DefaultOutputDirName  = "CX1_Data"
	DefaultSaveUnit       = UnitMinute
	DefaultSaveInterval   = 5
	DefaultUploadEndpoint = ""
)

// Output types understood by the sink package.
const (
	OutputCSV      = "csv"
	OutputColumnar = "columnar"
)

// Save interval units.
const (
	UnitSecond = "second"
	UnitMinute = "minute"
	UnitHour   = "hour"
)

var unitSeconds = map[string]int{
	UnitSecond: 1,
	UnitMinute: 60,
	UnitHour:   3600,
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid acquisition settings")

// AcquisitionSettings is the per-device acquisition configuration.
type AcquisitionSettings struct {
	SampleRate      int          `yaml:"sample_rate" json:"sample_rate"`
	OutputType      string       `yaml:"output_type" json:"output_type"`
	OfflineMode     bool         `yaml:"offline_mode" json:"offline_mode"`
	OutputDirectory string       `yaml:"output_directory" json:"output_directory"`
	FileUpload      FileUpload   `yaml:"file_upload" json:"file_upload"`
	SaveInterval    SaveInterval `yaml:"save_interval" json:"save_interval"`
}

// FileUpload controls shipping of completed files to a remote endpoint.
type FileUpload struct {
	Active   bool   `yaml:"active" json:"active"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

// SaveInterval is the accumulation period of one output file.
type SaveInterval struct {
	Unit     string `yaml:"unit" json:"unit"`
	Interval int    `yaml:"interval" json:"interval"`
}

// TotalSeconds converts the interval to seconds. Unknown units yield 0.
func (s SaveInterval) TotalSeconds() int {
	return unitSeconds[s.Unit] * s.Interval
}

// Default returns the settings used when a device has no persisted file.
func Default(dataDir string) AcquisitionSettings {
	return AcquisitionSettings{
		SampleRate:      DefaultSampleRate,
		OutputType:      DefaultOutputType,
		OutputDirectory: filepath.Join(dataDir, DefaultOutputDirName),
		FileUpload: FileUpload{
			Active:   false,
			Endpoint: DefaultUploadEndpoint,
		},
		SaveInterval: SaveInterval{
			Unit:     DefaultSaveUnit,
			Interval: DefaultSaveInterval,
		},
	}
}

// BatchSize is the number of decimated samples collected per output file.
func (s AcquisitionSettings) BatchSize() int {
	return s.SaveInterval.TotalSeconds() * s.SampleRate
}

// Validate checks the invariants every running worker relies on.
func (s AcquisitionSettings) Validate() error {
	if s.SampleRate <= 0 {
		return fmt.Errorf("%w: sample_rate must be positive, got %d", ErrInvalid, s.SampleRate)
	}
	switch s.OutputType {
	case OutputCSV, OutputColumnar:
	default:
		return fmt.Errorf("%w: output_type %q not one of csv, columnar", ErrInvalid, s.OutputType)
	}
	if s.OutputDirectory == "" {
		return fmt.Errorf("%w: output_directory is required", ErrInvalid)
	}
	if _, ok := unitSeconds[s.SaveInterval.Unit]; !ok {
		return fmt.Errorf("%w: save_interval.unit %q not one of second, minute, hour", ErrInvalid, s.SaveInterval.Unit)
	}
	if s.SaveInterval.Interval <= 0 {
		return fmt.Errorf("%w: save_interval.interval must be positive, got %d", ErrInvalid, s.SaveInterval.Interval)
	}
	if s.FileUpload.Active && s.FileUpload.Endpoint == "" {
		return fmt.Errorf("%w: file_upload.endpoint is required when upload is active", ErrInvalid)
	}
	return nil
}
