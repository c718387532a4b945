package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Store persists one settings file per device under Dir.
type Store struct {
	Dir string
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

// Path returns the YAML settings path for a device.
func (s *Store) Path(deviceID string) string {
	return filepath.Join(s.Dir, deviceID+"_config.yaml")
}

func (s *Store) legacyPath(deviceID string) string {
	return filepath.Join(s.Dir, deviceID+"_config.json")
}

// Load reads the settings for a device. The boolean is false when no
// settings file exists, in which case the caller falls back to Default.
// A legacy JSON file (comments and trailing commas allowed) is used when
// no YAML file is present.
func (s *Store) Load(deviceID string) (AcquisitionSettings, bool, error) {
	if s == nil || s.Dir == "" {
		return AcquisitionSettings{}, false, nil
	}

	data, err := os.ReadFile(s.Path(deviceID))
	if err == nil {
		var out AcquisitionSettings
		if err := yaml.Unmarshal(data, &out); err != nil {
			return AcquisitionSettings{}, false, fmt.Errorf("parse %s: %w", s.Path(deviceID), err)
		}
		return out, true, nil
	}
	if !os.IsNotExist(err) {
		return AcquisitionSettings{}, false, err
	}

	data, err = os.ReadFile(s.legacyPath(deviceID))
	if err != nil {
		if os.IsNotExist(err) {
			return AcquisitionSettings{}, false, nil
		}
		return AcquisitionSettings{}, false, err
	}
	var out AcquisitionSettings
	if err := json.Unmarshal(jsonc.ToJSON(data), &out); err != nil {
		return AcquisitionSettings{}, false, fmt.Errorf("parse %s: %w", s.legacyPath(deviceID), err)
	}
	return out, true, nil
}

// Save writes the settings for a device, creating Dir if needed.
func (s *Store) Save(deviceID string, cfg AcquisitionSettings) error {
	if s == nil || s.Dir == "" {
		return fmt.Errorf("settings directory not configured")
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(s.Path(deviceID), data, 0o644)
}
