package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cxlogger/internal/sink"
)

// DefaultReplayChunk is the number of rows returned per GetSamples call.
const DefaultReplayChunk = 50

// ReplayDriver exposes every <name>.csv recording in Dir as a device.
type ReplayDriver struct {
	Dir        string
	Credential string
	Chunk      int
}

// ListDevices returns one handle per recording, sorted by name.
func (d *ReplayDriver) ListDevices(ctx context.Context) ([]Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	paths, err := filepath.Glob(filepath.Join(d.Dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	handles := make([]Handle, 0, len(paths))
	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		handles = append(handles, Handle{Name: name, Address: path})
	}
	return handles, nil
}

// Open returns a replay source for h. The file is read on Connect.
func (d *ReplayDriver) Open(h Handle) (Source, error) {
	if h.Address == "" {
		return nil, fmt.Errorf("replay device %q has no recording path", h.Name)
	}
	chunk := d.Chunk
	if chunk <= 0 {
		chunk = DefaultReplayChunk
	}
	return &ReplaySource{path: h.Address, credential: d.Credential, chunk: chunk}, nil
}

// ReplaySource streams the rows of a recorded CSV file.
type ReplaySource struct {
	path       string
	credential string
	chunk      int

	mu        sync.Mutex
	rows      []Reading
	next      int
	connected bool
	loggedIn  bool
	streaming bool
}

func (s *ReplaySource) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(s.path); err != nil {
		return fmt.Errorf("connect %s: %w", s.path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *ReplaySource) Login(role Role, credential string) (LoginStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return LoginDenied, ErrNotConnected
	}
	if role != RoleAdmin || credential != s.credential {
		return LoginDenied, nil
	}
	s.loggedIn = true
	return LoginOK, nil
}

func (s *ReplaySource) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && s.loggedIn
}

func (s *ReplaySource) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.loggedIn = false
	s.streaming = false
	return nil
}

// StreamEnable loads the recording and rewinds to its first row.
func (s *ReplaySource) StreamEnable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || !s.loggedIn {
		return ErrNotConnected
	}
	records, err := sink.ReadCSV(s.path)
	if err != nil {
		return fmt.Errorf("load recording: %w", err)
	}
	rows := make([]Reading, 0, len(records))
	for _, rec := range records {
		rows = append(rows, Reading{
			Timestamp: rec.Timestamp,
			X:         rec.AccelX,
			Y:         rec.AccelY,
			Z:         rec.AccelZ,
			XValid:    true,
			YValid:    true,
			ZValid:    true,
		})
	}
	s.rows = rows
	s.next = 0
	s.streaming = true
	return nil
}

func (s *ReplaySource) StreamDisable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streaming = false
	return nil
}

func (s *ReplaySource) GetSamples(ctx context.Context) ([]Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.streaming {
		return nil, ErrNotStreaming
	}
	if s.next >= len(s.rows) {
		return nil, nil
	}
	end := s.next + s.chunk
	if end > len(s.rows) {
		end = len(s.rows)
	}
	out := make([]Reading, end-s.next)
	copy(out, s.rows[s.next:end])
	s.next = end
	return out, nil
}

var _ Driver = (*ReplayDriver)(nil)
var _ Source = (*ReplaySource)(nil)
