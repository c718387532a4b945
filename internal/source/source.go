// Package source defines the capability a sensing device exposes to the
// acquisition pipeline, plus a replay driver backed by recorded CSV files.
package source

import (
	"context"
	"errors"
	"time"
)

// Role selects the account used when logging into a device.
type Role int

const (
	RoleUser Role = iota
	RoleAdmin
)

// LoginStatus is the device's answer to a login attempt.
type LoginStatus int

const (
	LoginOK LoginStatus = iota
	LoginDenied
	LoginLocked
)

func (s LoginStatus) String() string {
	switch s {
	case LoginOK:
		return "ok"
	case LoginDenied:
		return "denied"
	case LoginLocked:
		return "locked"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected = errors.New("device not connected")
	ErrNotStreaming = errors.New("device streaming not enabled")
)

// Reading is one raw sample as reported by the device.
type Reading struct {
	Timestamp time.Time
	X, Y, Z   float64
	XValid    bool
	YValid    bool
	ZValid    bool
}

// AccelerationValid reports whether all three axes carry valid data.
func (r Reading) AccelerationValid() bool {
	return r.XValid && r.YValid && r.ZValid
}

// Source is a connected sensing device.
type Source interface {
	Connect(ctx context.Context) error
	Login(role Role, credential string) (LoginStatus, error)
	IsConnected() bool
	Disconnect() error
	StreamEnable() error
	StreamDisable() error
	// GetSamples returns the readings accumulated since the previous call.
	// An empty result is not an error.
	GetSamples(ctx context.Context) ([]Reading, error)
}

// Handle identifies a discovered device. Name doubles as the device id.
type Handle struct {
	Name    string
	Address string
}

// Driver discovers devices attached to the host and opens them.
type Driver interface {
	ListDevices(ctx context.Context) ([]Handle, error)
	Open(h Handle) (Source, error)
}
