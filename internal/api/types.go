package api

import (
	"context"

	"cxlogger/internal/model"
	"cxlogger/internal/settings"
)

// Fleet is the control surface the HTTP layer drives.
type Fleet interface {
	ListDevices() []string
	CheckDevice(id string) bool
	StartDevice(id string) error
	StopDevice(id string) error
	StopAllDevices()
	HealthCheck() model.HealthSnapshot
	DeviceSettings(id string) (settings.AcquisitionSettings, error)
	UpdateDeviceSettings(id string, s settings.AcquisitionSettings) error
}

// Reporter is implemented by background publishers that can be flushed
// on demand, such as the health shadow.
type Reporter interface {
	Report(ctx context.Context) error
}

// DevicesResponse lists the registered devices.
type DevicesResponse struct {
	Devices []string `json:"devices"`
}

// ActionResponse acknowledges a start or stop request.
type ActionResponse struct {
	Device string `json:"device,omitempty"`
	Action string `json:"action"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
