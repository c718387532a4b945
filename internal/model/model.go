package model

import "time"

// SampleRecord is a single validated acceleration reading.
type SampleRecord struct {
	Timestamp time.Time `json:"time"`
	AccelX    float64   `json:"accel_x"`
	AccelY    float64   `json:"accel_y"`
	AccelZ    float64   `json:"accel_z"`
}

// HealthSnapshot summarizes the acquisition state of every sensor on the host.
type HealthSnapshot struct {
	HostDeviceName string         `json:"device_id"`
	Sensors        []SensorStatus `json:"sensors"`
}

// SensorStatus reports whether one sensor is currently acquiring.
type SensorStatus struct {
	SensorID string `json:"sensor_id"`
	Active   bool   `json:"active"`
}
