// Package fleet owns the set of devices attached to the host and the
// lifecycle of their acquisition workers.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"cxlogger/internal/acquire"
	"cxlogger/internal/metrics"
	"cxlogger/internal/model"
	"cxlogger/internal/settings"
	"cxlogger/internal/source"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrAlreadyActive = errors.New("device already active")
	ErrDraining      = errors.New("device is still flushing its previous run")
)

// DemoDeviceIDs are the synthetic devices provisioned in demo mode.
var DemoDeviceIDs = []string{"CX1_1901", "CX1_1902", "CX1_1903", "CX1_1904"}

// Options configures a Manager.
type Options struct {
	// HostName is reported as the device name in health snapshots.
	HostName string
	Demo     bool
	// AutoStart starts every discovered device at construction. It is
	// ignored in demo mode.
	AutoStart bool
	// DataDir is the base directory of default output locations.
	DataDir string
	// Store persists per-device settings. A nil Store keeps settings in
	// memory only.
	Store *settings.Store
	// Driver discovers hardware devices. Required unless Demo is set.
	Driver source.Driver
	// Worker is the template for every worker; DeviceID and Demo are
	// filled in per device.
	Worker  acquire.Config
	Metrics *metrics.Pipeline
	Logger  *slog.Logger
}

type device struct {
	worker *acquire.Worker
	cancel context.CancelFunc
	done   <-chan struct{}
}

// Manager is the device registry. Devices are registered at construction
// and never removed while the manager is open.
type Manager struct {
	opts Options
	log  *slog.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu          sync.Mutex
	fleetCtx    context.Context
	fleetCancel context.CancelFunc
	devices     map[string]*device
	order       []string
}

// New builds the registry. In demo mode it provisions DemoDeviceIDs
// without starting them; otherwise it discovers devices through the
// driver and starts them when AutoStart is set. Devices that cannot be
// opened are skipped with a warning.
func New(ctx context.Context, opts Options) (*Manager, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		opts:    opts,
		log:     log,
		devices: make(map[string]*device),
	}
	m.rootCtx, m.rootCancel = context.WithCancel(ctx)
	m.fleetCtx, m.fleetCancel = context.WithCancel(m.rootCtx)

	if opts.Demo {
		for _, id := range DemoDeviceIDs {
			m.register(id, nil)
		}
		m.log.Info("fleet ready", "mode", "demo", "devices", len(m.order))
		return m, nil
	}

	if opts.Driver == nil {
		m.rootCancel()
		return nil, errors.New("fleet: no device driver configured")
	}
	handles, err := opts.Driver.ListDevices(ctx)
	if err != nil {
		m.rootCancel()
		return nil, fmt.Errorf("discover devices: %w", err)
	}
	for _, h := range handles {
		if _, dup := m.devices[h.Name]; dup {
			m.log.Warn("duplicate device name, skipping", "device", h.Name, "address", h.Address)
			continue
		}
		src, err := opts.Driver.Open(h)
		if err != nil {
			m.log.Warn("open device failed", "device", h.Name, "address", h.Address, "error", err)
			continue
		}
		m.register(h.Name, src)
	}
	m.log.Info("fleet ready", "mode", "hardware", "devices", len(m.order))

	if opts.AutoStart {
		for _, id := range m.order {
			if err := m.StartDevice(id); err != nil {
				m.log.Warn("auto-start failed", "device", id, "error", err)
			}
		}
	}
	return m, nil
}

func (m *Manager) register(id string, src source.Source) {
	cfg := m.opts.Worker
	cfg.DeviceID = id
	cfg.Demo = m.opts.Demo

	w := acquire.NewWorker(cfg, src, m.loadSettings(id), m.log, m.opts.Metrics.Device(id))
	m.devices[id] = &device{worker: w}
	m.order = append(m.order, id)
}

func (m *Manager) loadSettings(id string) settings.AcquisitionSettings {
	fallback := settings.Default(m.opts.DataDir)
	s, ok, err := m.opts.Store.Load(id)
	switch {
	case err != nil:
		m.log.Warn("load settings failed, using defaults", "device", id, "error", err)
		return fallback
	case !ok:
		m.log.Debug("no settings file, using defaults", "device", id)
		return fallback
	}
	if err := s.Validate(); err != nil {
		m.log.Warn("persisted settings invalid, using defaults", "device", id, "error", err)
		return fallback
	}
	return s
}

func (m *Manager) lookup(id string) (*device, error) {
	d, ok := m.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return d, nil
}

// ListDevices returns the registered device ids in registration order.
func (m *Manager) ListDevices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// CheckDevice reports whether id is registered.
func (m *Manager) CheckDevice(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.devices[id]
	return ok
}

// StartDevice arms a new acquisition run under a fresh cancellation scope
// and returns without waiting for the device to come up. A failed bring-up
// shows as an inactive device in HealthCheck.
func (m *Manager) StartDevice(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.lookup(id)
	if err != nil {
		return err
	}
	if d.worker.Active() {
		return fmt.Errorf("%w: %s", ErrAlreadyActive, id)
	}
	if d.done != nil {
		select {
		case <-d.done:
		default:
			return fmt.Errorf("%w: %s", ErrDraining, id)
		}
	}
	if d.cancel != nil {
		d.cancel()
	}

	ctx, cancel := context.WithCancel(m.fleetCtx)
	d.cancel = cancel
	d.done = d.worker.Start(ctx)
	m.log.Info("device start requested", "device", id)
	return nil
}

// StopDevice cancels the device's current run. The device reports inactive
// immediately; its writer drains in the background.
func (m *Manager) StopDevice(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.lookup(id)
	if err != nil {
		return err
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.worker.Deactivate()
	m.log.Info("device stop requested", "device", id)
	return nil
}

// StopAllDevices cancels the shared fleet scope every run is derived from,
// then installs a fresh scope so devices can be started again.
func (m *Manager) StopAllDevices() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fleetCancel()
	for _, id := range m.order {
		m.devices[id].worker.Deactivate()
	}
	m.fleetCtx, m.fleetCancel = context.WithCancel(m.rootCtx)
	m.log.Info("stop requested for all devices", "devices", len(m.order))
}

// HealthCheck reports each device's active flag in registration order.
func (m *Manager) HealthCheck() model.HealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := model.HealthSnapshot{
		HostDeviceName: m.opts.HostName,
		Sensors:        make([]model.SensorStatus, 0, len(m.order)),
	}
	for _, id := range m.order {
		snap.Sensors = append(snap.Sensors, model.SensorStatus{
			SensorID: id,
			Active:   m.devices[id].worker.Active(),
		})
	}
	return snap
}

// DeviceSettings returns a copy of the device's current settings.
func (m *Manager) DeviceSettings(id string) (settings.AcquisitionSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.lookup(id)
	if err != nil {
		return settings.AcquisitionSettings{}, err
	}
	return d.worker.Settings(), nil
}

// UpdateDeviceSettings validates and replaces the device's settings, then
// persists them when a store is configured. A running acquisition keeps
// its current settings until it is restarted.
func (m *Manager) UpdateDeviceSettings(id string, s settings.AcquisitionSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.lookup(id)
	if err != nil {
		return err
	}
	d.worker.SetSettings(s)
	if m.opts.Store == nil {
		return nil
	}
	if err := m.opts.Store.Save(id, s); err != nil {
		return fmt.Errorf("persist settings for %s: %w", id, err)
	}
	m.log.Info("settings updated", "device", id, "sample_rate", s.SampleRate, "output", s.OutputType, "dir", s.OutputDirectory)
	return nil
}

// SaveDeviceSettings writes the device's current settings to the store.
func (m *Manager) SaveDeviceSettings(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.lookup(id)
	if err != nil {
		return err
	}
	if m.opts.Store == nil {
		return errors.New("no settings store configured")
	}
	return m.opts.Store.Save(id, d.worker.Settings())
}

// Close stops every device and waits for their writers to finish flushing,
// bounded by ctx. Device connections are released afterwards.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.rootCancel()
	pending := make([]<-chan struct{}, 0, len(m.order))
	workers := make([]*acquire.Worker, 0, len(m.order))
	for _, id := range m.order {
		d := m.devices[id]
		d.worker.Deactivate()
		workers = append(workers, d.worker)
		if d.done != nil {
			pending = append(pending, d.done)
		}
	}
	m.mu.Unlock()

	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for writers to flush: %w", ctx.Err())
		}
	}

	var errs []error
	for _, w := range workers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", w.ID(), err))
		}
	}
	return errors.Join(errs...)
}
