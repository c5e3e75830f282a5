package ble

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/espprov/internal/discovery"
	"github.com/chaz8081/espprov/internal/transport"
)

// DefaultScanWindow is how long one BLE scan session runs before it
// reports completion.
const DefaultScanWindow = 5 * time.Second

// maxReadLen bounds a single characteristic read.
const maxReadLen = 512

// HardwareOptions configures a HardwareAdapter.
type HardwareOptions struct {
	ScanWindow  time.Duration
	ServiceUUID string // provisioning service, used to tag scan results
	Logger      *zap.Logger
}

// HardwareAdapter drives the host's BLE controller through
// tinygo-org/bluetooth. It is both the BLE Scanner and the source of Radio
// links. On macOS peripheral addresses are CoreBluetooth UUIDs, not MACs.
type HardwareAdapter struct {
	adapter *bluetooth.Adapter
	window  time.Duration
	service bluetooth.UUID
	log     *zap.Logger

	mu       sync.Mutex
	enabled  bool
	scanning bool
	links    map[string]*hardwareRadio // keyed by peripheral address
}

// Compile-time check that HardwareAdapter implements discovery.Scanner.
var _ discovery.Scanner = (*HardwareAdapter)(nil)

// NewHardwareAdapter wraps bluetooth.DefaultAdapter.
func NewHardwareAdapter(opts HardwareOptions) (*HardwareAdapter, error) {
	if opts.ScanWindow <= 0 {
		opts.ScanWindow = DefaultScanWindow
	}
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = transport.DefaultServiceUUID
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	svc, err := bluetooth.ParseUUID(opts.ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}
	return &HardwareAdapter{
		adapter: bluetooth.DefaultAdapter,
		window:  opts.ScanWindow,
		service: svc,
		log:     opts.Logger.Named("ble"),
		links:   make(map[string]*hardwareRadio),
	}, nil
}

// Enable powers on the adapter. It is safe to call repeatedly; a failed
// enable is retried on the next call.
func (a *HardwareAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// tinygo/bluetooth reports disconnects adapter-wide; route them to the
	// link that owns the address.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := device.Address.String()
		a.mu.Lock()
		r, ok := a.links[addr]
		delete(a.links, addr)
		a.mu.Unlock()
		if ok {
			r.linkDown(transport.ErrLinkLost)
		}
	})
	a.enabled = true
	return nil
}

// NewRadio returns an unconnected link on this adapter.
func (a *HardwareAdapter) NewRadio() Radio {
	return &hardwareRadio{
		a:      a,
		enable: a.Enable,
		dial: func(addr bluetooth.Address) (gattDevice, error) {
			d, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
			if err != nil {
				return nil, err
			}
			return d, nil
		},
	}
}

// StartScan scans for one window and then reports ScanComplete. Only one
// scan may run at a time.
func (a *HardwareAdapter) StartScan(filter discovery.ScanFilter, h discovery.ScanHandler) (discovery.ScanSession, error) {
	if err := a.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}
	a.mu.Lock()
	if a.scanning {
		a.mu.Unlock()
		return nil, errors.New("ble: scan already in progress")
	}
	a.scanning = true
	a.mu.Unlock()

	sess := &hardwareScan{a: a}
	go a.scan(sess, filter, h)
	return sess, nil
}

func (a *HardwareAdapter) scan(sess *hardwareScan, filter discovery.ScanFilter, h discovery.ScanHandler) {
	timer := time.AfterFunc(a.window, func() {
		_ = a.adapter.StopScan()
	})
	seen := make(map[string]bool)

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		name := result.LocalName()
		if sess.stopped.Load() || !filter.Accepts(name) {
			return
		}
		addr := result.Address.String()
		if seen[addr] {
			return
		}
		seen[addr] = true

		p := transport.Peripheral{Name: name, Address: addr, RSSI: int(result.RSSI)}
		if result.HasServiceUUID(a.service) {
			p.Services = []string{a.service.String()}
		}
		a.log.Debug("peripheral found", zap.String("name", name), zap.String("address", addr), zap.Int("rssi", p.RSSI))
		h.PeripheralFound(p)
	})
	timer.Stop()

	a.mu.Lock()
	a.scanning = false
	a.mu.Unlock()

	if sess.stopped.Load() {
		return
	}
	if err != nil {
		h.ScanFailed(fmt.Errorf("ble: scan: %w", err))
		return
	}
	h.ScanComplete()
}

type hardwareScan struct {
	a       *HardwareAdapter
	stopped atomic.Bool
}

func (s *hardwareScan) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	_ = s.a.adapter.StopScan()
}

func (a *HardwareAdapter) track(addr string, r *hardwareRadio) {
	a.mu.Lock()
	a.links[addr] = r
	a.mu.Unlock()
}

func (a *HardwareAdapter) untrack(addr string) {
	a.mu.Lock()
	delete(a.links, addr)
	a.mu.Unlock()
}

// gattDevice is the part of bluetooth.Device a hardwareRadio drives.
type gattDevice interface {
	DiscoverServices(uuids []bluetooth.UUID) ([]bluetooth.DeviceService, error)
	Disconnect() error
}

// hardwareRadio runs each blocking tinygo/bluetooth call on its own
// goroutine and reports the result through LinkEvents.
type hardwareRadio struct {
	a      *HardwareAdapter
	enable func() error
	dial   func(bluetooth.Address) (gattDevice, error)

	mu         sync.Mutex
	ev         LinkEvents
	addr       string
	device     gattDevice
	chars      map[string]bluetooth.DeviceCharacteristic
	connecting bool
	abandoned  bool // Disconnect was called while dialing
}

func (r *hardwareRadio) Connect(p transport.Peripheral, ev LinkEvents) error {
	if err := r.enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	var addr bluetooth.Address
	addr.Set(p.Address)

	r.mu.Lock()
	if r.device != nil {
		r.mu.Unlock()
		return fmt.Errorf("ble: radio already connected to %s", r.addr)
	}
	if r.connecting {
		r.mu.Unlock()
		return fmt.Errorf("ble: connect to %s already in progress", r.addr)
	}
	r.connecting = true
	r.abandoned = false
	r.ev = ev
	r.addr = p.Address
	r.mu.Unlock()

	go func() {
		device, err := r.dial(addr)

		r.mu.Lock()
		r.connecting = false
		abandoned := r.abandoned
		r.abandoned = false
		if err == nil && !abandoned {
			r.device = device
			r.a.track(p.Address, r)
		}
		r.mu.Unlock()

		switch {
		case abandoned:
			// The caller already gave up on this link.
			if err == nil {
				if derr := device.Disconnect(); derr != nil {
					r.a.log.Debug("disconnect abandoned link", zap.String("address", p.Address), zap.Error(derr))
				}
			}
		case err != nil:
			ev.Disconnected(fmt.Errorf("ble: connect to %s: %w", p.Address, err))
		default:
			ev.Connected()
		}
	}()
	return nil
}

func (r *hardwareRadio) DiscoverService(serviceUUID string) error {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}
	r.mu.Lock()
	device, ev := r.device, r.ev
	r.mu.Unlock()
	if device == nil {
		return errors.New("ble: not connected")
	}

	go func() {
		desc := ServiceDescriptor{UUID: serviceUUID}
		svcs, err := device.DiscoverServices([]bluetooth.UUID{svcUUID})
		if err != nil || len(svcs) == 0 {
			r.a.log.Debug("service not found", zap.String("service", serviceUUID), zap.Error(err))
			ev.ServiceResolved(desc)
			return
		}
		desc.Found = true

		chars, err := svcs[0].DiscoverCharacteristics(nil)
		if err != nil {
			r.a.log.Warn("discover characteristics failed", zap.String("service", serviceUUID), zap.Error(err))
		}
		byUUID := make(map[string]bluetooth.DeviceCharacteristic, len(chars))
		for _, c := range chars {
			id := c.UUID().String()
			byUUID[id] = c
			desc.Characteristics = append(desc.Characteristics, id)
		}
		r.mu.Lock()
		r.chars = byUUID
		r.mu.Unlock()
		ev.ServiceResolved(desc)
	}()
	return nil
}

func (r *hardwareRadio) characteristic(char string) (bluetooth.DeviceCharacteristic, LinkEvents, error) {
	id, err := transport.CanonicalUUID(char)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, nil, fmt.Errorf("ble: characteristic %q: %w", char, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chars[id]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, nil, fmt.Errorf("ble: characteristic %s not found", char)
	}
	return c, r.ev, nil
}

func (r *hardwareRadio) Write(char string, data []byte) error {
	c, ev, err := r.characteristic(char)
	if err != nil {
		return err
	}
	go func() {
		ev.WriteComplete(char, writeCharacteristic(c, data))
	}()
	return nil
}

func (r *hardwareRadio) Read(char string) error {
	c, ev, err := r.characteristic(char)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, maxReadLen)
		n, err := c.Read(buf)
		if n < 0 {
			n = 0
		}
		ev.ReadComplete(char, buf[:n], err)
	}()
	return nil
}

func (r *hardwareRadio) Disconnect() error {
	r.mu.Lock()
	if r.connecting {
		r.abandoned = true
	}
	device, addr := r.device, r.addr
	r.device = nil
	r.chars = nil
	r.mu.Unlock()
	if device == nil {
		return nil
	}
	r.a.untrack(addr)
	return device.Disconnect()
}

// linkDown is called from the adapter's connect handler.
func (r *hardwareRadio) linkDown(reason error) {
	r.mu.Lock()
	ev := r.ev
	r.device = nil
	r.chars = nil
	r.mu.Unlock()
	if ev != nil {
		ev.Disconnected(reason)
	}
}
