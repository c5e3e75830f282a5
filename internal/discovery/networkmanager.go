package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	nmService       = "org.freedesktop.NetworkManager"
	nmPath          = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmDeviceIface   = "org.freedesktop.NetworkManager.Device"
	nmWirelessIface = "org.freedesktop.NetworkManager.Device.Wireless"
	nmAPIface       = "org.freedesktop.NetworkManager.AccessPoint"
	nmNotAllowed    = "org.freedesktop.NetworkManager.Device.NotAllowed"
	propsGet        = "org.freedesktop.DBus.Properties.Get"

	nmDeviceTypeWiFi uint32 = 2
)

// ErrNoWiFiDevice is returned when NetworkManager manages no Wi-Fi device.
var ErrNoWiFiDevice = errors.New("networkmanager: no wifi device")

// busObject is the part of *dbus.Object the source calls.
type busObject interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...any) *dbus.Call
}

// NetworkManager lists access points through NetworkManager on the D-Bus
// system bus. The first Wi-Fi device it manages is used.
type NetworkManager struct {
	conn   *dbus.Conn
	object func(path dbus.ObjectPath) busObject

	mu     sync.Mutex
	device dbus.ObjectPath
}

// Compile-time check that NetworkManager implements AccessPointSource.
var _ AccessPointSource = (*NetworkManager)(nil)

// NewNetworkManager connects to the system bus.
func NewNetworkManager() (*NetworkManager, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("networkmanager: connect system bus: %w", err)
	}
	return &NetworkManager{
		conn: conn,
		object: func(path dbus.ObjectPath) busObject {
			return conn.Object(nmService, path)
		},
	}, nil
}

// Close releases the bus connection.
func (n *NetworkManager) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Close()
}

// RequestScan asks the Wi-Fi device to rescan. NetworkManager refuses a
// rescan shortly after the previous one; that is not an error here since
// the cached list is still current.
func (n *NetworkManager) RequestScan(ctx context.Context) error {
	dev, err := n.wifiDevice(ctx)
	if err != nil {
		return err
	}
	err = n.object(dev).CallWithContext(ctx, nmWirelessIface+".RequestScan", 0, map[string]dbus.Variant{}).Err
	var derr dbus.Error
	if errors.As(err, &derr) && derr.Name == nmNotAllowed {
		return nil
	}
	if err != nil {
		return fmt.Errorf("networkmanager: request scan: %w", err)
	}
	return nil
}

// AccessPoints returns every access point the Wi-Fi device currently sees.
// Hidden networks are skipped.
func (n *NetworkManager) AccessPoints(ctx context.Context) ([]AccessPoint, error) {
	dev, err := n.wifiDevice(ctx)
	if err != nil {
		return nil, err
	}
	var paths []dbus.ObjectPath
	if err := n.object(dev).CallWithContext(ctx, nmWirelessIface+".GetAllAccessPoints", 0).Store(&paths); err != nil {
		return nil, fmt.Errorf("networkmanager: list access points: %w", err)
	}

	aps := make([]AccessPoint, 0, len(paths))
	for _, path := range paths {
		obj := n.object(path)
		var ssid []byte
		var bssid string
		var strength uint8
		if err := property(ctx, obj, nmAPIface, "Ssid", &ssid); err != nil {
			// The access point vanished between the listing and the read.
			continue
		}
		if len(ssid) == 0 {
			continue
		}
		if err := property(ctx, obj, nmAPIface, "HwAddress", &bssid); err != nil {
			continue
		}
		_ = property(ctx, obj, nmAPIface, "Strength", &strength)
		aps = append(aps, AccessPoint{SSID: string(ssid), BSSID: bssid, Strength: strength})
	}
	return aps, nil
}

// wifiDevice finds and caches the first Wi-Fi device.
func (n *NetworkManager) wifiDevice(ctx context.Context) (dbus.ObjectPath, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.device != "" {
		return n.device, nil
	}

	var devices []dbus.ObjectPath
	if err := n.object(nmPath).CallWithContext(ctx, nmService+".GetDevices", 0).Store(&devices); err != nil {
		return "", fmt.Errorf("networkmanager: list devices: %w", err)
	}
	for _, dev := range devices {
		var kind uint32
		if err := property(ctx, n.object(dev), nmDeviceIface, "DeviceType", &kind); err != nil {
			continue
		}
		if kind == nmDeviceTypeWiFi {
			n.device = dev
			return dev, nil
		}
	}
	return "", ErrNoWiFiDevice
}

// property reads one D-Bus property into dest.
func property(ctx context.Context, obj busObject, iface, name string, dest any) error {
	var v dbus.Variant
	if err := obj.CallWithContext(ctx, propsGet, 0, iface, name).Store(&v); err != nil {
		return err
	}
	return dbus.Store([]any{v.Value()}, dest)
}
