// Package ble provides the BLE transport for ESP32 provisioning peripherals.
// It serializes GATT write-then-read exchanges behind a single-slot permit
// and delivers responses off the radio's callback goroutine.
package ble

import "github.com/chaz8081/espprov/internal/transport"

// ServiceDescriptor is the result of resolving a service on a connected
// peripheral. Found is false if the peripheral does not expose the service.
type ServiceDescriptor struct {
	UUID            string
	Found           bool
	Characteristics []string
}

// HasCharacteristic reports whether the resolved service exposes char.
func (d ServiceDescriptor) HasCharacteristic(char string) bool {
	for _, c := range d.Characteristics {
		if transport.SameUUID(c, char) {
			return true
		}
	}
	return false
}

// LinkEvents receives the asynchronous outcomes of Radio calls. The radio
// may invoke these from any goroutine, including its own callback thread.
type LinkEvents interface {
	// Connected reports the link is established.
	Connected()
	// Disconnected reports the link dropped or the connect failed.
	Disconnected(reason error)
	// ServiceResolved reports the outcome of DiscoverService.
	ServiceResolved(svc ServiceDescriptor)
	// WriteComplete reports the outcome of Write. err is nil on success.
	WriteComplete(char string, err error)
	// ReadComplete reports the outcome of Read. err is nil on success.
	ReadComplete(char string, data []byte, err error)
}

// Radio is the callback-driven GATT link primitive. Every method returns
// immediately; an error return means the request was not issued and no
// event will follow for it.
type Radio interface {
	// Connect starts connecting to p. Events for this link go to ev.
	Connect(p transport.Peripheral, ev LinkEvents) error
	// DiscoverService starts resolving serviceUUID on the connected link.
	DiscoverService(serviceUUID string) error
	// Write issues one characteristic write.
	Write(char string, data []byte) error
	// Read issues one characteristic read.
	Read(char string) error
	// Disconnect drops the link.
	Disconnect() error
}
