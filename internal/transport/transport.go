// Package transport defines the request/response channel used to talk to an
// ESP32 provisioning peripheral, the error kinds it reports, and the table
// mapping logical endpoint names to characteristic identifiers.
package transport

// Peripheral identifies a discovered device. It is the reference handed to
// Transport.Connect.
type Peripheral struct {
	Name     string
	Address  string   // MAC (Linux), CoreBluetooth UUID (macOS) or host:port (Wi-Fi)
	RSSI     int
	Services []string // advertised service UUIDs, first one is the primary service
}

// PrimaryService returns the first advertised service, or "" if none.
func (p Peripheral) PrimaryService() string {
	if len(p.Services) == 0 {
		return ""
	}
	return p.Services[0]
}

// ResponseHandler receives the outcome of one send operation: the payload
// read back from the peripheral, or the error that ended the operation.
// It is called exactly once per accepted operation and may issue the next send.
type ResponseHandler func(resp []byte, err error)

// ConnectHandler receives the outcome of Connect: nil once the peripheral
// is ready for session and config exchanges, or the error that prevented it.
type ConnectHandler func(err error)

// Transport is an ordered, one-at-a-time request/response channel.
//
// Send operations return immediately. A non-nil return value means the
// operation was rejected and the handler will not be called.
type Transport interface {
	// Connect starts connecting to the peripheral and resolving serviceID.
	Connect(p Peripheral, serviceID string, ready ConnectHandler) error
	// Disconnect drops the link. A pending operation fails with ErrLinkLost.
	Disconnect() error
	// SendSessionData writes data to the session endpoint and reads the reply.
	SendSessionData(data []byte, h ResponseHandler) error
	// SendConfigData writes data to the named endpoint and reads the reply.
	SendConfigData(endpoint string, data []byte, h ResponseHandler) error
	// Close disconnects and releases the transport's goroutines.
	Close() error
}
