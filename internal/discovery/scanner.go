package discovery

import (
	"strings"

	"github.com/chaz8081/espprov/internal/transport"
)

// ScanFilter narrows what a scanner reports.
type ScanFilter struct {
	NamePrefix string // report only names with this prefix; empty reports all named peripherals
}

// Accepts reports whether a peripheral with the given name passes the filter.
func (f ScanFilter) Accepts(name string) bool {
	return name != "" && strings.HasPrefix(name, f.NamePrefix)
}

// ScanHandler receives the events of one scan session. Implementations of
// Scanner may call it from any goroutine.
type ScanHandler interface {
	// PeripheralFound reports one observed peripheral.
	PeripheralFound(p transport.Peripheral)
	// ScanComplete reports the session ended normally.
	ScanComplete()
	// ScanFailed reports the session ended with an error after starting.
	ScanFailed(err error)
}

// ScanSession is an active scan.
type ScanSession interface {
	// Stop ends the scan. No events are delivered after Stop returns
	// except those already in flight.
	Stop()
}

// Scanner starts scan sessions on one radio medium. A non-nil error from
// StartScan means the scan could not start at all.
type Scanner interface {
	StartScan(filter ScanFilter, h ScanHandler) (ScanSession, error)
}

// TransportFactory creates an unconnected transport for a medium.
type TransportFactory func(kind TransportKind) (transport.Transport, error)
