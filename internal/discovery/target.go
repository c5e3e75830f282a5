// Package discovery finds a provisioning peripheral by its advertised name
// and binds a connected transport to it. Scans are retried a bounded number
// of times before the device is reported missing.
package discovery

import (
	"fmt"
	"strings"

	"github.com/chaz8081/espprov/internal/transport"
)

// TransportKind selects the radio medium used to reach a peripheral.
type TransportKind int

const (
	TransportBLE TransportKind = iota
	TransportWiFi
)

func (k TransportKind) String() string {
	switch k {
	case TransportBLE:
		return "ble"
	case TransportWiFi:
		return "wifi"
	default:
		return fmt.Sprintf("TransportKind(%d)", int(k))
	}
}

// ParseTransportKind accepts "ble", and "wifi" or "softap" for Wi-Fi.
// Matching is case-insensitive.
func ParseTransportKind(s string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ble":
		return TransportBLE, nil
	case "wifi", "softap":
		return TransportWiFi, nil
	default:
		return 0, fmt.Errorf("discovery: unsupported transport %q", s)
	}
}

// SecurityLevel is the provisioning session security scheme.
type SecurityLevel int

const (
	Security0 SecurityLevel = iota // plaintext
	Security1                      // X25519 + PoP
	Security2                      // SRP6a
)

// Target describes the peripheral to look for. It is produced once (usually
// from a QR code) and not modified afterwards.
type Target struct {
	Name              string // advertised name, matched exactly
	ProofOfPossession string
	Security          SecurityLevel
	Kind              TransportKind
	NetworkCredential string // SoftAP passphrase, if any
	UserName          string // security 2 user name, if any
}

// Validate checks the fields the coordinator relies on.
func (t Target) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("discovery: target name must not be empty")
	}
	if t.Security < Security0 || t.Security > Security2 {
		return fmt.Errorf("discovery: security level must be 0, 1 or 2, got %d", t.Security)
	}
	switch t.Kind {
	case TransportBLE, TransportWiFi:
	default:
		return fmt.Errorf("discovery: unknown transport kind %d", t.Kind)
	}
	return nil
}

// Matches reports whether an advertised name identifies this target.
func (t Target) Matches(advertised string) bool {
	return advertised != "" && advertised == t.Name
}

// BoundDevice is a matched target together with its connected transport.
// The caller owns Transport and must Close it.
type BoundDevice struct {
	Target     Target
	Peripheral transport.Peripheral
	Transport  transport.Transport
}
