// Package provision holds protocol helpers that run over a connected
// provisioning transport.
package provision

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chaz8081/espprov/internal/transport"
)

// Capabilities advertised in the proto-ver reply.
const (
	CapWiFiScan   = "wifi_scan"
	CapNoPoP      = "no_pop"
	CapNoSecurity = "no_sec"
)

// versionProbe is the request body firmware expects on proto-ver.
var versionProbe = []byte("ESP")

// ErrMalformedVersion is returned when the proto-ver reply cannot be parsed.
var ErrMalformedVersion = errors.New("provision: malformed version reply")

// VersionInfo is the provisioning capability block a device reports.
type VersionInfo struct {
	Version      string
	Capabilities []string
}

// Has reports whether the device advertises capability c.
func (v VersionInfo) Has(c string) bool {
	for _, have := range v.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// RequiresPoP reports whether a proof of possession must be supplied.
func (v VersionInfo) RequiresPoP() bool { return !v.Has(CapNoPoP) }

// SupportsWiFiScan reports whether the device can scan for access points.
func (v VersionInfo) SupportsWiFiScan() bool { return v.Has(CapWiFiScan) }

type versionReply struct {
	Prov *struct {
		Ver string   `json:"ver"`
		Cap []string `json:"cap"`
	} `json:"prov"`
}

// ParseVersion decodes a proto-ver reply such as
// {"prov":{"ver":"v1.1","cap":["wifi_scan"]}}.
func ParseVersion(data []byte) (VersionInfo, error) {
	var r versionReply
	if err := json.Unmarshal(data, &r); err != nil {
		return VersionInfo{}, fmt.Errorf("%w: %v", ErrMalformedVersion, err)
	}
	if r.Prov == nil {
		return VersionInfo{}, fmt.Errorf("%w: no prov object", ErrMalformedVersion)
	}
	return VersionInfo{Version: r.Prov.Ver, Capabilities: r.Prov.Cap}, nil
}

// FetchVersion asks the device for its protocol version. cb is called once
// with the result; a non-nil return means the request was not sent and cb
// will not be called.
func FetchVersion(t transport.Transport, cb func(VersionInfo, error)) error {
	if cb == nil {
		return errors.New("provision: nil version callback")
	}
	return t.SendConfigData(transport.EndpointProtocolVersion.String(), versionProbe, func(resp []byte, err error) {
		if err != nil {
			cb(VersionInfo{}, err)
			return
		}
		cb(ParseVersion(resp))
	})
}
