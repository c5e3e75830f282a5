package transport

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DefaultServiceUUID is the provisioning service advertised by stock
// ESP-IDF firmware.
const DefaultServiceUUID = "021a9004-0382-4aea-bff4-6b3f1c5adfb4"

// Endpoint is a logical endpoint on the provisioning service.
type Endpoint int

const (
	EndpointScan Endpoint = iota
	EndpointSession
	EndpointConfig
	EndpointProtocolVersion
	EndpointVendorConfig
)

var endpointNames = [...]string{
	EndpointScan:            "prov-scan",
	EndpointSession:         "prov-session",
	EndpointConfig:          "prov-config",
	EndpointProtocolVersion: "proto-ver",
	EndpointVendorConfig:    "custom-data",
}

// Endpoints lists every recognized endpoint in characteristic order.
var Endpoints = []Endpoint{
	EndpointScan,
	EndpointSession,
	EndpointConfig,
	EndpointProtocolVersion,
	EndpointVendorConfig,
}

func (e Endpoint) String() string {
	if e < 0 || int(e) >= len(endpointNames) {
		return fmt.Sprintf("Endpoint(%d)", int(e))
	}
	return endpointNames[e]
}

// ParseEndpoint resolves a logical endpoint name. Matching is exact.
func ParseEndpoint(name string) (Endpoint, error) {
	for i, n := range endpointNames {
		if n == name {
			return Endpoint(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownEndpoint, name)
}

// EndpointMap maps each endpoint to the characteristic UUID it lives on.
// The zero value resolves nothing.
type EndpointMap struct {
	chars map[Endpoint]string
}

// NewEndpointMap builds a map from explicit characteristic UUIDs. Every
// endpoint must be present.
func NewEndpointMap(chars map[Endpoint]string) (EndpointMap, error) {
	m := EndpointMap{chars: make(map[Endpoint]string, len(Endpoints))}
	for _, ep := range Endpoints {
		raw, ok := chars[ep]
		if !ok {
			return EndpointMap{}, fmt.Errorf("transport: endpoint map: missing %s", ep)
		}
		id, err := CanonicalUUID(raw)
		if err != nil {
			return EndpointMap{}, fmt.Errorf("transport: endpoint map: %s: %w", ep, err)
		}
		m.chars[ep] = id
	}
	return m, nil
}

// DeriveEndpointMap builds the ESP-IDF layout for a service: characteristic
// n carries the service UUID with bytes 2..3 replaced by 0xff50+n.
func DeriveEndpointMap(serviceUUID string) (EndpointMap, error) {
	svc, err := uuid.Parse(serviceUUID)
	if err != nil {
		return EndpointMap{}, fmt.Errorf("transport: service uuid %q: %w", serviceUUID, err)
	}
	m := EndpointMap{chars: make(map[Endpoint]string, len(Endpoints))}
	for i, ep := range Endpoints {
		c := svc
		short := 0xff50 + i
		c[2] = byte(short >> 8)
		c[3] = byte(short)
		m.chars[ep] = c.String()
	}
	return m, nil
}

// DefaultEndpointMap returns the map for DefaultServiceUUID.
func DefaultEndpointMap() EndpointMap {
	m, err := DeriveEndpointMap(DefaultServiceUUID)
	if err != nil {
		panic(err)
	}
	return m
}

// Char returns the characteristic UUID for an endpoint.
func (m EndpointMap) Char(ep Endpoint) (string, bool) {
	c, ok := m.chars[ep]
	return c, ok
}

// Resolve maps a logical endpoint name to its characteristic UUID. Unknown
// names fail with ErrUnknownEndpoint.
func (m EndpointMap) Resolve(name string) (string, error) {
	ep, err := ParseEndpoint(name)
	if err != nil {
		return "", err
	}
	c, ok := m.chars[ep]
	if !ok {
		return "", fmt.Errorf("%w: %q has no characteristic", ErrUnknownEndpoint, name)
	}
	return c, nil
}

// CanonicalUUID returns the lower-case hyphenated form of a UUID string.
func CanonicalUUID(s string) (string, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// SameUUID reports whether two UUID strings name the same identifier.
func SameUUID(a, b string) bool {
	ca, err := CanonicalUUID(a)
	if err != nil {
		return false
	}
	cb, err := CanonicalUUID(b)
	if err != nil {
		return false
	}
	return ca == cb
}
