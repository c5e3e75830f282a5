// Package qrcode decodes the JSON payload of an ESP provisioning QR code
// into a discovery target.
package qrcode

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/chaz8081/espprov/internal/discovery"
)

var (
	ErrInvalidPayload       = errors.New("qrcode: payload is not a JSON object")
	ErrMissingName          = errors.New("qrcode: missing device name")
	ErrMissingTransport     = errors.New("qrcode: missing transport")
	ErrUnsupportedTransport = errors.New("qrcode: unsupported transport")
)

// payload mirrors the QR JSON. Security is a pointer so an absent field can
// fall back to security 2.
type payload struct {
	Version   string `json:"ver"`
	Name      string `json:"name"`
	PoP       string `json:"pop"`
	Transport string `json:"transport"`
	Security  *int   `json:"security"`
	UserName  string `json:"username"`
	Password  string `json:"password"`
}

// Parse decodes a scanned QR string, for example
//
//	{"ver":"v1","name":"PROV_ABCD","pop":"abcd1234","transport":"ble","security":1}
func Parse(text string) (discovery.Target, error) {
	var p payload
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &p); err != nil {
		return discovery.Target{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Name == "" {
		return discovery.Target{}, ErrMissingName
	}
	if strings.TrimSpace(p.Transport) == "" {
		return discovery.Target{}, ErrMissingTransport
	}

	var kind discovery.TransportKind
	switch strings.ToLower(strings.TrimSpace(p.Transport)) {
	case "ble":
		kind = discovery.TransportBLE
	case "softap":
		kind = discovery.TransportWiFi
	default:
		return discovery.Target{}, fmt.Errorf("%w: %q", ErrUnsupportedTransport, p.Transport)
	}

	return discovery.Target{
		Name:              p.Name,
		ProofOfPossession: p.PoP,
		Security:          securityLevel(p.Security),
		Kind:              kind,
		NetworkCredential: p.Password,
		UserName:          p.UserName,
	}, nil
}

// securityLevel maps the QR field. Anything other than 0 or 1 is security 2.
func securityLevel(v *int) discovery.SecurityLevel {
	if v == nil {
		return discovery.Security2
	}
	switch *v {
	case 0:
		return discovery.Security0
	case 1:
		return discovery.Security1
	default:
		return discovery.Security2
	}
}
