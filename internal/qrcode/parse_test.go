package qrcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/espprov/internal/discovery"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want discovery.Target
	}{
		{
			name: "ble security 1",
			in:   `{"ver":"v1","name":"PROV_ABCD","pop":"abcd1234","transport":"ble","security":1}`,
			want: discovery.Target{Name: "PROV_ABCD", ProofOfPossession: "abcd1234", Security: discovery.Security1, Kind: discovery.TransportBLE},
		},
		{
			name: "softap with credentials",
			in:   `{"ver":"v1","name":"PROV_1234","pop":"p0p","transport":"softap","security":2,"username":"wifiprov","password":"secret"}`,
			want: discovery.Target{
				Name: "PROV_1234", ProofOfPossession: "p0p", Security: discovery.Security2,
				Kind: discovery.TransportWiFi, UserName: "wifiprov", NetworkCredential: "secret",
			},
		},
		{
			name: "missing security defaults to 2",
			in:   `{"name":"PROV_ABCD","transport":"ble"}`,
			want: discovery.Target{Name: "PROV_ABCD", Security: discovery.Security2, Kind: discovery.TransportBLE},
		},
		{
			name: "security 0",
			in:   `{"name":"PROV_ABCD","transport":"ble","security":0}`,
			want: discovery.Target{Name: "PROV_ABCD", Security: discovery.Security0, Kind: discovery.TransportBLE},
		},
		{
			name: "unknown security maps to 2",
			in:   `{"name":"PROV_ABCD","transport":"ble","security":7}`,
			want: discovery.Target{Name: "PROV_ABCD", Security: discovery.Security2, Kind: discovery.TransportBLE},
		},
		{
			name: "transport is case-insensitive",
			in:   ` {"name":"PROV_ABCD","transport":"SoftAP"} `,
			want: discovery.Target{Name: "PROV_ABCD", Security: discovery.Security2, Kind: discovery.TransportWiFi},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, got.Validate())
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{"not json", "PROV_ABCD", ErrInvalidPayload},
		{"json array", `["PROV_ABCD"]`, ErrInvalidPayload},
		{"empty", "", ErrInvalidPayload},
		{"wrong security type", `{"name":"PROV_ABCD","transport":"ble","security":"2"}`, ErrInvalidPayload},
		{"missing name", `{"transport":"ble"}`, ErrMissingName},
		{"missing transport", `{"name":"PROV_ABCD"}`, ErrMissingTransport},
		{"blank transport", `{"name":"PROV_ABCD","transport":"  "}`, ErrMissingTransport},
		{"unsupported transport", `{"name":"PROV_ABCD","transport":"thread"}`, ErrUnsupportedTransport},
		{"wifi is not a qr transport", `{"name":"PROV_ABCD","transport":"wifi"}`, ErrUnsupportedTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
