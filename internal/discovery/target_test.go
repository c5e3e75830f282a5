package discovery

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTransportKind(t *testing.T) {
	tests := []struct {
		in      string
		want    TransportKind
		wantErr bool
	}{
		{"ble", TransportBLE, false},
		{"BLE", TransportBLE, false},
		{"softap", TransportWiFi, false},
		{"SoftAP", TransportWiFi, false},
		{"wifi", TransportWiFi, false},
		{" ble ", TransportBLE, false},
		{"thread", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTransportKind(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransportKindString(t *testing.T) {
	assert.Equal(t, "ble", TransportBLE.String())
	assert.Equal(t, "wifi", TransportWiFi.String())
	assert.Equal(t, "TransportKind(9)", TransportKind(9).String())
}

func TestTargetValidate(t *testing.T) {
	ok := Target{Name: "PROV_ABCD", Security: Security2, Kind: TransportBLE}
	assert.NoError(t, ok.Validate())

	noName := ok
	noName.Name = ""
	assert.Error(t, noName.Validate())

	badSec := ok
	badSec.Security = SecurityLevel(3)
	assert.Error(t, badSec.Validate())

	badKind := ok
	badKind.Kind = TransportKind(7)
	assert.Error(t, badKind.Validate())
}

func TestTargetMatches(t *testing.T) {
	target := Target{Name: "PROV_ABCD"}
	assert.True(t, target.Matches("PROV_ABCD"))
	assert.False(t, target.Matches("PROV_ABCDE"))
	assert.False(t, target.Matches("prov_abcd"))
	assert.False(t, target.Matches(""))
	assert.False(t, Target{}.Matches(""))
}

func TestScanFilterAccepts(t *testing.T) {
	assert.True(t, ScanFilter{}.Accepts("anything"))
	assert.False(t, ScanFilter{}.Accepts(""))
	assert.True(t, ScanFilter{NamePrefix: "PROV_"}.Accepts("PROV_1234"))
	assert.False(t, ScanFilter{NamePrefix: "PROV_"}.Accepts("ESP_1234"))
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("powered off")
	var err error = &ScanStartError{Kind: TransportBLE, Err: cause}
	assert.ErrorIs(t, err, ErrScanStart)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrDeviceNotFound)
	assert.Contains(t, err.Error(), "ble scan could not start")

	err = &DeviceNotFoundError{Name: "PROV_ABCD", Attempts: 3}
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.NotErrorIs(t, err, ErrScanStart)
	assert.Contains(t, err.Error(), "after 3 attempts")
}
