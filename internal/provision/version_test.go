package provision

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/espprov/internal/transport"
)

// replyTransport answers every SendConfigData synchronously.
type replyTransport struct {
	endpoint string
	sent     []byte
	reply    []byte
	replyErr error
	sendErr  error
}

func (r *replyTransport) Connect(transport.Peripheral, string, transport.ConnectHandler) error {
	return nil
}
func (r *replyTransport) Disconnect() error { return nil }
func (r *replyTransport) Close() error      { return nil }

func (r *replyTransport) SendSessionData([]byte, transport.ResponseHandler) error {
	return errors.New("unexpected session send")
}

func (r *replyTransport) SendConfigData(endpoint string, data []byte, h transport.ResponseHandler) error {
	if r.sendErr != nil {
		return r.sendErr
	}
	r.endpoint = endpoint
	r.sent = data
	h(r.reply, r.replyErr)
	return nil
}

func fetch(t *testing.T, rt *replyTransport) (VersionInfo, error) {
	t.Helper()
	var (
		got    VersionInfo
		gotErr error
		calls  int
	)
	require.NoError(t, FetchVersion(rt, func(v VersionInfo, err error) {
		calls++
		got, gotErr = v, err
	}))
	require.Equal(t, 1, calls)
	return got, gotErr
}

func TestFetchVersion(t *testing.T) {
	rt := &replyTransport{reply: []byte(`{"prov":{"ver":"v1.1","cap":["wifi_scan","no_pop"]}}`)}
	v, err := fetch(t, rt)
	require.NoError(t, err)

	assert.Equal(t, "proto-ver", rt.endpoint)
	assert.Equal(t, []byte("ESP"), rt.sent)
	assert.Equal(t, "v1.1", v.Version)
	assert.True(t, v.SupportsWiFiScan())
	assert.False(t, v.RequiresPoP())
	assert.False(t, v.Has(CapNoSecurity))
}

func TestFetchVersionWithoutCapabilities(t *testing.T) {
	v, err := fetch(t, &replyTransport{reply: []byte(`{"prov":{"ver":"v1.0"}}`)})
	require.NoError(t, err)
	assert.Equal(t, "v1.0", v.Version)
	assert.True(t, v.RequiresPoP())
	assert.False(t, v.SupportsWiFiScan())
}

func TestFetchVersionMalformed(t *testing.T) {
	for _, body := range []string{"", "ESP", `{"ver":"v1"}`, `{"prov":"v1"}`} {
		_, err := fetch(t, &replyTransport{reply: []byte(body)})
		assert.ErrorIs(t, err, ErrMalformedVersion, body)
	}
}

func TestFetchVersionTransportError(t *testing.T) {
	ioErr := &transport.IOError{Op: transport.OpRead, Char: "x", Err: errors.New("timeout")}
	_, err := fetch(t, &replyTransport{replyErr: ioErr})
	assert.ErrorIs(t, err, transport.ErrReadFailure)
}

func TestFetchVersionSendError(t *testing.T) {
	rt := &replyTransport{sendErr: transport.ErrBusy}
	err := FetchVersion(rt, func(VersionInfo, error) { t.Error("callback must not run") })
	assert.ErrorIs(t, err, transport.ErrBusy)
	assert.Error(t, FetchVersion(rt, nil))
}
