package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/espprov/internal/transport"
)

// fakeAPSource serves a fixed access point list.
type fakeAPSource struct {
	mu        sync.Mutex
	aps       []AccessPoint
	scanErr   error
	listErr   error
	requests  int
	listCalls int
}

func (f *fakeAPSource) RequestScan(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	return f.scanErr
}

func (f *fakeAPSource) AccessPoints(context.Context) ([]AccessPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.aps, f.listErr
}

func (f *fakeAPSource) lists() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func testSoftAPScanner(src AccessPointSource, window time.Duration) *SoftAPScanner {
	s := NewSoftAPScanner(src, nil)
	s.Window = window
	return s
}

func TestSoftAPScannerReportsMatchingSSIDs(t *testing.T) {
	src := &fakeAPSource{aps: []AccessPoint{
		{SSID: "PROV_ABCD", BSSID: "24:0a:c4:00:00:01", Strength: 80},
		{SSID: "PROV_ABCD", BSSID: "24:0a:c4:00:00:01", Strength: 80},
		{SSID: "HomeNetwork", BSSID: "10:00:00:00:00:01", Strength: 90},
		{SSID: "PROV_EF01", BSSID: "24:0a:c4:00:00:02", Strength: 40},
	}}
	s := testSoftAPScanner(src, 10*time.Millisecond)
	h := newRecordingHandler()

	_, err := s.StartScan(ScanFilter{NamePrefix: "PROV_"}, h)
	require.NoError(t, err)

	select {
	case <-h.complete:
	case <-time.After(2 * time.Second):
		t.Fatal("scan did not complete")
	}
	close(h.found)

	var got []transport.Peripheral
	for p := range h.found {
		got = append(got, p)
	}
	assert.Equal(t, []transport.Peripheral{
		{Name: "PROV_ABCD", Address: "24:0a:c4:00:00:01", RSSI: -60},
		{Name: "PROV_EF01", Address: "24:0a:c4:00:00:02", RSSI: -80},
	}, got)
	assert.Equal(t, 1, src.requests)
}

func TestSoftAPScannerMatchesTargetName(t *testing.T) {
	src := &fakeAPSource{aps: []AccessPoint{{SSID: "PROV_ABCD", BSSID: "24:0a:c4:00:00:01", Strength: 70}}}
	c := NewCoordinator(map[TransportKind]Scanner{TransportWiFi: testSoftAPScanner(src, time.Millisecond)},
		factoryFor(newFakeTransport()), fastOptions())

	target := testTarget()
	target.Kind = TransportWiFi
	l := newRecordingListener()
	_, err := c.Start(context.Background(), target, l)
	require.NoError(t, err)

	dev := l.waitFound(t)
	assert.Equal(t, "PROV_ABCD", dev.Peripheral.Name)
	assert.Equal(t, "24:0a:c4:00:00:01", dev.Peripheral.Address)
}

func TestSoftAPScannerRequestFailureIsStartError(t *testing.T) {
	src := &fakeAPSource{scanErr: ErrNoWiFiDevice}
	_, err := testSoftAPScanner(src, time.Millisecond).StartScan(ScanFilter{}, newRecordingHandler())
	assert.ErrorIs(t, err, ErrNoWiFiDevice)

	_, err = NewSoftAPScanner(nil, nil).StartScan(ScanFilter{}, newRecordingHandler())
	assert.Error(t, err)
}

func TestSoftAPScannerListFailure(t *testing.T) {
	src := &fakeAPSource{listErr: errors.New("device removed")}
	h := newRecordingHandler()
	_, err := testSoftAPScanner(src, time.Millisecond).StartScan(ScanFilter{}, h)
	require.NoError(t, err)

	select {
	case err := <-h.failed:
		assert.ErrorContains(t, err, "device removed")
	case <-time.After(2 * time.Second):
		t.Fatal("ScanFailed not delivered")
	}
}

func TestSoftAPScannerStopBeforeWindow(t *testing.T) {
	src := &fakeAPSource{aps: []AccessPoint{{SSID: "PROV_ABCD", BSSID: "aa"}}}
	h := newRecordingHandler()
	sess, err := testSoftAPScanner(src, time.Hour).StartScan(ScanFilter{}, h)
	require.NoError(t, err)
	sess.Stop()

	select {
	case <-h.complete:
		t.Error("ScanComplete delivered after Stop")
	case p := <-h.found:
		t.Errorf("PeripheralFound(%s) delivered after Stop", p.Name)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, src.lists())
}

func TestAccessPointRSSI(t *testing.T) {
	assert.Equal(t, -100, AccessPoint{Strength: 0}.RSSI())
	assert.Equal(t, -50, AccessPoint{Strength: 100}.RSSI())
}

func TestNewSoftAPScannerDefaults(t *testing.T) {
	s := NewSoftAPScanner(&fakeAPSource{}, nil)
	assert.Equal(t, DefaultAPScanWindow, s.Window)
	assert.NotNil(t, s.log)
}
