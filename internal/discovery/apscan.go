package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chaz8081/espprov/internal/transport"
)

// DefaultAPScanWindow is how long a SoftAP scan waits for the radio to
// refresh its access-point list.
const DefaultAPScanWindow = 4 * time.Second

// startTimeout bounds the synchronous part of StartScan.
const startTimeout = 5 * time.Second

// AccessPoint is one Wi-Fi network seen by the host radio.
type AccessPoint struct {
	SSID     string
	BSSID    string
	Strength uint8 // signal quality, 0-100
}

// RSSI approximates the signal strength in dBm.
func (ap AccessPoint) RSSI() int {
	return int(ap.Strength)/2 - 100
}

// AccessPointSource is the host Wi-Fi radio.
type AccessPointSource interface {
	// RequestScan asks the radio for a fresh scan. An error means no scan
	// can run at all.
	RequestScan(ctx context.Context) error
	// AccessPoints lists the networks from the most recent scan.
	AccessPoints(ctx context.Context) ([]AccessPoint, error)
}

// SoftAPScanner finds provisioning devices running in SoftAP mode. The
// SSID of each access point is reported as the peripheral's advertised
// name and its BSSID as the address.
type SoftAPScanner struct {
	Window time.Duration

	source AccessPointSource
	log    *zap.Logger
}

// Compile-time check that SoftAPScanner implements Scanner.
var _ Scanner = (*SoftAPScanner)(nil)

// NewSoftAPScanner creates a scanner over source with the default window.
func NewSoftAPScanner(source AccessPointSource, log *zap.Logger) *SoftAPScanner {
	if log == nil {
		log = zap.NewNop()
	}
	return &SoftAPScanner{
		Window: DefaultAPScanWindow,
		source: source,
		log:    log.Named("softap"),
	}
}

// StartScan requests a scan, waits one window, then reports the access
// points and ScanComplete.
func (s *SoftAPScanner) StartScan(filter ScanFilter, h ScanHandler) (ScanSession, error) {
	if s.source == nil {
		return nil, errors.New("softap: no access point source")
	}
	reqCtx, reqCancel := context.WithTimeout(context.Background(), startTimeout)
	err := s.source.RequestScan(reqCtx)
	reqCancel()
	if err != nil {
		return nil, fmt.Errorf("softap: request scan: %w", err)
	}

	window := s.Window
	if window <= 0 {
		window = DefaultAPScanWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := &apSession{cancel: cancel}
	go s.collect(ctx, sess, window, filter, h)
	return sess, nil
}

func (s *SoftAPScanner) collect(ctx context.Context, sess *apSession, window time.Duration, filter ScanFilter, h ScanHandler) {
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	aps, err := s.source.AccessPoints(ctx)
	if sess.stopped.Load() {
		return
	}
	if err != nil {
		h.ScanFailed(fmt.Errorf("softap: list access points: %w", err))
		return
	}

	seen := make(map[string]bool)
	for _, ap := range aps {
		key := ap.SSID + "|" + ap.BSSID
		if !filter.Accepts(ap.SSID) || seen[key] {
			continue
		}
		seen[key] = true
		p := transport.Peripheral{Name: ap.SSID, Address: ap.BSSID, RSSI: ap.RSSI()}
		s.log.Debug("access point found", zap.String("ssid", ap.SSID), zap.String("bssid", ap.BSSID), zap.Int("rssi", p.RSSI))
		if sess.stopped.Load() {
			return
		}
		h.PeripheralFound(p)
	}
	if !sess.stopped.Load() {
		h.ScanComplete()
	}
}

type apSession struct {
	cancel  context.CancelFunc
	stopped atomic.Bool
}

func (s *apSession) Stop() {
	s.stopped.Store(true)
	s.cancel()
}
