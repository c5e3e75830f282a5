package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/chaz8081/espprov/internal/transport"
)

const (
	// DefaultServiceType is the mDNS service ESP local-control firmware advertises.
	DefaultServiceType = "_esp_local_ctrl._tcp"
	// DefaultDomain is the mDNS browse domain.
	DefaultDomain = "local."
	// DefaultBrowseWindow is how long one Wi-Fi scan session browses.
	DefaultBrowseWindow = 3 * time.Second
)

// browser is the part of *zeroconf.Resolver the scanner uses.
type browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// MDNSScanner scans the local Wi-Fi network by browsing mDNS. Each service
// instance name is reported as the peripheral's advertised name.
type MDNSScanner struct {
	ServiceType string
	Domain      string
	Window      time.Duration

	log         *zap.Logger
	newResolver func() (browser, error)
}

// Compile-time check that MDNSScanner implements Scanner.
var _ Scanner = (*MDNSScanner)(nil)

// NewMDNSScanner creates a scanner with the default service type, domain
// and browse window.
func NewMDNSScanner(log *zap.Logger) *MDNSScanner {
	if log == nil {
		log = zap.NewNop()
	}
	return &MDNSScanner{
		ServiceType: DefaultServiceType,
		Domain:      DefaultDomain,
		Window:      DefaultBrowseWindow,
		log:         log.Named("mdns"),
		newResolver: func() (browser, error) {
			return zeroconf.NewResolver(nil)
		},
	}
}

// StartScan browses for one window and then reports ScanComplete.
func (s *MDNSScanner) StartScan(filter ScanFilter, h ScanHandler) (ScanSession, error) {
	res, err := s.newResolver()
	if err != nil {
		return nil, fmt.Errorf("mdns: create resolver: %w", err)
	}

	window := s.Window
	if window <= 0 {
		window = DefaultBrowseWindow
	}
	ctx, cancel := context.WithTimeout(context.Background(), window)
	entries := make(chan *zeroconf.ServiceEntry)
	if err := res.Browse(ctx, s.ServiceType, s.Domain, entries); err != nil {
		cancel()
		return nil, fmt.Errorf("mdns: browse %s: %w", s.ServiceType, err)
	}

	sess := &mdnsSession{cancel: cancel}
	go s.collect(ctx, sess, filter, entries, h)
	return sess, nil
}

func (s *MDNSScanner) collect(ctx context.Context, sess *mdnsSession, filter ScanFilter, entries <-chan *zeroconf.ServiceEntry, h ScanHandler) {
	seen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			if !sess.stopped.Load() {
				h.ScanComplete()
			}
			return
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			p, ok := peripheralFromEntry(entry)
			if !ok || !filter.Accepts(p.Name) || seen[p.Name+"|"+p.Address] {
				continue
			}
			seen[p.Name+"|"+p.Address] = true
			if sess.stopped.Load() {
				continue
			}
			s.log.Debug("service found", zap.String("instance", p.Name), zap.String("address", p.Address))
			h.PeripheralFound(p)
		}
	}
}

// peripheralFromEntry converts a browse result. Entries without an
// instance name or an address are skipped.
func peripheralFromEntry(entry *zeroconf.ServiceEntry) (transport.Peripheral, bool) {
	if entry == nil || entry.Instance == "" {
		return transport.Peripheral{}, false
	}

	var ip string
	for _, addr := range entry.AddrIPv4 {
		ip = addr.String()
		break
	}
	if ip == "" && len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0].String()
	}
	if ip == "" {
		return transport.Peripheral{}, false
	}

	port := entry.Port
	if port == 0 {
		port = 80
	}
	return transport.Peripheral{
		Name:    entry.Instance,
		Address: net.JoinHostPort(ip, strconv.Itoa(port)),
	}, true
}

type mdnsSession struct {
	cancel  context.CancelFunc
	stopped atomic.Bool
}

func (m *mdnsSession) Stop() {
	m.stopped.Store(true)
	m.cancel()
}
