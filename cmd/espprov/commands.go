package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/chaz8081/espprov/internal/ble"
	"github.com/chaz8081/espprov/internal/config"
	"github.com/chaz8081/espprov/internal/discovery"
	"github.com/chaz8081/espprov/internal/provision"
	"github.com/chaz8081/espprov/internal/qrcode"
	"github.com/chaz8081/espprov/internal/transport"
)

// errNoWiFiTransport is returned when a SoftAP device is found: only its
// discovery is supported.
var errNoWiFiTransport = errors.New("softap transport is not supported; device was discovered but cannot be bound")

var (
	scanWiFi   bool
	scanMDNS   bool
	scanPrefix string

	findQR        string
	findName      string
	findTransport string
	findPoP       string
	findSecurity  int
	findNoProbe   bool
)

func init() {
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(findCmd)
	rootCmd.AddCommand(initCmd)

	scanCmd.Flags().BoolVar(&scanWiFi, "wifi", false, "scan Wi-Fi access points for SoftAP devices instead of scanning BLE")
	scanCmd.Flags().BoolVar(&scanMDNS, "mdns", false, "browse mDNS on the current network instead of scanning BLE")
	scanCmd.MarkFlagsMutuallyExclusive("wifi", "mdns")
	scanCmd.Flags().StringVar(&scanPrefix, "prefix", "", "only list names with this prefix (default: ble.name_prefix from config)")

	findCmd.Flags().StringVar(&findQR, "qr", "", "decoded provisioning QR code JSON")
	findCmd.Flags().StringVar(&findName, "name", "", "advertised device name")
	findCmd.Flags().StringVar(&findTransport, "transport", "ble", "transport when --name is used (ble or softap)")
	findCmd.Flags().StringVar(&findPoP, "pop", "", "proof of possession when --name is used")
	findCmd.Flags().IntVar(&findSecurity, "security", 2, "security scheme when --name is used (0, 1 or 2)")
	findCmd.Flags().BoolVar(&findNoProbe, "no-probe", false, "skip the protocol version request after binding")
	findCmd.MarkFlagsMutuallyExclusive("qr", "name")
	findCmd.MarkFlagsOneRequired("qr", "name")
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func endpointMap(c *config.Config) (transport.EndpointMap, error) {
	if transport.SameUUID(c.BLE.ServiceUUID, transport.DefaultServiceUUID) {
		return transport.DefaultEndpointMap(), nil
	}
	return transport.DeriveEndpointMap(c.BLE.ServiceUUID)
}

func newHardware(c *config.Config) (*ble.HardwareAdapter, error) {
	return ble.NewHardwareAdapter(ble.HardwareOptions{
		ScanWindow:  c.BLE.ScanWindow,
		ServiceUUID: c.BLE.ServiceUUID,
		Logger:      log,
	})
}

// newSoftAP returns an access point scanner over NetworkManager and a
// func that releases its bus connection.
func newSoftAP(c *config.Config) (*discovery.SoftAPScanner, func(), error) {
	nm, err := discovery.NewNetworkManager()
	if err != nil {
		return nil, nil, err
	}
	s := discovery.NewSoftAPScanner(nm, log)
	s.Window = c.WiFi.APScanWindow
	release := func() {
		if err := nm.Close(); err != nil {
			log.Debug("close system bus", zap.Error(err))
		}
	}
	return s, release, nil
}

func newMDNS(c *config.Config) *discovery.MDNSScanner {
	s := discovery.NewMDNSScanner(log)
	s.ServiceType = c.WiFi.ServiceType
	s.Domain = c.WiFi.Domain
	s.Window = c.WiFi.BrowseWindow
	return s
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List nearby provisioning devices",
	Long: `Run one scan session and list every named device seen.

BLE scanning runs for ble.scan_window. With --wifi, the Wi-Fi radio is
asked (through NetworkManager) for a fresh access point scan and SoftAP
SSIDs are listed after wifi.ap_scan_window. With --mdns, wifi.service_type
is browsed on the current network for wifi.browse_window.`,
	Example: `  # BLE scan for devices named PROV_*
  espprov scan

  # All BLE names
  espprov scan --prefix ""

  # Devices in SoftAP mode
  espprov scan --wifi

  # Local-control devices already on the current network
  espprov scan --mdns`,
	RunE: runScan,
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	prefix := cfg.BLE.NamePrefix
	if cmd.Flags().Changed("prefix") {
		prefix = scanPrefix
	}

	var scanner discovery.Scanner
	switch {
	case scanWiFi:
		ap, release, err := newSoftAP(cfg)
		if err != nil {
			return err
		}
		defer release()
		scanner = ap
	case scanMDNS:
		scanner = newMDNS(cfg)
	default:
		hw, err := newHardware(cfg)
		if err != nil {
			return err
		}
		scanner = hw
	}

	out := cmd.OutOrStdout()
	h := &printHandler{out: out, done: make(chan error, 1)}
	sess, err := scanner.StartScan(discovery.ScanFilter{NamePrefix: prefix}, h)
	if err != nil {
		return fmt.Errorf("scan failed to start: %w", err)
	}

	select {
	case err := <-h.done:
		if err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}
	case <-ctx.Done():
		sess.Stop()
		return ctx.Err()
	}

	if h.count == 0 {
		fmt.Fprintln(out, "No devices found.")
		fmt.Fprintln(out, "\nTroubleshooting:")
		fmt.Fprintln(out, "  - Ensure the device is powered on and in provisioning mode")
		fmt.Fprintln(out, "  - Check the name prefix (--prefix) matches the device")
		if scanMDNS {
			fmt.Fprintln(out, "  - Verify your computer is on the same network as the device")
		}
		return nil
	}
	fmt.Fprintf(out, "\nFound %d device(s).\n", h.count)
	return nil
}

// printHandler prints scan results as they arrive. count is read only after
// done delivers.
type printHandler struct {
	out   io.Writer
	count int
	done  chan error
}

func (h *printHandler) PeripheralFound(p transport.Peripheral) {
	h.count++
	if p.RSSI != 0 {
		fmt.Fprintf(h.out, "%-24s %-40s %4d dBm\n", p.Name, p.Address, p.RSSI)
		return
	}
	fmt.Fprintf(h.out, "%-24s %s\n", p.Name, p.Address)
}

func (h *printHandler) ScanComplete()        { h.done <- nil }
func (h *printHandler) ScanFailed(err error) { h.done <- err }

var findCmd = &cobra.Command{
	Use:   "find",
	Short: "Find a device and bind a transport to it",
	Long: `Scan for the device named by a provisioning QR code (or --name),
retrying up to discovery.max_attempts times, then connect to it and request
its protocol version.`,
	Example: `  # From a scanned QR code
  espprov find --qr '{"ver":"v1","name":"PROV_ABCD","pop":"abcd1234","transport":"ble"}'

  # By name
  espprov find --name PROV_ABCD --pop abcd1234 --security 1`,
	RunE: runFind,
}

func targetFromFlags() (discovery.Target, error) {
	if findQR != "" {
		return qrcode.Parse(findQR)
	}
	kind, err := discovery.ParseTransportKind(findTransport)
	if err != nil {
		return discovery.Target{}, err
	}
	return discovery.Target{
		Name:              findName,
		ProofOfPossession: findPoP,
		Security:          discovery.SecurityLevel(findSecurity),
		Kind:              kind,
	}, nil
}

type findResult struct {
	dev *discovery.BoundDevice
	err error
}

func runFind(cmd *cobra.Command, args []string) (err error) {
	target, err := targetFromFlags()
	if err != nil {
		return err
	}
	if err := target.Validate(); err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	hw, err := newHardware(cfg)
	if err != nil {
		return err
	}
	endpoints, err := endpointMap(cfg)
	if err != nil {
		return err
	}
	factory := func(kind discovery.TransportKind) (transport.Transport, error) {
		if kind != discovery.TransportBLE {
			return nil, errNoWiFiTransport
		}
		return ble.NewTransport(hw.NewRadio(), ble.Options{Endpoints: endpoints, Logger: log}), nil
	}

	scanners := map[discovery.TransportKind]discovery.Scanner{discovery.TransportBLE: hw}
	if target.Kind == discovery.TransportWiFi {
		ap, release, err := newSoftAP(cfg)
		if err != nil {
			return err
		}
		defer release()
		scanners[discovery.TransportWiFi] = ap
	}

	coord := discovery.NewCoordinator(
		scanners,
		factory,
		discovery.Options{
			MaxAttempts: cfg.Discovery.MaxAttempts,
			RetryDelay:  cfg.Discovery.RetryDelay,
			ServiceUUID: cfg.BLE.ServiceUUID,
			Logger:      log,
		},
	)

	out := cmd.OutOrStdout()
	results := make(chan findResult, 1)
	run, err := coord.Start(ctx, target, discovery.ListenerFuncs{
		OnAttemptStarted: func(n int) {
			fmt.Fprintf(out, "Scanning for %s over %s (attempt %d/%d)...\n", target.Name, target.Kind, n, cfg.Discovery.MaxAttempts)
		},
		OnDeviceFound: func(d *discovery.BoundDevice) { results <- findResult{dev: d} },
		OnFailure:     func(err error) { results <- findResult{err: err} },
	})
	if err != nil {
		return err
	}

	<-run.Done()
	var res findResult
	select {
	case res = <-results:
	default:
		return ctx.Err()
	}
	if res.err != nil {
		return res.err
	}

	dev := res.dev
	defer func() { err = multierr.Append(err, dev.Transport.Close()) }()
	fmt.Fprintf(out, "Connected to %s (%s)\n", dev.Peripheral.Name, dev.Peripheral.Address)

	if findNoProbe {
		return nil
	}
	info, err := probeVersion(ctx, dev.Transport)
	if err != nil {
		return fmt.Errorf("version request: %w", err)
	}
	fmt.Fprintf(out, "Protocol version: %s\n", info.Version)
	fmt.Fprintf(out, "Capabilities:     %v\n", info.Capabilities)
	fmt.Fprintf(out, "Requires PoP:     %t\n", info.RequiresPoP())
	if info.RequiresPoP() && target.ProofOfPossession == "" && target.Security != discovery.Security0 {
		fmt.Fprintln(out, "Warning: device requires a proof of possession but none was given")
	}
	return nil
}

func probeVersion(ctx context.Context, t transport.Transport) (provision.VersionInfo, error) {
	type reply struct {
		info provision.VersionInfo
		err  error
	}
	ch := make(chan reply, 1)
	if err := provision.FetchVersion(t, func(info provision.VersionInfo, err error) {
		ch <- reply{info, err}
	}); err != nil {
		return provision.VersionInfo{}, err
	}
	select {
	case r := <-ch:
		return r.info, r.err
	case <-ctx.Done():
		return provision.VersionInfo{}, ctx.Err()
	}
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.WriteDefault()
		if err != nil {
			return err
		}
		if path == "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Config already exists at %s\n", config.DefaultConfigPath())
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}
