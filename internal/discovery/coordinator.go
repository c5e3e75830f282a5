package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chaz8081/espprov/internal/transport"
)

const (
	// DefaultMaxAttempts is the number of scan cycles before giving up.
	DefaultMaxAttempts = 3
	// DefaultRetryDelay is the pause between an empty scan and the next one.
	DefaultRetryDelay = 500 * time.Millisecond
)

// Listener receives the progress and outcome of one discovery run. Exactly
// one of DeviceFound or Failure is called, unless the run is cancelled
// first, in which case neither is.
type Listener interface {
	AttemptStarted(n int)
	DeviceFound(d *BoundDevice)
	Failure(err error)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	OnAttemptStarted func(n int)
	OnDeviceFound    func(d *BoundDevice)
	OnFailure        func(err error)
}

func (f ListenerFuncs) AttemptStarted(n int) {
	if f.OnAttemptStarted != nil {
		f.OnAttemptStarted(n)
	}
}

func (f ListenerFuncs) DeviceFound(d *BoundDevice) {
	if f.OnDeviceFound != nil {
		f.OnDeviceFound(d)
	}
}

func (f ListenerFuncs) Failure(err error) {
	if f.OnFailure != nil {
		f.OnFailure(err)
	}
}

// Options configures a Coordinator.
type Options struct {
	MaxAttempts int           // scan cycles per run (default 3)
	RetryDelay  time.Duration // delay between cycles (default 500ms)
	ServiceUUID string        // service to resolve when the peripheral advertises none
	NamePrefix  string        // forwarded to scanners as ScanFilter.NamePrefix
	Logger      *zap.Logger
}

// DefaultOptions returns the stock retry policy.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: DefaultMaxAttempts,
		RetryDelay:  DefaultRetryDelay,
		ServiceUUID: transport.DefaultServiceUUID,
	}
}

// Coordinator runs bounded-retry scans for a Target and binds a transport
// to the first peripheral whose advertised name matches.
type Coordinator struct {
	scanners     map[TransportKind]Scanner
	newTransport TransportFactory
	opts         Options
	log          *zap.Logger
}

// NewCoordinator creates a Coordinator using one scanner per medium and
// factory for the transports it binds.
func NewCoordinator(scanners map[TransportKind]Scanner, factory TransportFactory, opts Options) *Coordinator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = transport.DefaultServiceUUID
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Coordinator{
		scanners:     scanners,
		newTransport: factory,
		opts:         opts,
		log:          opts.Logger.Named("discovery"),
	}
}

// Start begins discovering target and returns immediately. Progress and the
// outcome are delivered to l from the run's own goroutine. Cancelling ctx
// or calling Run.Cancel stops the run.
func (c *Coordinator) Start(ctx context.Context, target Target, l Listener) (*Run, error) {
	if l == nil {
		return nil, errors.New("discovery: nil listener")
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}
	scanner, ok := c.scanners[target.Kind]
	if !ok || scanner == nil {
		return nil, fmt.Errorf("discovery: no scanner for %s", target.Kind)
	}
	if c.newTransport == nil {
		return nil, errors.New("discovery: nil transport factory")
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &Run{
		c:       c,
		target:  target,
		l:       l,
		scanner: scanner,
		log:     c.log.With(zap.String("target", target.Name), zap.Stringer("kind", target.Kind)),
		ctx:     ctx,
		cancel:  cancel,
		inbox:   make(chan runEvent, 64),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r, nil
}

// Run is one discovery call in progress.
type Run struct {
	c       *Coordinator
	target  Target
	l       Listener
	scanner Scanner
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan runEvent
	done   chan struct{}

	mu        sync.Mutex
	cancelled bool
	finished  bool

	// Owned by the loop goroutine.
	attempt   int
	found     bool
	match     transport.Peripheral
	session   ScanSession
	sessionID uint64
	binding   transport.Transport
	retry     *time.Timer
}

// Cancel stops the run. Once Cancel returns, neither DeviceFound nor
// Failure will be called unless one of them already began.
func (r *Run) Cancel() {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	r.mu.Unlock()
	r.cancel()
}

// Done is closed when the run's goroutine exits.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Attempts returns the number of scan cycles started so far. Only
// meaningful after Done is closed.
func (r *Run) Attempts() int {
	select {
	case <-r.done:
		return r.attempt
	default:
		return 0
	}
}

type runEventKind int

const (
	runPeripheralFound runEventKind = iota
	runScanComplete
	runScanFailed
	runLinkReady
)

type runEvent struct {
	kind    runEventKind
	session uint64
	p       transport.Peripheral
	err     error
}

func (r *Run) post(ev runEvent) {
	select {
	case r.inbox <- ev:
	case <-r.done:
	}
}

func (r *Run) loop() {
	defer close(r.done)
	defer r.cancel()

	if !r.startAttempt(1) {
		return
	}
	for {
		var retry <-chan time.Time
		if r.retry != nil {
			retry = r.retry.C
		}
		select {
		case <-r.ctx.Done():
			r.abort()
			return
		case <-retry:
			r.retry = nil
			if !r.startAttempt(r.attempt + 1) {
				return
			}
		case ev := <-r.inbox:
			if r.handle(ev) {
				return
			}
		}
	}
}

// startAttempt starts scan cycle n. It returns false if the run ended.
func (r *Run) startAttempt(n int) bool {
	r.attempt = n
	r.found = false
	r.match = transport.Peripheral{}
	r.sessionID++

	filter := ScanFilter{NamePrefix: r.c.opts.NamePrefix}
	sess, err := r.scanner.StartScan(filter, scanSink{r: r, id: r.sessionID})
	if err != nil {
		r.log.Warn("scan start failed", zap.Int("attempt", n), zap.Error(err))
		r.attempt = n - 1
		serr := &ScanStartError{Kind: r.target.Kind, Err: err}
		r.finish(func() { r.l.Failure(serr) })
		return false
	}
	r.session = sess
	r.log.Debug("scan started", zap.Int("attempt", n))
	r.notify(func() { r.l.AttemptStarted(n) })
	return true
}

// handle processes one event and reports whether the run ended.
func (r *Run) handle(ev runEvent) bool {
	switch ev.kind {
	case runPeripheralFound:
		if ev.session != r.sessionID || r.session == nil || r.found {
			return false
		}
		if r.target.Matches(ev.p.Name) {
			r.found = true
			r.match = ev.p
			r.log.Info("device found", zap.Int("attempt", r.attempt), zap.String("address", ev.p.Address), zap.Int("rssi", ev.p.RSSI))
		}
		return false

	case runScanComplete, runScanFailed:
		if ev.session != r.sessionID || r.session == nil {
			return false
		}
		r.session = nil
		if ev.kind == runScanFailed {
			r.log.Warn("scan failed", zap.Int("attempt", r.attempt), zap.Error(ev.err))
		}
		if r.found {
			return r.bind()
		}
		if r.attempt < r.c.opts.MaxAttempts {
			r.log.Debug("device not seen, retrying", zap.Int("attempt", r.attempt), zap.Duration("delay", r.c.opts.RetryDelay))
			r.retry = time.NewTimer(r.c.opts.RetryDelay)
			return false
		}
		nerr := &DeviceNotFoundError{Name: r.target.Name, Attempts: r.attempt}
		r.log.Info("device not found", zap.Int("attempts", r.attempt))
		r.finish(func() { r.l.Failure(nerr) })
		return true

	case runLinkReady:
		t := r.binding
		if t == nil {
			return false
		}
		r.binding = nil
		if ev.err != nil {
			r.log.Warn("bind failed", zap.String("address", r.match.Address), zap.Error(ev.err))
			r.closeTransport(t, "bind failed")
			err := ev.err
			r.finish(func() { r.l.Failure(err) })
			return true
		}
		dev := &BoundDevice{Target: r.target, Peripheral: r.match, Transport: t}
		if !r.finish(func() { r.l.DeviceFound(dev) }) {
			r.closeTransport(t, "run cancelled after bind")
		}
		return true
	}
	return false
}

// bind creates and connects a transport to the matched peripheral. It
// reports whether the run ended.
func (r *Run) bind() bool {
	t, err := r.c.newTransport(r.target.Kind)
	if err != nil {
		lerr := &transport.LinkError{Address: r.match.Address, Err: err}
		r.finish(func() { r.l.Failure(lerr) })
		return true
	}

	service := r.match.PrimaryService()
	if service == "" {
		service = r.c.opts.ServiceUUID
	}
	r.binding = t
	if err := t.Connect(r.match, service, func(err error) {
		r.post(runEvent{kind: runLinkReady, err: err})
	}); err != nil {
		r.binding = nil
		r.closeTransport(t, "connect rejected")
		r.finish(func() { r.l.Failure(err) })
		return true
	}
	r.log.Debug("binding transport", zap.String("address", r.match.Address), zap.String("service", service))
	return false
}

// closeTransport closes a transport the run will not hand out.
func (r *Run) closeTransport(t transport.Transport, reason string) {
	if err := t.Close(); err != nil {
		r.log.Debug("transport close failed", zap.String("reason", reason), zap.Error(err))
	}
}

// abort releases whatever the run holds without reporting an outcome.
func (r *Run) abort() {
	r.mu.Lock()
	if !r.finished {
		r.cancelled = true
	}
	r.mu.Unlock()

	if r.session != nil {
		r.session.Stop()
		r.session = nil
	}
	if r.retry != nil {
		r.retry.Stop()
		r.retry = nil
	}
	if r.binding != nil {
		r.closeTransport(r.binding, "bind cancelled")
		r.binding = nil
	}
	r.log.Debug("discovery cancelled", zap.Int("attempt", r.attempt))
}

// finish delivers the terminal callback unless the run was cancelled.
func (r *Run) finish(fn func()) bool {
	r.mu.Lock()
	if r.cancelled || r.finished || r.ctx.Err() != nil {
		r.mu.Unlock()
		return false
	}
	r.finished = true
	r.mu.Unlock()
	fn()
	return true
}

func (r *Run) notify(fn func()) {
	r.mu.Lock()
	skip := r.cancelled || r.finished
	r.mu.Unlock()
	if !skip {
		fn()
	}
}

// scanSink forwards scanner events into the run's inbox, tagged with the
// session they belong to.
type scanSink struct {
	r  *Run
	id uint64
}

func (s scanSink) PeripheralFound(p transport.Peripheral) {
	s.r.post(runEvent{kind: runPeripheralFound, session: s.id, p: p})
}

func (s scanSink) ScanComplete() {
	s.r.post(runEvent{kind: runScanComplete, session: s.id})
}

func (s scanSink) ScanFailed(err error) {
	s.r.post(runEvent{kind: runScanFailed, session: s.id, err: err})
}
