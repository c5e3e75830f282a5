package ble

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/chaz8081/espprov/internal/transport"
)

// Phase is the connection phase of a Transport.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseServiceResolving
	PhaseConfigured
	PhaseNotConfigured
	PhaseOperationPending
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseServiceResolving:
		return "service-resolving"
	case PhaseConfigured:
		return "configured"
	case PhaseNotConfigured:
		return "not-configured"
	case PhaseOperationPending:
		return "operation-pending"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// ErrClosed is returned by operations on a closed Transport.
var ErrClosed = errors.New("ble: transport closed")

// Options configures a Transport.
type Options struct {
	Endpoints transport.EndpointMap // zero value uses transport.DefaultEndpointMap
	Logger    *zap.Logger
	InboxSize int // radio event buffer (default 16)
}

// Transport implements transport.Transport over a GATT link. At most one
// write-then-read cycle is in flight; a second send while one is pending
// fails with transport.ErrBusy instead of queuing.
//
// Radio events are processed by one event-loop goroutine. Handlers run on
// a separate dispatch goroutine so they may issue the next send directly.
type Transport struct {
	radio     Radio
	endpoints transport.EndpointMap
	log       *zap.Logger

	permit chan struct{} // capacity 1; held for the life of one operation
	inbox  chan event
	worker *dispatcher
	done   chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	phase   Phase
	closed  bool
	gen     uint64 // bumped on every Connect; stale radio events are dropped
	peer    transport.Peripheral
	service string
	ready   transport.ConnectHandler
	pending *operation
	nextOp  uint64
}

// Compile-time check that Transport implements transport.Transport.
var _ transport.Transport = (*Transport)(nil)

type operation struct {
	id           uint64
	char         string
	handler      transport.ResponseHandler
	awaitingRead bool
}

type eventKind int

const (
	evConnected eventKind = iota
	evDisconnected
	evServiceResolved
	evWriteComplete
	evReadComplete
)

type event struct {
	gen  uint64
	kind eventKind
	svc  ServiceDescriptor
	char string
	data []byte
	err  error
}

// NewTransport creates a Transport driving radio and starts its goroutines.
// Call Close to stop them.
func NewTransport(radio Radio, opts Options) *Transport {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 16
	}
	endpoints := opts.Endpoints
	if _, ok := endpoints.Char(transport.EndpointSession); !ok {
		endpoints = transport.DefaultEndpointMap()
	}

	t := &Transport{
		radio:     radio,
		endpoints: endpoints,
		log:       opts.Logger.Named("ble"),
		permit:    make(chan struct{}, 1),
		inbox:     make(chan event, opts.InboxSize),
		worker:    newDispatcher(),
		done:      make(chan struct{}),
	}
	go t.loop()
	go t.worker.run()
	return t
}

// Phase returns the current connection phase.
func (t *Transport) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// Connect starts connecting to p and resolving serviceID. ready is called
// once, on the dispatch goroutine, with the outcome.
func (t *Transport) Connect(p transport.Peripheral, serviceID string, ready transport.ConnectHandler) error {
	svc, err := transport.CanonicalUUID(serviceID)
	if err != nil {
		return fmt.Errorf("ble: service uuid %q: %w", serviceID, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.phase != PhaseDisconnected {
		phase := t.phase
		t.mu.Unlock()
		return fmt.Errorf("ble: connect %s: transport is %s", p.Address, phase)
	}
	t.gen++
	gen := t.gen
	t.peer = p
	t.service = svc
	t.ready = ready
	t.setPhaseLocked(PhaseConnecting)
	t.mu.Unlock()

	if err := t.radio.Connect(p, linkSink{t: t, gen: gen}); err != nil {
		t.mu.Lock()
		if t.gen == gen && t.phase == PhaseConnecting {
			t.ready = nil
			t.setPhaseLocked(PhaseDisconnected)
		}
		t.mu.Unlock()
		return &transport.LinkError{Address: p.Address, Err: err}
	}
	return nil
}

// Disconnect drops the link. A pending operation and a pending Connect
// fail with transport.ErrLinkLost.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.phase == PhaseDisconnected {
		t.mu.Unlock()
		return nil
	}
	tasks := t.dropLinkLocked(transport.ErrLinkLost)
	t.mu.Unlock()
	t.dispatch(tasks...)

	if err := t.radio.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect: %w", err)
	}
	return nil
}

// Close disconnects and stops the Transport's goroutines. Handlers already
// scheduled still run.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.Disconnect()
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.done)
		t.worker.close()
	})
	return err
}

// SendSessionData writes data to the session endpoint and reads the reply.
func (t *Transport) SendSessionData(data []byte, h transport.ResponseHandler) error {
	char, ok := t.endpoints.Char(transport.EndpointSession)
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownEndpoint, transport.EndpointSession)
	}
	return t.send(char, data, h)
}

// SendConfigData writes data to the named endpoint and reads the reply.
// An unknown endpoint fails with transport.ErrUnknownEndpoint.
func (t *Transport) SendConfigData(endpoint string, data []byte, h transport.ResponseHandler) error {
	char, err := t.endpoints.Resolve(endpoint)
	if err != nil {
		return err
	}
	return t.send(char, data, h)
}

func (t *Transport) send(char string, data []byte, h transport.ResponseHandler) error {
	if h == nil {
		return errors.New("ble: nil response handler")
	}

	t.mu.Lock()
	switch t.phase {
	case PhaseConfigured, PhaseOperationPending:
	default:
		phase := t.phase
		t.mu.Unlock()
		return fmt.Errorf("%w: transport is %s", transport.ErrNotConfigured, phase)
	}
	select {
	case t.permit <- struct{}{}:
	default:
		t.mu.Unlock()
		return transport.ErrBusy
	}
	t.nextOp++
	op := &operation{id: t.nextOp, char: char, handler: h}
	t.pending = op
	t.setPhaseLocked(PhaseOperationPending)
	t.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)
	t.log.Debug("write", zap.Uint64("op", op.id), zap.String("char", char), zap.Int("len", len(buf)))
	if err := t.radio.Write(char, buf); err != nil {
		t.mu.Lock()
		tasks := t.finishLocked(op, nil, &transport.IOError{Op: transport.OpWrite, Char: char, Err: err})
		t.mu.Unlock()
		t.dispatch(tasks...)
	}
	return nil
}

// finishLocked ends op and schedules its handler. The permit is released on
// the dispatch goroutine, after the hand-off and before the handler runs.
// Returns nothing if op already ended.
func (t *Transport) finishLocked(op *operation, data []byte, err error) []func() {
	if t.pending != op {
		return nil
	}
	t.pending = nil
	if t.phase == PhaseOperationPending {
		t.setPhaseLocked(PhaseConfigured)
	}
	if err != nil {
		t.log.Debug("operation failed", zap.Uint64("op", op.id), zap.Error(err))
	}
	h := op.handler
	return []func(){func() {
		<-t.permit
		h(data, err)
	}}
}

// dropLinkLocked moves to Disconnected, failing a pending Connect and a
// pending operation.
func (t *Transport) dropLinkLocked(reason error) []func() {
	var tasks []func()
	addr := t.peer.Address

	if ready := t.ready; ready != nil {
		t.ready = nil
		lerr := &transport.LinkError{Address: addr, Err: reason}
		tasks = append(tasks, func() { ready(lerr) })
	}
	if op := t.pending; op != nil {
		tasks = append(tasks, t.finishLocked(op, nil, &transport.LinkError{Address: addr, Err: transport.ErrLinkLost})...)
	}
	t.setPhaseLocked(PhaseDisconnected)
	return tasks
}

func (t *Transport) setPhaseLocked(p Phase) {
	if t.phase == p {
		return
	}
	t.log.Debug("phase", zap.Stringer("from", t.phase), zap.Stringer("to", p), zap.String("peer", t.peer.Address))
	t.phase = p
}

func (t *Transport) post(ev event) {
	select {
	case t.inbox <- ev:
	case <-t.done:
	}
}

func (t *Transport) loop() {
	for {
		select {
		case ev := <-t.inbox:
			t.handle(ev)
		case <-t.done:
			return
		}
	}
}

func (t *Transport) handle(ev event) {
	t.mu.Lock()
	if ev.gen != t.gen {
		t.mu.Unlock()
		t.log.Debug("dropping stale event", zap.Int("kind", int(ev.kind)), zap.Uint64("gen", ev.gen))
		return
	}

	var (
		tasks  []func()
		action func() error
		failOp *operation
	)

	switch ev.kind {
	case evConnected:
		if t.phase != PhaseConnecting {
			break
		}
		t.setPhaseLocked(PhaseServiceResolving)
		svc := t.service
		action = func() error { return t.radio.DiscoverService(svc) }

	case evServiceResolved:
		if t.phase != PhaseServiceResolving {
			break
		}
		session, _ := t.endpoints.Char(transport.EndpointSession)
		var result error
		if ev.svc.Found && transport.SameUUID(ev.svc.UUID, t.service) && ev.svc.HasCharacteristic(session) {
			t.setPhaseLocked(PhaseConfigured)
		} else {
			t.setPhaseLocked(PhaseNotConfigured)
			result = fmt.Errorf("%w: service %s has no session characteristic", transport.ErrNotConfigured, t.service)
			t.log.Warn("peripheral not configured", zap.String("peer", t.peer.Address), zap.Bool("service_found", ev.svc.Found))
		}
		if ready := t.ready; ready != nil {
			t.ready = nil
			tasks = append(tasks, func() { ready(result) })
		}

	case evDisconnected:
		if t.phase == PhaseDisconnected {
			break
		}
		reason := ev.err
		if reason == nil {
			reason = transport.ErrLinkLost
		}
		t.log.Warn("link dropped", zap.String("peer", t.peer.Address), zap.Stringer("phase", t.phase), zap.Error(reason))
		tasks = t.dropLinkLocked(reason)

	case evWriteComplete:
		op := t.pending
		if op == nil || op.awaitingRead || !transport.SameUUID(op.char, ev.char) {
			t.log.Debug("unexpected write completion", zap.String("char", ev.char))
			break
		}
		if ev.err != nil {
			tasks = t.finishLocked(op, nil, &transport.IOError{Op: transport.OpWrite, Char: op.char, Err: ev.err})
			break
		}
		// Responses are never pushed; every write is followed by a read.
		op.awaitingRead = true
		char := op.char
		failOp = op
		action = func() error { return t.radio.Read(char) }

	case evReadComplete:
		op := t.pending
		if op == nil || !op.awaitingRead || !transport.SameUUID(op.char, ev.char) {
			t.log.Debug("unexpected read completion", zap.String("char", ev.char))
			break
		}
		if ev.err != nil {
			tasks = t.finishLocked(op, nil, &transport.IOError{Op: transport.OpRead, Char: op.char, Err: ev.err})
			break
		}
		tasks = t.finishLocked(op, ev.data, nil)
	}
	t.mu.Unlock()

	t.dispatch(tasks...)

	if action == nil {
		return
	}
	if err := action(); err != nil {
		t.mu.Lock()
		if failOp != nil {
			tasks = t.finishLocked(failOp, nil, &transport.IOError{Op: transport.OpRead, Char: failOp.char, Err: err})
		} else {
			// Service discovery could not be issued; the link is unusable.
			tasks = nil
			if t.gen == ev.gen && t.phase == PhaseServiceResolving {
				tasks = t.dropLinkLocked(err)
			}
		}
		t.mu.Unlock()
		t.dispatch(tasks...)
		if failOp == nil {
			if derr := t.radio.Disconnect(); derr != nil {
				t.log.Debug("disconnect after failed discovery", zap.Error(derr))
			}
		}
	}
}

func (t *Transport) dispatch(tasks ...func()) {
	for _, fn := range tasks {
		t.worker.submit(fn)
	}
}

// linkSink forwards radio events into the Transport's inbox, stamped with
// the connection generation they belong to.
type linkSink struct {
	t   *Transport
	gen uint64
}

func (s linkSink) Connected() {
	s.t.post(event{gen: s.gen, kind: evConnected})
}

func (s linkSink) Disconnected(reason error) {
	s.t.post(event{gen: s.gen, kind: evDisconnected, err: reason})
}

func (s linkSink) ServiceResolved(svc ServiceDescriptor) {
	s.t.post(event{gen: s.gen, kind: evServiceResolved, svc: svc})
}

func (s linkSink) WriteComplete(char string, err error) {
	s.t.post(event{gen: s.gen, kind: evWriteComplete, char: char, err: err})
}

func (s linkSink) ReadComplete(char string, data []byte, err error) {
	buf := make([]byte, len(data))
	copy(buf, data)
	s.t.post(event{gen: s.gen, kind: evReadComplete, char: char, data: buf, err: err})
}
