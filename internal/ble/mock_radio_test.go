package ble

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chaz8081/espprov/internal/transport"
)

// radioCall is one request the engine issued to a radio.
type radioCall struct {
	op   string // connect, discover, write, read, disconnect
	arg  string // peripheral address, service or characteristic UUID
	data []byte
}

// mockRadio records calls and lets the test drive link events by hand.
type mockRadio struct {
	mu    sync.Mutex
	ev    LinkEvents
	sinks []LinkEvents
	calls chan radioCall

	connectErr  error
	discoverErr error
	writeErr    error
	readErr     error
}

func newMockRadio() *mockRadio {
	return &mockRadio{calls: make(chan radioCall, 64)}
}

func (r *mockRadio) record(c radioCall) {
	r.calls <- c
}

func (r *mockRadio) Connect(p transport.Peripheral, ev LinkEvents) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connectErr != nil {
		return r.connectErr
	}
	r.ev = ev
	r.sinks = append(r.sinks, ev)
	r.record(radioCall{op: "connect", arg: p.Address})
	return nil
}

func (r *mockRadio) DiscoverService(serviceUUID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.discoverErr != nil {
		return r.discoverErr
	}
	r.record(radioCall{op: "discover", arg: serviceUUID})
	return nil
}

func (r *mockRadio) Write(char string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return r.writeErr
	}
	r.record(radioCall{op: "write", arg: char, data: append([]byte(nil), data...)})
	return nil
}

func (r *mockRadio) Read(char string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readErr != nil {
		return r.readErr
	}
	r.record(radioCall{op: "read", arg: char})
	return nil
}

func (r *mockRadio) Disconnect() error {
	r.record(radioCall{op: "disconnect"})
	return nil
}

// events returns the sink of the most recent Connect.
func (r *mockRadio) events() LinkEvents {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ev
}

// expect waits for the next call and checks its op.
func (r *mockRadio) expect(t *testing.T, op string) radioCall {
	t.Helper()
	select {
	case c := <-r.calls:
		if c.op != op {
			t.Fatalf("radio call = %s(%s), want %s", c.op, c.arg, op)
		}
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for radio %s", op)
		return radioCall{}
	}
}

// expectNone checks that no call arrives within a short window.
func (r *mockRadio) expectNone(t *testing.T) {
	t.Helper()
	select {
	case c := <-r.calls:
		t.Fatalf("unexpected radio call %s(%s)", c.op, c.arg)
	case <-time.After(50 * time.Millisecond):
	}
}

// configuredService describes a peripheral exposing every default endpoint.
func configuredService() ServiceDescriptor {
	m := transport.DefaultEndpointMap()
	desc := ServiceDescriptor{UUID: transport.DefaultServiceUUID, Found: true}
	for _, ep := range transport.Endpoints {
		c, _ := m.Char(ep)
		desc.Characteristics = append(desc.Characteristics, c)
	}
	return desc
}

// echoRadio completes every request asynchronously and answers each read
// with the bytes of the preceding write. It flags overlapping cycles.
type echoRadio struct {
	mu       sync.Mutex
	ev       LinkEvents
	last     []byte
	inFlight atomic.Int32
	overlaps atomic.Int32
	writes   atomic.Int32
}

func (r *echoRadio) Connect(_ transport.Peripheral, ev LinkEvents) error {
	r.mu.Lock()
	r.ev = ev
	r.mu.Unlock()
	go ev.Connected()
	return nil
}

func (r *echoRadio) DiscoverService(string) error {
	go r.sink().ServiceResolved(configuredService())
	return nil
}

func (r *echoRadio) Write(char string, data []byte) error {
	if r.inFlight.Add(1) > 1 {
		r.overlaps.Add(1)
	}
	r.writes.Add(1)
	r.mu.Lock()
	r.last = append([]byte(nil), data...)
	r.mu.Unlock()
	go r.sink().WriteComplete(char, nil)
	return nil
}

func (r *echoRadio) Read(char string) error {
	r.mu.Lock()
	data := r.last
	r.mu.Unlock()
	go func() {
		r.inFlight.Add(-1)
		r.sink().ReadComplete(char, data, nil)
	}()
	return nil
}

func (r *echoRadio) Disconnect() error { return nil }

func (r *echoRadio) sink() LinkEvents {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ev
}
