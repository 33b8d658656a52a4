package testutils

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/beaconctl/internal/beacon"
)

// OpenStep scripts the outcome of one Open call
type OpenStep struct {
	Err   error         // returned after Delay, unless nil
	Delay time.Duration // honours the context
	Block bool          // wait for the context to end
	Hang  bool          // ignore the context until Unblock is called, then succeed
}

// OpenCall records one Open invocation
type OpenCall struct {
	Attempt     int
	At          time.Time
	Deadline    time.Time
	HasDeadline bool
	Identifier  beacon.Identifier
}

// FakeTransport is an in-memory beacon.Transport backed by a register file.
// Open calls beyond Script succeed immediately.
type FakeTransport struct {
	mu        sync.Mutex
	script    []OpenStep
	registers map[beacon.RegisterID][]byte
	delays    map[beacon.RegisterID]time.Duration
	sendHook  func(req beacon.Request) (beacon.Response, bool, error)
	firmware  *FirmwareDevice
	opens     []OpenCall
	links     []*FakeLink
	current   *FakeLink
	unblock   chan struct{}
}

// NewFakeTransport creates a transport whose device holds registers
func NewFakeTransport(registers map[beacon.RegisterID][]byte) *FakeTransport {
	regs := make(map[beacon.RegisterID][]byte, len(registers))
	for k, v := range registers {
		regs[k] = append([]byte(nil), v...)
	}
	return &FakeTransport{
		registers: regs,
		delays:    make(map[beacon.RegisterID]time.Duration),
		unblock:   make(chan struct{}),
	}
}

// WithScript sets the per-attempt Open outcomes
func (t *FakeTransport) WithScript(steps ...OpenStep) *FakeTransport {
	t.mu.Lock()
	t.script = steps
	t.mu.Unlock()
	return t
}

// WithSendDelay delays responses for register
func (t *FakeTransport) WithSendDelay(register beacon.RegisterID, d time.Duration) *FakeTransport {
	t.mu.Lock()
	t.delays[register] = d
	t.mu.Unlock()
	return t
}

// WithSendHook intercepts requests; the hook returns handled=false to fall through
func (t *FakeTransport) WithSendHook(hook func(req beacon.Request) (resp beacon.Response, handled bool, err error)) *FakeTransport {
	t.mu.Lock()
	t.sendHook = hook
	t.mu.Unlock()
	return t
}

// WithFirmware attaches a simulated firmware updater to the device
func (t *FakeTransport) WithFirmware(fw *FirmwareDevice) *FakeTransport {
	t.mu.Lock()
	t.firmware = fw
	t.mu.Unlock()
	return t
}

// Unblock releases every Open stuck in a Hang step
func (t *FakeTransport) Unblock() {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.unblock:
	default:
		close(t.unblock)
	}
}

// Opens returns the recorded Open calls
func (t *FakeTransport) Opens() []OpenCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]OpenCall(nil), t.opens...)
}

// Links returns every link opened so far
func (t *FakeTransport) Links() []*FakeLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*FakeLink(nil), t.links...)
}

// Link returns the most recently opened link, or nil
func (t *FakeTransport) Link() *FakeLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.links) == 0 {
		return nil
	}
	return t.links[len(t.links)-1]
}

// Register returns the current device value of register
func (t *FakeTransport) Register(register beacon.RegisterID) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.registers[register]
	return append([]byte(nil), v...), ok
}

// SetRegister changes a device value
func (t *FakeTransport) SetRegister(register beacon.RegisterID, value []byte) {
	t.mu.Lock()
	t.registers[register] = append([]byte(nil), value...)
	t.mu.Unlock()
}

// Open implements beacon.Transport
func (t *FakeTransport) Open(ctx context.Context, id beacon.Identifier, onFrame beacon.FrameHandler) (beacon.Link, error) {
	t.mu.Lock()
	attempt := len(t.opens) + 1
	deadline, hasDeadline := ctx.Deadline()
	t.opens = append(t.opens, OpenCall{
		Attempt:     attempt,
		At:          time.Now(),
		Deadline:    deadline,
		HasDeadline: hasDeadline,
		Identifier:  id,
	})
	var step OpenStep
	if attempt <= len(t.script) {
		step = t.script[attempt-1]
	}
	unblock := t.unblock
	t.mu.Unlock()

	switch {
	case step.Hang:
		<-unblock
	case step.Block:
		<-ctx.Done()
		return nil, ctx.Err()
	case step.Delay > 0:
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil && !t.current.isDone() {
		return nil, &beacon.Error{Reason: beacon.ReasonAlreadyConnected, Op: "open", Msg: "device already has an open link"}
	}
	l := newFakeLink(t, onFrame)
	t.current = l
	t.links = append(t.links, l)
	return l, nil
}

func (t *FakeTransport) handle(l *FakeLink, req beacon.Request) (beacon.Response, error) {
	t.mu.Lock()
	hook := t.sendHook
	fw := t.firmware
	t.mu.Unlock()

	if hook != nil {
		if resp, handled, err := hook(req); handled {
			return resp, err
		}
	}
	if fw != nil {
		if resp, handled, err := fw.handle(l, req); handled {
			return resp, err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch req.Kind {
	case beacon.OpRead:
		v, ok := t.registers[req.Register]
		if !ok {
			return beacon.Response{}, &beacon.Error{Reason: beacon.ReasonNotConnectedToReadWrite, Op: "read " + string(req.Register), Msg: "register not available on device"}
		}
		return beacon.Response{Register: req.Register, Payload: append([]byte(nil), v...)}, nil
	default:
		t.registers[req.Register] = append([]byte(nil), req.Payload...)
		return beacon.Response{Register: req.Register, Payload: append([]byte(nil), req.Payload...)}, nil
	}
}

func (t *FakeTransport) sendDelay(register beacon.RegisterID) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delays[register]
}

// FakeLink is a link opened by FakeTransport. It tracks concurrency so tests
// can assert that at most one request is ever on the wire.
type FakeLink struct {
	transport *FakeTransport
	onFrame   beacon.FrameHandler

	ctx    context.Context
	cancel context.CancelCauseFunc
	closed atomic.Bool

	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	mu       sync.Mutex
	requests []beacon.Request
}

func newFakeLink(t *FakeTransport, onFrame beacon.FrameHandler) *FakeLink {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &FakeLink{transport: t, onFrame: onFrame, ctx: ctx, cancel: cancel}
}

// Send implements beacon.Link
func (l *FakeLink) Send(ctx context.Context, req beacon.Request) (beacon.Response, error) {
	op := fmt.Sprintf("%s %s", req.Kind, req.Register)
	if l.isDone() {
		return beacon.Response{}, &beacon.Error{Reason: beacon.ReasonDisconnected, Op: op, Err: context.Cause(l.ctx)}
	}

	n := l.inFlight.Add(1)
	defer l.inFlight.Add(-1)
	for {
		m := l.maxInFlight.Load()
		if n <= m || l.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	l.mu.Lock()
	l.requests = append(l.requests, beacon.Request{Kind: req.Kind, Register: req.Register, Payload: append([]byte(nil), req.Payload...)})
	l.mu.Unlock()

	if d := l.transport.sendDelay(req.Register); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return beacon.Response{}, ctx.Err()
		case <-l.ctx.Done():
			return beacon.Response{}, &beacon.Error{Reason: beacon.ReasonDisconnected, Op: op, Err: context.Cause(l.ctx)}
		}
	}
	return l.transport.handle(l, req)
}

// Close implements beacon.Link
func (l *FakeLink) Close() error {
	if l.ctx.Err() == nil {
		l.closed.Store(true)
	}
	l.cancel(nil)
	return nil
}

// Done implements beacon.Link
func (l *FakeLink) Done() <-chan struct{} {
	return l.ctx.Done()
}

// Err implements beacon.Link. It is nil after a local Close.
func (l *FakeLink) Err() error {
	if l.closed.Load() || l.ctx.Err() == nil {
		return nil
	}
	return context.Cause(l.ctx)
}

// Drop simulates the radio link going away
func (l *FakeLink) Drop(cause error) {
	if cause == nil {
		cause = &beacon.Error{Reason: beacon.ReasonDisconnected, Op: "link", Msg: "peripheral disconnected"}
	}
	l.cancel(cause)
}

// Emit pushes a notification frame as the device would
func (l *FakeLink) Emit(register beacon.RegisterID, payload []byte) {
	if l.onFrame != nil && !l.isDone() {
		l.onFrame(beacon.Frame{Register: register, Payload: payload})
	}
}

// Closed reports whether the link was closed locally
func (l *FakeLink) Closed() bool {
	return l.closed.Load()
}

// MaxInFlight is the highest number of concurrent Send calls observed
func (l *FakeLink) MaxInFlight() int {
	return int(l.maxInFlight.Load())
}

// Requests returns the requests received so far, in arrival order
func (l *FakeLink) Requests() []beacon.Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]beacon.Request(nil), l.requests...)
}

// CountRequests counts requests to register of the given kind
func (l *FakeLink) CountRequests(kind beacon.OpKind, register beacon.RegisterID) int {
	n := 0
	for _, r := range l.Requests() {
		if r.Kind == kind && r.Register == register {
			n++
		}
	}
	return n
}

func (l *FakeLink) isDone() bool {
	return l.ctx.Err() != nil
}
