package beacon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/beaconctl/internal/groutine"
)

// DefaultOperationTimeout bounds a register operation from submission to response
const DefaultOperationTimeout = 5 * time.Second

// sendDrainGrace bounds the wait for a cancelled Send to return
const sendDrainGrace = 250 * time.Millisecond

// Operation is a register access queued on a Pipeline.
// Timeout is measured from submission; zero selects the pipeline default.
type Operation struct {
	Kind     OpKind
	Register RegisterID
	Payload  []byte
	Timeout  time.Duration

	issuedAt time.Time
	deadline time.Time
	result   *Future[[]byte]
	barrier  chan struct{} // set only for lease barriers
}

func (op *Operation) name() string {
	return fmt.Sprintf("%s %s", op.Kind, op.Register)
}

// Submitter accepts register operations. Pipeline, Lease and Connection implement it.
type Submitter interface {
	Submit(ctx context.Context, op Operation) *Future[[]byte]
}

type sendResult struct {
	resp Response
	err  error
}

// Pipeline serializes register operations over one Link: strict FIFO, a single
// worker, and never more than one operation on the wire.
type Pipeline struct {
	link    Link
	logger  *logrus.Logger
	timeout time.Duration

	mu       sync.Mutex
	queue    []*Operation
	closed   bool
	closeErr error
	lease    *Lease

	wake     chan struct{}
	done     chan struct{}
	exited   chan struct{}
	inFlight atomic.Int32
	started  atomic.Bool
}

// NewPipeline creates a pipeline over link. Call Start before submitting.
func NewPipeline(link Link, timeout time.Duration, logger *logrus.Logger) *Pipeline {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	return &Pipeline{
		link:    link,
		logger:  logger,
		timeout: timeout,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

// Start launches the worker goroutine. Calling it twice is a no-op.
func (p *Pipeline) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	groutine.Go(ctx, "beacon-pipeline", func(ctx context.Context) {
		defer close(p.exited)
		p.logger.WithField("goroutine", groutine.GetName(ctx)).Debug("Pipeline worker started")
		p.run()
	})
}

// Submit queues op and returns its result handle. Validation, closed-pipeline
// and lease conflicts resolve the handle immediately without touching the link.
func (p *Pipeline) Submit(ctx context.Context, op Operation) *Future[[]byte] {
	return p.submit(ctx, op, nil)
}

// Do submits op and waits for its outcome
func (p *Pipeline) Do(ctx context.Context, op Operation) ([]byte, error) {
	return p.Submit(ctx, op).Wait(ctx)
}

// Done is closed once the pipeline stops accepting operations
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Err reports why the pipeline closed, nil while it is open
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeErr
}

// Pending returns the number of queued operations, excluding the one on the wire
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// InFlight returns the number of operations currently on the wire (0 or 1)
func (p *Pipeline) InFlight() int {
	return int(p.inFlight.Load())
}

// Close fails the in-flight and queued operations with cause and stops the worker.
func (p *Pipeline) Close(cause error) {
	if cause == nil {
		cause = ErrDisconnectRequested
	}
	p.fail(cause)
	if p.started.Load() {
		<-p.exited
	}
}

func (p *Pipeline) submit(ctx context.Context, op Operation, lease *Lease) *Future[[]byte] {
	opName := op.name()
	if op.Register == "" {
		return Resolved[[]byte](nil, &Error{Reason: ReasonValidationFailed, Op: opName, Msg: "register is empty"})
	}
	if err := ctx.Err(); err != nil {
		return Resolved[[]byte](nil, newError(ReasonCancelled, opName, context.Cause(ctx)))
	}

	p.mu.Lock()
	if p.closed {
		cause := p.closeErr
		p.mu.Unlock()
		return Resolved[[]byte](nil, newError(closedReason(cause), opName, cause))
	}
	if lease != nil && p.lease != lease {
		p.mu.Unlock()
		return Resolved[[]byte](nil, &Error{Reason: ReasonCancelled, Op: opName, Msg: "lease already released"})
	}
	if lease == nil && p.lease != nil {
		p.mu.Unlock()
		return Resolved[[]byte](nil, &Error{Reason: ReasonUpdateInProgress, Op: opName, Msg: "link is held by a firmware update"})
	}

	timeout := op.Timeout
	if timeout <= 0 {
		timeout = p.timeout
	}
	queued := op
	queued.issuedAt = time.Now()
	queued.deadline = queued.issuedAt.Add(timeout)
	queued.result = NewFuture[[]byte]()
	p.queue = append(p.queue, &queued)
	p.mu.Unlock()
	p.signal()

	result := queued.result
	timer := time.AfterFunc(timeout, func() {
		result.Reject(&Error{Reason: ReasonTimeout, Op: opName, Msg: fmt.Sprintf("no response within %v", timeout)})
	})
	stopCtx := context.AfterFunc(ctx, func() {
		result.Reject(newError(ReasonCancelled, opName, context.Cause(ctx)))
	})
	result.afterResolve(func() {
		timer.Stop()
		stopCtx()
	})

	p.logger.WithFields(logrus.Fields{
		"op":       op.Kind.String(),
		"register": op.Register,
		"timeout":  timeout,
	}).Debug("Operation queued")
	return result
}

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pipeline) run() {
	for {
		op, ok := p.next()
		if !ok {
			return
		}
		if op.barrier != nil {
			close(op.barrier)
			continue
		}
		if op.result.IsResolved() {
			// timed out or cancelled while queued
			continue
		}
		p.execute(op)
	}
}

// next blocks until an operation is available or the pipeline closes
func (p *Pipeline) next() (*Operation, bool) {
	for {
		select {
		case <-p.link.Done():
			p.fail(p.linkDropError())
			return nil, false
		default:
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, false
		}
		if len(p.queue) > 0 {
			op := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return op, true
		}
		p.mu.Unlock()

		select {
		case <-p.wake:
		case <-p.done:
			return nil, false
		case <-p.link.Done():
			p.fail(p.linkDropError())
			return nil, false
		}
	}
}

func (p *Pipeline) execute(op *Operation) {
	opName := op.name()
	sendCtx, cancel := context.WithDeadline(context.Background(), op.deadline)
	defer cancel()

	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	resCh := make(chan sendResult, 1)
	req := Request{Kind: op.Kind, Register: op.Register, Payload: op.Payload}
	groutine.Go(sendCtx, "beacon-send", func(ctx context.Context) {
		resp, err := p.link.Send(ctx, req)
		resCh <- sendResult{resp: resp, err: err}
	})

	received := false
	select {
	case r := <-resCh:
		received = true
		if r.err != nil {
			op.result.Reject(wrapSendError(opName, r.err))
		} else {
			op.result.Resolve(r.resp.Payload, nil)
		}
	case <-op.result.Done():
	case <-p.link.Done():
		err := p.linkDropError()
		op.result.Reject(newError(ReasonDisconnected, opName, err))
		p.fail(err)
	case <-p.done:
		cause := p.Err()
		op.result.Reject(newError(closedReason(cause), opName, cause))
	}

	if !received {
		cancel()
		p.awaitCancelledSend(op, resCh)
	}

	if _, err := op.result.Result(); err != nil {
		p.logger.WithFields(logrus.Fields{
			"register": op.Register,
			"error":    err,
		}).Debug("Operation failed")
	}
}

// awaitCancelledSend keeps the slot busy until a cancelled Send returns, but
// only for sendDrainGrace. A Send that ignores its context is left to a reaper.
func (p *Pipeline) awaitCancelledSend(op *Operation, resCh <-chan sendResult) {
	fields := logrus.Fields{"register": op.Register}
	timer := time.NewTimer(sendDrainGrace)
	defer timer.Stop()

	select {
	case <-resCh:
		fields["elapsed"] = time.Since(op.issuedAt)
		p.logger.WithFields(fields).Debug("Operation resolved before response arrived, discarded late response")
	case <-timer.C:
		p.logger.WithFields(fields).Warn("Link did not abandon a cancelled send, releasing the slot")
		groutine.Go(context.Background(), "beacon-send-reaper", func(context.Context) {
			<-resCh
			fields["elapsed"] = time.Since(op.issuedAt)
			p.logger.WithFields(fields).Debug("Abandoned send returned, discarded late response")
		})
	}
}

func (p *Pipeline) linkDropError() error {
	cause := p.link.Err()
	if cause == nil {
		return ErrDisconnected
	}
	if IsReason(cause, ReasonDisconnected) {
		return cause
	}
	return newError(ReasonDisconnected, "", cause)
}

// fail closes the pipeline and drains every queued operation with cause
func (p *Pipeline) fail(cause error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.closeErr = cause
	pending := p.queue
	p.queue = nil
	p.lease = nil
	close(p.done)
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"drained": len(pending),
		"cause":   cause,
	}).Debug("Pipeline closed")

	for _, op := range pending {
		if op.barrier != nil {
			close(op.barrier)
			continue
		}
		op.result.Reject(newError(closedReason(cause), op.name(), cause))
	}
}

// closedReason is the reason reported to operations rejected by a closed pipeline
func closedReason(cause error) Reason {
	if r := ReasonOf(cause); r == ReasonCancelled {
		return r
	}
	return ReasonDisconnected
}

func wrapSendError(opName string, err error) error {
	reason := ReasonOf(err)
	if reason == ReasonCancelled {
		// the send context only ends through the operation deadline
		reason = ReasonTimeout
	}
	return newError(reason, opName, err)
}

// Lease grants exclusive use of a pipeline; ordinary submissions are rejected
// with ReasonUpdateInProgress until it is released.
type Lease struct {
	p    *Pipeline
	once sync.Once
}

// Acquire waits for every previously accepted operation to resolve and then
// holds the pipeline exclusively.
func (p *Pipeline) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		cause := p.closeErr
		p.mu.Unlock()
		return nil, newError(closedReason(cause), "acquire", cause)
	}
	if p.lease != nil {
		p.mu.Unlock()
		return nil, &Error{Reason: ReasonUpdateInProgress, Op: "acquire", Msg: "link is already leased"}
	}
	lease := &Lease{p: p}
	p.lease = lease
	barrier := &Operation{barrier: make(chan struct{})}
	p.queue = append(p.queue, barrier)
	p.mu.Unlock()
	p.signal()

	select {
	case <-barrier.barrier:
		if err := p.Err(); err != nil {
			return nil, newError(closedReason(err), "acquire", err)
		}
		p.logger.Debug("Pipeline leased")
		return lease, nil
	case <-p.done:
		return nil, newError(closedReason(p.Err()), "acquire", p.Err())
	case <-ctx.Done():
		lease.Release()
		return nil, newError(ReasonCancelled, "acquire", context.Cause(ctx))
	}
}

// Submit queues op under the lease
func (l *Lease) Submit(ctx context.Context, op Operation) *Future[[]byte] {
	return l.p.submit(ctx, op, l)
}

// Do submits op under the lease and waits for its outcome
func (l *Lease) Do(ctx context.Context, op Operation) ([]byte, error) {
	return l.Submit(ctx, op).Wait(ctx)
}

// Release returns the pipeline to ordinary use. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.p.mu.Lock()
		if l.p.lease == l {
			l.p.lease = nil
		}
		l.p.mu.Unlock()
		l.p.logger.Debug("Pipeline lease released")
	})
}
