package beacon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/beaconctl/internal/groutine"
)

const (
	// DefaultMaxAttempts is the number of connection attempts made by Connect
	DefaultMaxAttempts = 3

	// DefaultAttemptTimeout bounds a single connection attempt
	DefaultAttemptTimeout = 10 * time.Second
)

// ConnectOptions controls the retry policy of Connect
type ConnectOptions struct {
	MaxAttempts      int
	AttemptTimeout   time.Duration
	OperationTimeout time.Duration // per register operation, see Pipeline
}

func (o ConnectOptions) withDefaults() ConnectOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = DefaultAttemptTimeout
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = DefaultOperationTimeout
	}
	return o
}

// Option configures a Connection
type Option func(*Connection)

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver registers the connection event observer
func WithObserver(o Observer) Option {
	return func(c *Connection) { c.observer = o }
}

// WithStateListener registers a callback invoked on every state transition
func WithStateListener(fn func(State)) Option {
	return func(c *Connection) { c.onState = fn }
}

// WithMetadataResolver sets the collaborator used to look up beacon metadata
func WithMetadataResolver(r MetadataResolver) Option {
	return func(c *Connection) { c.resolver = r }
}

// Connection is the lifecycle of one session with one beacon. It is single-use:
// once Disconnected, a new Connection must be created to try again.
type Connection struct {
	id        Identifier
	transport Transport
	logger    *logrus.Logger
	router    *Router
	resolver  MetadataResolver
	onState   func(State)

	obsMu    sync.RWMutex
	observer Observer

	mu       sync.Mutex
	state    State
	cancel   context.CancelCauseFunc
	link     Link
	pipeline *Pipeline
	metadata *Metadata
	done     chan struct{}
}

// NewConnection creates an idle connection to id over transport
func NewConnection(id Identifier, transport Transport, opts ...Option) *Connection {
	c := &Connection{
		id:        id,
		transport: transport,
		logger:    logrus.New(),
		state:     State{Phase: PhaseIdle},
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.router = NewRouter(c.logger)
	c.router.Subscribe(func(ev SensorEvent) {
		if m, ok := ev.(MotionChanged); ok {
			if o := c.currentObserver(); o != nil {
				o.MotionStateChanged(m.Moving)
			}
		}
	})
	return c
}

// Identifier returns the target beacon
func (c *Connection) Identifier() Identifier {
	return c.id
}

// Router returns the notification router fed by this connection's link
func (c *Connection) Router() *Router {
	return c.router
}

// SetObserver replaces the observer. Passing nil stops event dispatch.
func (c *Connection) SetObserver(o Observer) {
	c.obsMu.Lock()
	c.observer = o
	c.obsMu.Unlock()
}

func (c *Connection) currentObserver() Observer {
	c.obsMu.RLock()
	defer c.obsMu.RUnlock()
	return c.observer
}

// State returns a snapshot of the current state
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the connection reaches Disconnected
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Metadata returns the metadata resolved on connect, if any
func (c *Connection) Metadata() (Metadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.metadata == nil {
		return Metadata{}, false
	}
	return *c.metadata, true
}

// Connect runs the attempt loop and blocks until the connection is Connected
// or Disconnected. Every failed attempt is reported to the observer.
func (c *Connection) Connect(ctx context.Context, opts ConnectOptions) error {
	opts = opts.withDefaults()

	c.mu.Lock()
	switch c.state.Phase {
	case PhaseIdle:
	case PhaseDisconnected:
		c.mu.Unlock()
		return &Error{Reason: ReasonNotConnected, Op: "connect", Msg: "connection is closed, create a new one"}
	default:
		phase := c.state.Phase
		c.mu.Unlock()
		return &Error{Reason: ReasonAlreadyConnected, Op: "connect", Msg: fmt.Sprintf("connection is %s", phase)}
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel(nil)

	log := c.logger.WithField("identifier", c.id.String())

	if c.id.IsZero() {
		err := &Error{Reason: ReasonIdentifierMissing, Op: "connect", Msg: "no beacon identifier"}
		log.Error("Connection attempt without identifier")
		if c.finish(err) {
			c.notifyFailed(err)
		}
		return err
	}

	for attempt := 1; ; attempt++ {
		deadline := time.Now().Add(opts.AttemptTimeout)
		if !c.transition(PhaseConnecting, func(s *State) {
			s.Attempt = attempt
			s.Deadline = deadline
		}) {
			// cancelled between attempts
			return c.finishCancelled(runCtx)
		}

		log.WithFields(logrus.Fields{
			"attempt":      attempt,
			"max_attempts": opts.MaxAttempts,
			"timeout":      opts.AttemptTimeout,
		}).Info("Connecting to beacon...")

		attemptCtx, cancelAttempt := context.WithDeadline(runCtx, deadline)
		link, err := c.open(attemptCtx)
		attemptTimedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && runCtx.Err() == nil
		cancelAttempt()

		if runCtx.Err() != nil {
			if link != nil {
				_ = link.Close()
			}
			return c.finishCancelled(runCtx)
		}

		if err == nil {
			return c.establish(runCtx, link, opts, attempt)
		}

		attemptErr := c.attemptError(err, attempt, attemptTimedOut)
		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   attemptErr,
		}).Warn("Connection attempt failed")

		if IsTerminalConnectError(attemptErr) {
			if c.finish(attemptErr) {
				c.notifyFailed(attemptErr)
			}
			return attemptErr
		}

		if attempt >= opts.MaxAttempts {
			final := &Error{
				Reason: ReasonNotConnectedToReadWrite,
				Op:     "connect",
				Msg:    fmt.Sprintf("gave up after %d attempts", attempt),
				Err:    attemptErr,
			}
			log.WithField("attempts", attempt).Error("Failed to connect to beacon")
			if c.finish(final) {
				c.notifyFailed(final)
			}
			return final
		}

		c.notifyFailed(attemptErr)
	}
}

// open runs Transport.Open but gives up when ctx ends, even if the transport
// ignores it. A link that opens late is closed.
func (c *Connection) open(ctx context.Context) (Link, error) {
	type openResult struct {
		link Link
		err  error
	}
	resCh := make(chan openResult, 1)
	groutine.Go(ctx, "beacon-open", func(ctx context.Context) {
		link, err := c.transport.Open(ctx, c.id, c.router.HandleFrame)
		resCh <- openResult{link: link, err: err}
	})

	select {
	case r := <-resCh:
		return r.link, r.err
	case <-ctx.Done():
		groutine.Go(context.Background(), "beacon-open-reaper", func(context.Context) {
			if r := <-resCh; r.link != nil {
				_ = r.link.Close()
			}
		})
		return nil, ctx.Err()
	}
}

func (c *Connection) attemptError(err error, attempt int, timedOut bool) error {
	op := fmt.Sprintf("connect attempt %d", attempt)
	if timedOut || ReasonOf(err) == ReasonTimeout {
		return newError(ReasonTimeout, op, err)
	}
	if reason := ReasonOf(err); reason != ReasonUnknown {
		return newError(reason, op, err)
	}
	return newError(ReasonNotConnectedToReadWrite, op, err)
}

// establish moves to Connected unless the attempt was cancelled while the link opened
func (c *Connection) establish(runCtx context.Context, link Link, opts ConnectOptions, attempt int) error {
	c.mu.Lock()
	if runCtx.Err() != nil || c.state.Phase != PhaseConnecting {
		c.mu.Unlock()
		_ = link.Close()
		return c.finishCancelled(runCtx)
	}
	pipeline := NewPipeline(link, opts.OperationTimeout, c.logger)
	pipeline.Start(context.Background())
	c.link = link
	c.pipeline = pipeline
	c.cancel = nil
	c.state = State{Phase: PhaseConnected}
	state := c.state
	c.mu.Unlock()
	c.emitState(state)

	c.logger.WithFields(logrus.Fields{
		"identifier": c.id.String(),
		"attempt":    attempt,
	}).Info("Beacon connected")

	c.resolveMetadata(runCtx)

	if o := c.currentObserver(); o != nil {
		o.ConnectionSucceeded()
	}

	groutine.Go(context.Background(), "beacon-link-monitor", func(ctx context.Context) {
		select {
		case <-link.Done():
			c.handleDrop(link)
		case <-c.done:
		}
	})
	return nil
}

func (c *Connection) resolveMetadata(ctx context.Context) {
	if c.resolver == nil {
		return
	}
	md, ok, err := c.resolver.Resolve(ctx, c.id)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"identifier": c.id.String(),
			"error":      err,
		}).Warn("Failed to resolve beacon metadata")
		return
	}
	if !ok {
		return
	}
	c.mu.Lock()
	c.metadata = &md
	c.mu.Unlock()
}

// Cancel aborts a connection that has not reached Connected. It is a no-op
// once connected; use Disconnect instead.
func (c *Connection) Cancel() {
	c.mu.Lock()
	switch c.state.Phase {
	case PhaseIdle:
		cancel := c.cancel
		c.mu.Unlock()
		err := &Error{Reason: ReasonCancelled, Op: "connect", Msg: "cancelled before connecting"}
		if cancel != nil {
			cancel(err)
		}
		if c.finish(err) {
			c.notifyFailed(err)
		}
	case PhaseConnecting:
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel(&Error{Reason: ReasonCancelled, Op: "connect", Msg: "cancelled by caller"})
		}
	default:
		c.mu.Unlock()
	}
}

// Disconnect closes an established link. Before Connected it behaves like
// Cancel; after Disconnected it does nothing.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	switch c.state.Phase {
	case PhaseIdle, PhaseConnecting:
		c.mu.Unlock()
		c.Cancel()
		return nil
	case PhaseConnected:
	default:
		c.mu.Unlock()
		return nil
	}
	c.state = State{Phase: PhaseDisconnecting}
	link, pipeline := c.link, c.pipeline
	c.mu.Unlock()
	c.emitState(State{Phase: PhaseDisconnecting})

	c.logger.WithField("identifier", c.id.String()).Info("Disconnecting beacon...")

	pipeline.Close(ErrDisconnectRequested)
	closeErr := link.Close()
	if closeErr != nil {
		c.logger.WithField("error", closeErr).Warn("Beacon link closed with errors")
	}

	c.finish(ErrDisconnectRequested)
	if o := c.currentObserver(); o != nil {
		o.ConnectionDropped(ErrDisconnectRequested)
	}
	return closeErr
}

// handleDrop handles an unsolicited link loss
func (c *Connection) handleDrop(link Link) {
	c.mu.Lock()
	if c.state.Phase != PhaseConnected || c.link != link {
		c.mu.Unlock()
		return
	}
	c.state = State{Phase: PhaseDisconnecting}
	pipeline := c.pipeline
	c.mu.Unlock()
	c.emitState(State{Phase: PhaseDisconnecting})

	cause := link.Err()
	var reason error
	if cause == nil {
		reason = &Error{Reason: ReasonDisconnected, Op: "link", Msg: "link dropped"}
	} else {
		reason = &Error{Reason: ReasonDisconnected, Op: "link", Err: cause}
	}

	c.logger.WithFields(logrus.Fields{
		"identifier": c.id.String(),
		"error":      cause,
	}).Warn("Beacon link dropped")

	pipeline.Close(reason)
	_ = link.Close()

	c.finish(reason)
	if o := c.currentObserver(); o != nil {
		o.ConnectionDropped(reason)
	}
}

func (c *Connection) finishCancelled(runCtx context.Context) error {
	cause := context.Cause(runCtx)
	var err error
	switch ReasonOf(cause) {
	case ReasonTimeout:
		err = newError(ReasonTimeout, "connect", cause)
	case ReasonCancelled:
		var berr *Error
		if errors.As(cause, &berr) {
			err = berr
		} else {
			err = newError(ReasonCancelled, "connect", cause)
		}
	default:
		err = newError(ReasonCancelled, "connect", cause)
	}
	c.logger.WithField("identifier", c.id.String()).Info("Connection cancelled")
	if c.finish(err) {
		c.notifyFailed(err)
	}
	return err
}

// transition applies phase unless the connection already reached Disconnected
func (c *Connection) transition(phase Phase, mutate func(*State)) bool {
	c.mu.Lock()
	if c.state.Phase == PhaseDisconnected {
		c.mu.Unlock()
		return false
	}
	next := State{Phase: phase}
	if mutate != nil {
		mutate(&next)
	}
	c.state = next
	c.mu.Unlock()
	c.emitState(next)
	return true
}

// finish moves to Disconnected(err) exactly once and reports whether it did
func (c *Connection) finish(err error) bool {
	c.mu.Lock()
	if c.state.Phase == PhaseDisconnected {
		c.mu.Unlock()
		return false
	}
	c.state = State{Phase: PhaseDisconnected, Err: err}
	c.link = nil
	c.pipeline = nil
	state := c.state
	close(c.done)
	c.mu.Unlock()
	c.emitState(state)
	return true
}

func (c *Connection) emitState(s State) {
	c.logger.WithField("state", s.String()).Debug("Connection state changed")
	if c.onState != nil {
		c.onState(s)
	}
}

func (c *Connection) notifyFailed(err error) {
	if o := c.currentObserver(); o != nil {
		o.ConnectionFailed(err)
	}
}

// Submit queues a register operation. It fails with ReasonNotConnected unless Connected.
func (c *Connection) Submit(ctx context.Context, op Operation) *Future[[]byte] {
	c.mu.Lock()
	if c.state.Phase != PhaseConnected {
		phase := c.state.Phase
		c.mu.Unlock()
		return Resolved[[]byte](nil, &Error{
			Reason: ReasonNotConnected,
			Op:     op.name(),
			Msg:    fmt.Sprintf("connection is %s", phase),
		})
	}
	p := c.pipeline
	c.mu.Unlock()
	return p.Submit(ctx, op)
}

// Acquire takes exclusive use of the link, see Pipeline.Acquire
func (c *Connection) Acquire(ctx context.Context) (*Lease, error) {
	c.mu.Lock()
	if c.state.Phase != PhaseConnected {
		phase := c.state.Phase
		c.mu.Unlock()
		return nil, &Error{Reason: ReasonNotConnected, Op: "acquire", Msg: fmt.Sprintf("connection is %s", phase)}
	}
	p := c.pipeline
	c.mu.Unlock()
	return p.Acquire(ctx)
}
