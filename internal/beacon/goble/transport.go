package goble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/beaconctl/internal/beacon"
	"github.com/srg/beaconctl/internal/groutine"
)

// DefaultScanTimeout bounds the scan used to resolve proximity identifiers
const DefaultScanTimeout = 10 * time.Second

// Advert is the part of an advertisement the transport inspects
type Advert struct {
	Addr             string
	LocalName        string
	ManufacturerData []byte
	RSSI             int
}

// GATTClient is the subset of ble.Client used by a link
type GATTClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// Central scans for and dials peripherals
type Central interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advert)) error
	Dial(ctx context.Context, addr string) (GATTClient, error)
}

// bleCentral adapts ble.Device to Central
type bleCentral struct {
	dev ble.Device
}

func (c *bleCentral) Scan(ctx context.Context, allowDup bool, handler func(Advert)) error {
	return c.dev.Scan(ctx, allowDup, func(a ble.Advertisement) {
		handler(Advert{
			Addr:             a.Addr().String(),
			LocalName:        a.LocalName(),
			ManufacturerData: a.ManufacturerData(),
			RSSI:             a.RSSI(),
		})
	})
}

func (c *bleCentral) Dial(ctx context.Context, addr string) (GATTClient, error) {
	return c.dev.Dial(ctx, ble.NewAddr(addr))
}

// DeviceFactory creates the Central used by Transport (can be overridden in tests)
var DeviceFactory = func() (Central, error) {
	dev, err := newDevice()
	if err != nil {
		return nil, err
	}
	return &bleCentral{dev: dev}, nil
}

// Config configures a Transport
type Config struct {
	Registers   RegisterMap
	ScanTimeout time.Duration
	Logger      *logrus.Logger
}

// Transport implements beacon.Transport over go-ble. It keeps at most one
// open link per device address.
type Transport struct {
	registers   RegisterMap
	scanTimeout time.Duration
	logger      *logrus.Logger

	centralOnce sync.Once
	central     Central
	centralErr  error

	open *hashmap.Map[string, *link]
}

// NewTransport creates a transport. The radio is initialised on first use.
func NewTransport(cfg Config) *Transport {
	if cfg.Registers == nil {
		cfg.Registers = DefaultRegisterMap()
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = DefaultScanTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Transport{
		registers:   cfg.Registers,
		scanTimeout: cfg.ScanTimeout,
		logger:      cfg.Logger,
		open:        hashmap.New[string, *link](),
	}
}

func (t *Transport) device() (Central, error) {
	t.centralOnce.Do(func() {
		t.central, t.centralErr = DeviceFactory()
		if t.centralErr != nil {
			t.centralErr = NormalizeError(t.centralErr)
		}
	})
	return t.central, t.centralErr
}

// Open implements beacon.Transport
func (t *Transport) Open(ctx context.Context, id beacon.Identifier, onFrame beacon.FrameHandler) (beacon.Link, error) {
	central, err := t.device()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}

	addr, err := t.resolveAddress(ctx, central, id)
	if err != nil {
		return nil, err
	}

	l := &link{
		addr:      addr,
		transport: t,
		onFrame:   onFrame,
		logger:    t.logger,
	}
	if !t.open.Insert(addr, l) {
		return nil, &beacon.Error{Reason: beacon.ReasonAlreadyConnected, Op: "open", Msg: fmt.Sprintf("device %s already has an open link", addr)}
	}

	if err := l.connect(ctx, central); err != nil {
		t.open.Del(addr)
		return nil, err
	}
	return l, nil
}

// OpenLinks returns the number of links currently open
func (t *Transport) OpenLinks() int {
	return t.open.Len()
}

// resolveAddress returns the MAC for id, scanning for proximity identifiers
func (t *Transport) resolveAddress(ctx context.Context, central Central, id beacon.Identifier) (string, error) {
	switch id.Kind() {
	case beacon.KindMAC:
		return id.MAC(), nil
	case beacon.KindProximity:
	default:
		return "", &beacon.Error{Reason: beacon.ReasonIdentifierMissing, Op: "open", Msg: "no beacon identifier"}
	}

	scanCtx, cancel := context.WithTimeout(ctx, t.scanTimeout)
	defer cancel()

	var (
		mu    sync.Mutex
		found string
	)
	t.logger.WithField("identifier", id.String()).Debug("Scanning for iBeacon advertisement...")
	err := central.Scan(scanCtx, false, func(a Advert) {
		b, ok := ParseIBeacon(a.ManufacturerData)
		if !ok || !b.Matches(id) {
			return
		}
		mu.Lock()
		if found == "" {
			found = a.Addr
		}
		mu.Unlock()
		cancel()
	})

	mu.Lock()
	defer mu.Unlock()
	if found != "" {
		t.logger.WithFields(logrus.Fields{
			"identifier": id.String(),
			"address":    found,
		}).Debug("Resolved proximity identifier")
		return found, nil
	}
	if err != nil && ctx.Err() == nil && scanCtx.Err() == nil {
		return "", fmt.Errorf("scan failed: %w", NormalizeError(err))
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return "", &beacon.Error{Reason: beacon.ReasonTimeout, Op: "scan", Msg: fmt.Sprintf("no advertisement from %s within %v", id, t.scanTimeout)}
}

// link is one open GATT connection
type link struct {
	addr      string
	transport *Transport
	onFrame   beacon.FrameHandler
	logger    *logrus.Logger

	client     GATTClient
	chars      map[beacon.RegisterID]*ble.Characteristic
	subscribed []*ble.Characteristic

	ctx    context.Context
	cancel context.CancelCauseFunc

	// serializes GATT requests; the pipeline already sends one at a time
	writeMutex sync.Mutex
	closeOnce  sync.Once
	closed     bool
	closeMu    sync.Mutex
}

func (l *link) connect(ctx context.Context, central Central) error {
	log := l.logger.WithField("address", l.addr)
	log.Debug("Dialing beacon...")

	client, err := central.Dial(ctx, l.addr)
	if err != nil {
		log.WithField("error", err).Debug("Failed to dial beacon")
		return fmt.Errorf("failed to connect to device with address %q: %w", l.addr, NormalizeError(err))
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			log.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return &beacon.Error{Reason: beacon.ReasonNotConnectedToReadWrite, Op: "discover", Err: NormalizeError(err)}
	}

	chars := l.transport.registers.resolve(profile)
	if len(chars) == 0 {
		_ = client.CancelConnection()
		return &beacon.Error{Reason: beacon.ReasonNotConnectedToReadWrite, Op: "discover", Msg: "no known registers on device"}
	}

	l.client = client
	l.chars = chars
	l.ctx, l.cancel = context.WithCancelCause(context.Background())

	for _, id := range []beacon.RegisterID{beacon.RegMotionState, beacon.RegTemperature} {
		c, ok := chars[id]
		if !ok || c.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
			continue
		}
		register := id
		indicate := c.Property&ble.CharNotify == 0
		err := client.Subscribe(c, indicate, func(data []byte) {
			payload := make([]byte, len(data))
			copy(payload, data)
			if l.onFrame != nil {
				l.onFrame(beacon.Frame{Register: register, Payload: payload})
			}
		})
		if err != nil {
			log.WithFields(logrus.Fields{
				"register": register,
				"error":    err,
			}).Warn("Failed to subscribe to notifications")
			continue
		}
		l.subscribed = append(l.subscribed, c)
	}

	// Monitor the client Disconnected() channel where the platform provides one
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-link-monitor", func(context.Context) {
			select {
			case <-dc.Disconnected():
				log.Warn("Peripheral reported disconnection")
				l.drop(&beacon.Error{Reason: beacon.ReasonDisconnected, Op: "link", Msg: "peripheral disconnected"})
			case <-l.ctx.Done():
			}
		})
	} else {
		log.Debug("Client does not support Disconnected() channel")
	}

	log.WithFields(logrus.Fields{
		"registers":  len(chars),
		"subscribed": len(l.subscribed),
	}).Info("Beacon link established")
	return nil
}

// Send implements beacon.Link
func (l *link) Send(ctx context.Context, req beacon.Request) (beacon.Response, error) {
	op := fmt.Sprintf("%s %s", req.Kind, req.Register)
	if l.ctx.Err() != nil {
		return beacon.Response{}, &beacon.Error{Reason: beacon.ReasonDisconnected, Op: op, Err: context.Cause(l.ctx)}
	}
	c, ok := l.chars[req.Register]
	if !ok {
		return beacon.Response{}, &beacon.Error{Reason: beacon.ReasonNotConnectedToReadWrite, Op: op, Msg: "register not available on device"}
	}

	type result struct {
		data []byte
		err  error
	}
	resultCh := make(chan result, 1)

	groutine.Go(ctx, "ble-gatt-request", func(context.Context) {
		l.writeMutex.Lock()
		defer l.writeMutex.Unlock()
		switch req.Kind {
		case beacon.OpRead:
			data, err := l.client.ReadCharacteristic(c)
			resultCh <- result{data: data, err: err}
		default:
			err := l.client.WriteCharacteristic(c, req.Payload, false)
			resultCh <- result{data: req.Payload, err: err}
		}
	})

	select {
	case r := <-resultCh:
		if r.err != nil {
			err := NormalizeError(r.err)
			if beacon.IsReason(err, beacon.ReasonDisconnected) {
				l.drop(err)
			}
			return beacon.Response{}, fmt.Errorf("%s: %w", op, err)
		}
		return beacon.Response{Register: req.Register, Payload: r.data}, nil
	case <-ctx.Done():
		return beacon.Response{}, ctx.Err()
	case <-l.ctx.Done():
		return beacon.Response{}, &beacon.Error{Reason: beacon.ReasonDisconnected, Op: op, Err: context.Cause(l.ctx)}
	}
}

// Done implements beacon.Link
func (l *link) Done() <-chan struct{} {
	return l.ctx.Done()
}

// Err implements beacon.Link. It is nil after a local Close.
func (l *link) Err() error {
	l.closeMu.Lock()
	closed := l.closed
	l.closeMu.Unlock()
	if closed {
		return nil
	}
	if l.ctx.Err() == nil {
		return nil
	}
	return context.Cause(l.ctx)
}

func (l *link) drop(cause error) {
	l.cancel(cause)
	l.transport.open.Del(l.addr)
}

// Close implements beacon.Link
func (l *link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closeMu.Lock()
		l.closed = l.ctx.Err() == nil
		l.closeMu.Unlock()

		for _, c := range l.subscribed {
			indicate := c.Property&ble.CharNotify == 0
			if uerr := l.client.Unsubscribe(c, indicate); uerr != nil {
				l.logger.WithField("error", uerr).Debug("Failed to unsubscribe during close")
			}
		}
		err = l.client.CancelConnection()
		l.cancel(nil)
		l.transport.open.Del(l.addr)
		l.logger.WithField("address", l.addr).Info("Beacon link closed")
	})
	return err
}
