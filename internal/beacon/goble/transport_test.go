package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/beaconctl/internal/beacon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockCentral implements Central for testing
type MockCentral struct {
	mock.Mock
}

func (m *MockCentral) Scan(ctx context.Context, allowDup bool, handler func(Advert)) error {
	args := m.Called(ctx, allowDup, handler)
	return args.Error(0)
}

func (m *MockCentral) Dial(ctx context.Context, addr string) (GATTClient, error) {
	args := m.Called(ctx, addr)
	client, _ := args.Get(0).(GATTClient)
	return client, args.Error(1)
}

// MockClient implements GATTClient for testing
type MockClient struct {
	mock.Mock
}

func (m *MockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	profile, _ := args.Get(0).(*ble.Profile)
	return profile, args.Error(1)
}

func (m *MockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	args := m.Called(c, value, noRsp)
	return args.Error(0)
}

func (m *MockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	args := m.Called(c, ind, h)
	return args.Error(0)
}

func (m *MockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	args := m.Called(c, ind)
	return args.Error(0)
}

func (m *MockClient) CancelConnection() error {
	args := m.Called()
	return args.Error(0)
}

// MockDisconnectingClient also exposes the Disconnected() channel of go-ble clients
type MockDisconnectingClient struct {
	MockClient
	disconnected chan struct{}
}

func (m *MockDisconnectingClient) Disconnected() <-chan struct{} {
	return m.disconnected
}

const testAddr = "d0:4f:7e:00:00:01"

// testProfile exposes major, minor and a notifying motion_state characteristic
type testProfile struct {
	profile *ble.Profile
	major   *ble.Characteristic
	motion  *ble.Characteristic
}

func newTestProfile() testProfile {
	regs := DefaultRegisterMap()
	major := &ble.Characteristic{UUID: ble.MustParse(regs[beacon.RegMajor].Characteristic), Property: ble.CharRead | ble.CharWrite}
	minor := &ble.Characteristic{UUID: ble.MustParse(regs[beacon.RegMinor].Characteristic), Property: ble.CharRead | ble.CharWrite}
	motion := &ble.Characteristic{UUID: ble.MustParse(regs[beacon.RegMotionState].Characteristic), Property: ble.CharRead | ble.CharNotify}

	return testProfile{
		profile: &ble.Profile{Services: []*ble.Service{
			{UUID: ble.MustParse(regs[beacon.RegMajor].Service), Characteristics: []*ble.Characteristic{major, minor}},
			{UUID: ble.MustParse(regs[beacon.RegMotionState].Service), Characteristics: []*ble.Characteristic{motion}},
		}},
		major:  major,
		motion: motion,
	}
}

// useCentral points DeviceFactory at central for the duration of the test
func useCentral(t *testing.T, central Central) {
	t.Helper()
	original := DeviceFactory
	DeviceFactory = func() (Central, error) { return central, nil }
	t.Cleanup(func() { DeviceFactory = original })
}

func newTestTransport() *Transport {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return NewTransport(Config{Logger: logger, ScanTimeout: 200 * time.Millisecond})
}

func macID(t *testing.T) beacon.Identifier {
	id, err := beacon.MACIdentifier(testAddr)
	require.NoError(t, err)
	return id
}

func TestOpenSendAndClose(t *testing.T) {
	// GOAL: Verify a link discovers registers, subscribes to sensors and serves reads and writes
	//
	// TEST SCENARIO: open by MAC → read major → write major → motion notification → close

	p := newTestProfile()
	client := &MockClient{}
	central := &MockCentral{}
	useCentral(t, central)

	var notify ble.NotificationHandler
	central.On("Dial", mock.Anything, testAddr).Return(client, nil)
	client.On("DiscoverProfile", true).Return(p.profile, nil)
	client.On("Subscribe", p.motion, false, mock.Anything).Run(func(args mock.Arguments) {
		notify = args.Get(2).(ble.NotificationHandler)
	}).Return(nil)
	client.On("ReadCharacteristic", p.major).Return([]byte{0xe8, 0x03}, nil)
	client.On("WriteCharacteristic", p.major, []byte{0x01, 0x00}, false).Return(nil)
	client.On("Unsubscribe", p.motion, false).Return(nil)
	client.On("CancelConnection").Return(nil)

	var (
		mu     sync.Mutex
		frames []beacon.Frame
	)
	transport := newTestTransport()
	l, err := transport.Open(context.Background(), macID(t), func(f beacon.Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, 1, transport.OpenLinks())

	resp, err := l.Send(context.Background(), beacon.Request{Kind: beacon.OpRead, Register: beacon.RegMajor})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xe8, 0x03}, resp.Payload)

	resp, err = l.Send(context.Background(), beacon.Request{Kind: beacon.OpWrite, Register: beacon.RegMajor, Payload: []byte{0x01, 0x00}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x00}, resp.Payload)

	_, err = l.Send(context.Background(), beacon.Request{Kind: beacon.OpRead, Register: beacon.RegTemperature})
	assert.ErrorIs(t, err, beacon.ErrNotConnectedToReadWrite)

	require.NotNil(t, notify)
	notify([]byte{1})
	mu.Lock()
	require.Len(t, frames, 1)
	assert.Equal(t, beacon.Frame{Register: beacon.RegMotionState, Payload: []byte{1}}, frames[0])
	mu.Unlock()

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	<-l.Done()
	assert.NoError(t, l.Err(), "a local close is not a drop")
	assert.Zero(t, transport.OpenLinks())

	_, err = l.Send(context.Background(), beacon.Request{Kind: beacon.OpRead, Register: beacon.RegMajor})
	assert.Error(t, err)

	client.AssertNumberOfCalls(t, "CancelConnection", 1)
	client.AssertExpectations(t)
}

func TestOpenRejectsSecondLinkToSameDevice(t *testing.T) {
	p := newTestProfile()
	client := &MockClient{}
	central := &MockCentral{}
	useCentral(t, central)

	central.On("Dial", mock.Anything, testAddr).Return(client, nil)
	client.On("DiscoverProfile", true).Return(p.profile, nil)
	client.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	client.On("Unsubscribe", mock.Anything, mock.Anything).Return(nil)
	client.On("CancelConnection").Return(nil)

	transport := newTestTransport()
	l, err := transport.Open(context.Background(), macID(t), nil)
	require.NoError(t, err)
	defer l.Close()

	_, err = transport.Open(context.Background(), macID(t), nil)
	assert.ErrorIs(t, err, beacon.ErrAlreadyConnected)
	central.AssertNumberOfCalls(t, "Dial", 1)
}

func TestOpenFailures(t *testing.T) {
	t.Run("dial error is normalized", func(t *testing.T) {
		central := &MockCentral{}
		useCentral(t, central)
		central.On("Dial", mock.Anything, testAddr).Return(nil, errors.New("connection timed out"))

		transport := newTestTransport()
		_, err := transport.Open(context.Background(), macID(t), nil)
		assert.ErrorIs(t, err, beacon.ErrTimeout)
		assert.Zero(t, transport.OpenLinks(), "a failed open MUST release the address")
	})

	t.Run("profile without known registers", func(t *testing.T) {
		client := &MockClient{}
		central := &MockCentral{}
		useCentral(t, central)
		central.On("Dial", mock.Anything, testAddr).Return(client, nil)
		client.On("DiscoverProfile", true).Return(&ble.Profile{}, nil)
		client.On("CancelConnection").Return(nil)

		_, err := newTestTransport().Open(context.Background(), macID(t), nil)
		assert.ErrorIs(t, err, beacon.ErrNotConnectedToReadWrite)
		client.AssertCalled(t, "CancelConnection")
	})

	t.Run("missing identifier", func(t *testing.T) {
		central := &MockCentral{}
		useCentral(t, central)

		_, err := newTestTransport().Open(context.Background(), beacon.Identifier{}, nil)
		assert.ErrorIs(t, err, beacon.ErrIdentifierMissing)
		central.AssertNotCalled(t, "Dial", mock.Anything, mock.Anything)
	})

	t.Run("radio unavailable", func(t *testing.T) {
		original := DeviceFactory
		DeviceFactory = func() (Central, error) {
			return nil, errors.New("central manager has invalid state: have=4 want=5")
		}
		t.Cleanup(func() { DeviceFactory = original })

		_, err := newTestTransport().Open(context.Background(), macID(t), nil)
		assert.ErrorIs(t, err, beacon.ErrInternetConnectivity)
	})
}

func TestOpenByProximityScansForAddress(t *testing.T) {
	p := newTestProfile()
	client := &MockClient{}
	central := &MockCentral{}
	useCentral(t, central)

	central.On("Scan", mock.Anything, false, mock.Anything).Run(func(args mock.Arguments) {
		handler := args.Get(2).(func(Advert))
		handler(Advert{Addr: "aa:aa:aa:aa:aa:aa", ManufacturerData: iBeaconData(estimoteUUID, 1000, 41, -59)})
		handler(Advert{Addr: testAddr, ManufacturerData: iBeaconData(estimoteUUID, 1000, 42, -59)})
	}).Return(nil)
	central.On("Dial", mock.Anything, testAddr).Return(client, nil)
	client.On("DiscoverProfile", true).Return(p.profile, nil)
	client.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	client.On("Unsubscribe", mock.Anything, mock.Anything).Return(nil)
	client.On("CancelConnection").Return(nil)

	id, err := beacon.ParseIdentifier("b9407f30-f5f8-466e-aff9-25556b57fe6d:1000:42")
	require.NoError(t, err)

	l, err := newTestTransport().Open(context.Background(), id, nil)
	require.NoError(t, err)
	defer l.Close()
	central.AssertCalled(t, "Dial", mock.Anything, testAddr)
}

func TestProximityScanTimesOut(t *testing.T) {
	central := &MockCentral{}
	useCentral(t, central)
	central.On("Scan", mock.Anything, false, mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(context.DeadlineExceeded)

	id, err := beacon.ParseIdentifier("b9407f30-f5f8-466e-aff9-25556b57fe6d:1000:42")
	require.NoError(t, err)

	_, err = newTestTransport().Open(context.Background(), id, nil)
	assert.ErrorIs(t, err, beacon.ErrTimeout)
	central.AssertNotCalled(t, "Dial", mock.Anything, mock.Anything)
}

func TestPeripheralDisconnectDropsLink(t *testing.T) {
	// GOAL: Verify a platform disconnect notification ends the link with Disconnected
	//
	// TEST SCENARIO: client closes Disconnected() → Done closes → Err is Disconnected → address released

	p := newTestProfile()
	client := &MockDisconnectingClient{disconnected: make(chan struct{})}
	central := &MockCentral{}
	useCentral(t, central)

	central.On("Dial", mock.Anything, testAddr).Return(client, nil)
	client.On("DiscoverProfile", true).Return(p.profile, nil)
	client.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	transport := newTestTransport()
	l, err := transport.Open(context.Background(), macID(t), nil)
	require.NoError(t, err)

	close(client.disconnected)

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("link MUST end when the peripheral disconnects")
	}
	assert.ErrorIs(t, l.Err(), beacon.ErrDisconnected)
	assert.Eventually(t, func() bool { return transport.OpenLinks() == 0 }, time.Second, 5*time.Millisecond)

	_, err = l.Send(context.Background(), beacon.Request{Kind: beacon.OpRead, Register: beacon.RegMajor})
	assert.ErrorIs(t, err, beacon.ErrDisconnected)
}

func TestSendErrorDropsLinkOnDisconnect(t *testing.T) {
	p := newTestProfile()
	client := &MockClient{}
	central := &MockCentral{}
	useCentral(t, central)

	central.On("Dial", mock.Anything, testAddr).Return(client, nil)
	client.On("DiscoverProfile", true).Return(p.profile, nil)
	client.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	client.On("ReadCharacteristic", p.major).Return(nil, errors.New("device not connected"))

	l, err := newTestTransport().Open(context.Background(), macID(t), nil)
	require.NoError(t, err)

	_, err = l.Send(context.Background(), beacon.Request{Kind: beacon.OpRead, Register: beacon.RegMajor})
	assert.ErrorIs(t, err, beacon.ErrDisconnected)

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("link MUST end after a disconnect error")
	}
}
