package testutils

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/beaconctl/internal/beacon"
	"github.com/stretchr/testify/suite"
)

// TestBeaconMAC is the address of the simulated beacon
const TestBeaconMAC = "D0:4F:7E:00:00:01"

// DefaultRegisters is the register file of the simulated beacon
func DefaultRegisters() map[beacon.RegisterID][]byte {
	return map[beacon.RegisterID][]byte{
		beacon.RegProximityUUID:        {0xb9, 0x40, 0x7f, 0x30, 0xf5, 0xf8, 0x46, 0x6e, 0xaf, 0xf9, 0x25, 0x55, 0x6b, 0x57, 0xfe, 0x6d},
		beacon.RegMajor:                {0xe8, 0x03}, // 1000
		beacon.RegMinor:                {0x2a, 0x00}, // 42
		beacon.RegPower:                {0xfc},       // -4 dBm
		beacon.RegAdvInterval:          {0xc8, 0x00}, // 200 ms
		beacon.RegName:                 []byte("lobby"),
		beacon.RegHardwareVersion:      []byte("D3.4"),
		beacon.RegFirmwareVersion:      []byte("4.9.4"),
		beacon.RegBatteryLevel:         {87},
		beacon.RegRemainingLifetime:    {0x6d, 0x01, 0x00, 0x00}, // 365 days
		beacon.RegBasicPowerMode:       {0},
		beacon.RegSmartPowerMode:       {1},
		beacon.RegSecureUUID:           {0},
		beacon.RegMotionDetection:      {1},
		beacon.RegMotionUUID:           {0},
		beacon.RegConditionalBroadcast: {0},
		beacon.RegTemperature:          {0xfa, 0x08}, // 22.98 °C
		beacon.RegCalibratedTemp:       {0xd0, 0x07}, // 20.00 °C
		beacon.RegMotionState:          {0},
		beacon.RegAccelerometerCount:   {0x03, 0x00, 0x00, 0x00},
	}
}

// BeaconSuite provides a reusable test suite with a simulated beacon behind a
// FakeTransport. Suites embed it and call the parent SetupTest first.
//
//	type PipelineSuite struct {
//	    testutils.BeaconSuite
//	}
//
//	func (s *PipelineSuite) TestSomething() {
//	    conn := s.Connect()
//	    ...
//	}
type BeaconSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	Transport   *FakeTransport
	Identifier  beacon.Identifier
	TestTimeout time.Duration
}

// SetupSuite runs once before all tests in the suite
func (s *BeaconSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 5 * time.Second
}

// SetupTest creates a fresh simulated beacon before each test
func (s *BeaconSuite) SetupTest() {
	id, err := beacon.MACIdentifier(TestBeaconMAC)
	s.Require().NoError(err)
	s.Identifier = id
	s.Transport = NewFakeTransport(DefaultRegisters())
}

// Context returns a context bounded by TestTimeout
func (s *BeaconSuite) Context() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), s.TestTimeout)
	s.T().Cleanup(cancel)
	return ctx
}

// FastConnectOptions keeps retry tests short
func FastConnectOptions() beacon.ConnectOptions {
	return beacon.ConnectOptions{
		MaxAttempts:      3,
		AttemptTimeout:   200 * time.Millisecond,
		OperationTimeout: time.Second,
	}
}

// NewConnection creates an idle connection to the simulated beacon
func (s *BeaconSuite) NewConnection(opts ...beacon.Option) *beacon.Connection {
	opts = append([]beacon.Option{beacon.WithLogger(s.Logger)}, opts...)
	conn := beacon.NewConnection(s.Identifier, s.Transport, opts...)
	s.T().Cleanup(func() { _ = conn.Disconnect() })
	return conn
}

// Connect returns a connected connection; the test fails otherwise
func (s *BeaconSuite) Connect(opts ...beacon.Option) *beacon.Connection {
	conn := s.NewConnection(opts...)
	s.Require().NoError(conn.Connect(s.Context(), FastConnectOptions()), "connection MUST succeed")
	s.Require().Equal(beacon.PhaseConnected, conn.State().Phase)
	return conn
}
