package main

import (
	"bytes"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/beaconctl/internal/beacon"
	"github.com/srg/beaconctl/internal/testutils"
	"github.com/srg/beaconctl/pkg/config"
)

// CommandTestSuite runs beaconctl commands against the simulated beacon.
// All cmd/beaconctl test suites should embed this.
type CommandTestSuite struct {
	testutils.BeaconSuite
	originalFactory func(*config.Config, *logrus.Logger) (beacon.Transport, error)
}

// SetupTest points the commands at a fresh simulated beacon and resets flags
func (s *CommandTestSuite) SetupTest() {
	s.BeaconSuite.SetupTest()

	s.originalFactory = TransportFactory
	TransportFactory = func(*config.Config, *logrus.Logger) (beacon.Transport, error) {
		return s.Transport, nil
	}

	// Reset flags before each test for proper isolation
	readWatch = ""
	readJSON = false
	connectDuration = 0
	connectPoll = 200 * time.Millisecond
	firmwareCatalogDir = ""
	firmwareImagePath = ""
	firmwareHardware = ""
	firmwareVersion = ""
	firmwareForce = false
	s.Require().NoError(rootCmd.PersistentFlags().Set("log-level", ""))
	s.Require().NoError(rootCmd.PersistentFlags().Set("verbose", "false"))
	s.Require().NoError(rootCmd.PersistentFlags().Set("config", ""))
}

// TearDownTest restores the radio transport factory
func (s *CommandTestSuite) TearDownTest() {
	TransportFactory = s.originalFactory
}

// ExecuteCommand runs beaconctl with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(s.Context())
	return buf.String(), err
}

// withoutProgress drops the connection progress lines from command output
func withoutProgress(out string) string {
	var kept []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "Connecting to ") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
