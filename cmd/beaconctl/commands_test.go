package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/srg/beaconctl/internal/beacon"
	"github.com/srg/beaconctl/internal/firmware"
	"github.com/srg/beaconctl/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type CommandsTestSuite struct {
	CommandTestSuite
}

func TestCommandsTestSuite(t *testing.T) {
	suite.Run(t, new(CommandsTestSuite))
}

func (s *CommandsTestSuite) TestRegistersListsCatalog() {
	out, err := s.ExecuteCommand("registers")
	s.Require().NoError(err)

	lines := strings.Split(strings.TrimRight(testutils.NewOutputAsserter(s.T()).Normalize(out), "\n"), "\n")
	s.Require().Len(lines, beacon.DefaultCatalog().Len()+1)
	s.Equal([]string{"REGISTER", "ACCESS", "DESCRIPTION"}, strings.Fields(lines[0]))

	rows := map[string][]string{}
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		rows[fields[0]] = fields[1:]
	}
	s.Equal("r", rows["battery_level"][0])
	s.Equal("rw", rows["adv_interval"][0])
	s.Equal("Advertising interval in milliseconds", strings.Join(rows["adv_interval"][1:], " "))
	s.NotContains(rows, "fw_data")
}

func (s *CommandsTestSuite) TestReadRegisters() {
	// GOAL: Verify read prints each requested register in order
	//
	// TEST SCENARIO: read major,minor,temperature → three formatted lines → link closed afterwards

	out, err := s.ExecuteCommand("read", testutils.TestBeaconMAC, "major,minor,temperature")
	s.Require().NoError(err)

	expected := fmt.Sprintf("%-26s %s\n%-26s %s\n%-26s %s\n",
		"major:", "1000",
		"minor:", "42",
		"temperature:", "22.98")
	testutils.NewOutputAsserter(s.T()).Assert(withoutProgress(out), expected)

	s.Require().Len(s.Transport.Links(), 1)
	s.True(s.Transport.Link().Closed(), "command MUST disconnect when done")
}

func (s *CommandsTestSuite) TestReadContinuesAfterRegisterError() {
	out, err := s.ExecuteCommand("read", testutils.TestBeaconMAC, "motion_proximity_uuid,major")
	s.ErrorIs(err, beacon.ErrNotConnectedToReadWrite)
	s.Contains(out, "<error: not_connected_to_read_write>")
	s.Contains(out, "1000", "registers after a failed one MUST still be read")
}

func (s *CommandsTestSuite) TestReadJSON() {
	// GOAL: Verify --json prints one parseable document with values and per-register failures
	//
	// TEST SCENARIO: read three registers, one unavailable → registers and errors objects

	out, err := s.ExecuteCommand("read", testutils.TestBeaconMAC, "major,motion_proximity_uuid,power", "--json")
	s.ErrorIs(err, beacon.ErrNotConnectedToReadWrite)

	testutils.NewJSONAsserter(s.T()).Assert(withoutProgress(out), `{
		"beacon": "<<ANY>>",
		"registers": {"major": "1000", "power": "-4"},
		"errors": {"motion_proximity_uuid": "not_connected_to_read_write"}
	}`)
	s.Contains(out, `"major": "1000",`+"\n"+`    "power": "-4"`, "registers MUST keep the requested order")

	_, err = s.ExecuteCommand("read", testutils.TestBeaconMAC, "temperature", "--json", "--watch")
	s.ErrorContains(err, "--json cannot be combined with --watch")
}

func (s *CommandsTestSuite) TestReadRejectsBadArgumentsBeforeConnecting() {
	_, err := s.ExecuteCommand("read", testutils.TestBeaconMAC, "majr")
	s.ErrorContains(err, `unknown register "majr"`)

	_, err = s.ExecuteCommand("read", testutils.TestBeaconMAC, "major,minor", "--watch")
	s.ErrorContains(err, "watch mode requires a single register")

	_, err = s.ExecuteCommand("read", "not-a-beacon", "major")
	s.ErrorIs(err, beacon.ErrIdentifierMissing)

	s.Empty(s.Transport.Opens())
}

func (s *CommandsTestSuite) TestWriteRegister() {
	out, err := s.ExecuteCommand("write", testutils.TestBeaconMAC, "adv-interval", "500")
	s.Require().NoError(err)
	testutils.NewOutputAsserter(s.T()).Assert(withoutProgress(out), "adv_interval: 500\n")

	stored, _ := s.Transport.Register(beacon.RegAdvInterval)
	s.Equal([]byte{0xf4, 0x01}, stored)
}

func (s *CommandsTestSuite) TestWriteValidatesBeforeConnecting() {
	// GOAL: Verify invalid values never cause a connection
	//
	// TEST SCENARIO: write adv_interval 50 → ValidationFailed → transport never opened

	_, err := s.ExecuteCommand("write", testutils.TestBeaconMAC, "adv_interval", "50")
	s.ErrorIs(err, beacon.ErrValidationFailed)

	_, err = s.ExecuteCommand("write", testutils.TestBeaconMAC, "battery_level", "10")
	s.ErrorIs(err, beacon.ErrValidationFailed)

	s.Empty(s.Transport.Opens())
}

func (s *CommandsTestSuite) TestConnectGivesUpAfterRetries() {
	failure := &beacon.Error{Reason: beacon.ReasonNotConnectedToReadWrite, Msg: "out of range"}
	s.Transport.WithScript(
		testutils.OpenStep{Err: failure},
		testutils.OpenStep{Err: failure},
		testutils.OpenStep{Err: failure},
	)

	_, err := s.ExecuteCommand("read", testutils.TestBeaconMAC, "major")
	s.ErrorIs(err, beacon.ErrNotConnectedToReadWrite)
	s.Len(s.Transport.Opens(), 3)
	s.Contains(FormatUserError(err), "hint: move closer to the beacon")
}

func (s *CommandsTestSuite) TestConnectStreamsEvents() {
	// GOAL: Verify connect prints the summary and relays sensor notifications
	//
	// TEST SCENARIO: connect for 400ms → device emits motion → output has summary and motion event

	transport := s.Transport
	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if l := transport.Link(); l != nil {
				time.Sleep(50 * time.Millisecond)
				l.Emit(beacon.RegMotionState, []byte{1})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	out, err := s.ExecuteCommand("connect", testutils.TestBeaconMAC, "--duration", "400ms", "--poll", "50ms")
	s.Require().NoError(err)

	out = testutils.NewOutputAsserter(s.T()).Normalize(out)
	s.Contains(out, fmt.Sprintf("%-20s %s", "Name:", "lobby"))
	s.Contains(out, fmt.Sprintf("%-20s %s", "Battery level:", "87"))
	s.Contains(out, "motion moving")
	s.Contains(testutils.MaskTimestamps(out), "<ts>  connected")
}

func (s *CommandsTestSuite) TestConnectReportsLostLink() {
	transport := s.Transport
	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if l := transport.Link(); l != nil {
				time.Sleep(100 * time.Millisecond)
				l.Drop(nil)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	_, err := s.ExecuteCommand("connect", testutils.TestBeaconMAC, "--duration", "3s")
	s.ErrorIs(err, ErrConnectionLost)
	s.ErrorIs(err, beacon.ErrDisconnected)
	s.NotContains(FormatUserError(err), "hint:")
}

func (s *CommandsTestSuite) TestFirmwareUpdateFromImage() {
	device := testutils.NewFirmwareDevice()
	s.Transport.WithFirmware(device)

	image := make([]byte, 600)
	for i := range image {
		image[i] = byte(i)
	}
	path := filepath.Join(s.T().TempDir(), "beacon.bin")
	s.Require().NoError(os.WriteFile(path, image, 0o644))

	out, err := s.ExecuteCommand("firmware", "update", testutils.TestBeaconMAC,
		"--image", path, "--hardware", "D3.4", "--version", "4.13.2")
	s.Require().NoError(err)

	out = testutils.NewOutputAsserter(s.T()).Normalize(out)
	s.Contains(out, "Updating firmware to 4.13.2: done (100%)")
	s.Contains(out, "Firmware update complete")
	s.True(device.Rebooted())
	s.Equal(image, device.Image())
}

func (s *CommandsTestSuite) TestFirmwareUpdateWrongHardware() {
	device := testutils.NewFirmwareDevice()
	s.Transport.WithFirmware(device)

	path := filepath.Join(s.T().TempDir(), "beacon.bin")
	s.Require().NoError(os.WriteFile(path, []byte{1, 2, 3}, 0o644))

	_, err := s.ExecuteCommand("firmware", "update", testutils.TestBeaconMAC, "--image", path, "--hardware", "F1.0")
	s.ErrorIs(err, beacon.ErrVersionMismatch)
	s.False(device.Begun())
}

func (s *CommandsTestSuite) TestFirmwareCheckAgainstCatalog() {
	dir := s.T().TempDir()
	manifest := "releases:\n  - hardware: D3.4\n    firmware: 4.13.2\n    changelog: Faster motion wake-up\n    file: d34.bin\n"
	s.Require().NoError(os.WriteFile(filepath.Join(dir, firmware.ManifestFile), []byte(manifest), 0o644))
	s.Require().NoError(os.WriteFile(filepath.Join(dir, "d34.bin"), []byte{0xaa}, 0o644))

	out, err := s.ExecuteCommand("firmware", "check", testutils.TestBeaconMAC, "--catalog", dir)
	s.Require().NoError(err)

	expected := "Hardware:  D3.4\nInstalled: 4.9.4\nAvailable: 4.13.2\n\nFaster motion wake-up\n"
	testutils.NewOutputAsserter(s.T()).Assert(withoutProgress(out), expected)
}

func (s *CommandsTestSuite) TestFirmwareUpdateForceReinstalls() {
	// GOAL: Verify --force installs the catalog release even when it is not newer
	//
	// TEST SCENARIO: catalog offers the installed 4.9.4 → plain update is a no-op → --force transfers and reboots

	device := testutils.NewFirmwareDevice()
	s.Transport.WithFirmware(device)

	image := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02}
	dir := s.T().TempDir()
	manifest := "releases:\n  - hardware: D3.4\n    firmware: 4.9.4\n    file: d34.bin\n"
	s.Require().NoError(os.WriteFile(filepath.Join(dir, firmware.ManifestFile), []byte(manifest), 0o644))
	s.Require().NoError(os.WriteFile(filepath.Join(dir, "d34.bin"), image, 0o644))

	out, err := s.ExecuteCommand("firmware", "update", testutils.TestBeaconMAC, "--catalog", dir)
	s.Require().NoError(err)
	s.Contains(out, "Firmware is up to date")
	s.False(device.Begun(), "an up-to-date beacon MUST NOT be flashed without --force")

	out, err = s.ExecuteCommand("firmware", "update", testutils.TestBeaconMAC, "--catalog", dir, "--force")
	s.Require().NoError(err)
	s.Contains(out, "Firmware update complete")
	s.True(device.Rebooted())
	s.Equal(image, device.Image())
}

func (s *CommandsTestSuite) TestFirmwareNeedsSource() {
	_, err := s.ExecuteCommand("firmware", "update", testutils.TestBeaconMAC)
	s.ErrorContains(err, "nothing to install")

	_, err = s.ExecuteCommand("firmware", "check", testutils.TestBeaconMAC)
	s.ErrorContains(err, "no firmware catalog")

	s.Empty(s.Transport.Opens())
}

func (s *CommandsTestSuite) TestConfigFileIsApplied() {
	path := filepath.Join(s.T().TempDir(), "beaconctl.yaml")
	s.Require().NoError(os.WriteFile(path, []byte("log_level: error\nconnect:\n  attempts: 1\n"), 0o644))

	s.Transport.WithScript(testutils.OpenStep{Err: beacon.ErrTimeout})
	_, err := s.ExecuteCommand("read", testutils.TestBeaconMAC, "major", "--config", path)
	s.Error(err)
	s.Len(s.Transport.Opens(), 1)

	_, err = s.ExecuteCommand("read", testutils.TestBeaconMAC, "major", "--config", filepath.Join(s.T().TempDir(), "missing.yaml"))
	s.ErrorContains(err, "failed to read config")
}
