package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/beaconctl/internal/beacon"
	"github.com/srg/beaconctl/internal/firmware"
	"github.com/srg/beaconctl/internal/journal"
)

// firmwareCmd groups the firmware subcommands
var firmwareCmd = &cobra.Command{
	Use:   "firmware",
	Short: "Check for and install beacon firmware",
}

var firmwareCheckCmd = &cobra.Command{
	Use:   "check <beacon>",
	Short: "Check whether newer firmware is available",
	Long: fmt.Sprintf(`Reads the installed hardware and firmware versions and looks up the newest
release for that hardware in the firmware catalog directory.

Examples:
  beaconctl firmware check %s --catalog ./firmware

%s`, exampleBeaconMAC, beaconIdentifierNote),
	Args: cobra.ExactArgs(1),
	RunE: runFirmwareCheck,
}

var firmwareUpdateCmd = &cobra.Command{
	Use:   "update <beacon>",
	Short: "Install firmware on a beacon",
	Long: fmt.Sprintf(`Transfers a firmware image, verifies its checksum on the beacon and reboots it.
The image is either taken from the catalog (newest release for the beacon's
hardware) or given explicitly with --image.

The update holds the connection exclusively; press Ctrl+C to abort. An
interrupted update restarts from the beginning.

Examples:
  # Install the newest catalog release
  beaconctl firmware update %s --catalog ./firmware

  # Install a specific image
  beaconctl firmware update %s --image beacon-4.13.2.bin --hardware D3.4 --version 4.13.2

%s`, exampleBeaconMAC, exampleBeaconMAC, beaconIdentifierNote),
	Args: cobra.ExactArgs(1),
	RunE: runFirmwareUpdate,
}

var (
	firmwareCatalogDir string
	firmwareImagePath  string
	firmwareHardware   string
	firmwareVersion    string
	firmwareForce      bool
)

func init() {
	firmwareCmd.PersistentFlags().StringVar(&firmwareCatalogDir, "catalog", "", "Firmware catalog directory containing "+firmware.ManifestFile+" (overrides config)")
	firmwareUpdateCmd.Flags().StringVar(&firmwareImagePath, "image", "", "Firmware image file to install instead of the catalog release")
	firmwareUpdateCmd.Flags().StringVar(&firmwareHardware, "hardware", "", "Hardware revision the image targets (checked before transfer)")
	firmwareUpdateCmd.Flags().StringVar(&firmwareVersion, "version", "", "Firmware version of the image")
	firmwareUpdateCmd.Flags().BoolVar(&firmwareForce, "force", false, "Install even if the installed firmware is not older")

	firmwareCmd.AddCommand(firmwareCheckCmd)
	firmwareCmd.AddCommand(firmwareUpdateCmd)
}

// firmwareCatalog returns the configured catalog, or nil when none is set
func (s *session) firmwareCatalog() firmware.Catalog {
	dir := firmwareCatalogDir
	if dir == "" {
		dir = s.cfg.Firmware.CatalogDir
	}
	if dir == "" {
		return nil
	}
	return &firmware.DirCatalog{Dir: dir, Logger: s.logger}
}

func (s *session) newEngine() *firmware.Engine {
	return firmware.NewEngine(s.conn, s.firmwareCatalog(),
		firmware.WithChunkSize(s.cfg.Firmware.ChunkSize),
		firmware.WithSegmentSize(s.cfg.Firmware.SegmentSize),
		firmware.WithLogger(s.logger),
	)
}

func runFirmwareCheck(cmd *cobra.Command, args []string) error {
	s, err := prepareSession(cmd, args[0])
	if err != nil {
		return err
	}
	if s.firmwareCatalog() == nil {
		return fmt.Errorf("no firmware catalog: pass --catalog or set firmware.catalog_dir in the config")
	}
	cmd.SilenceUsage = true
	if err := s.connect(cmd.Context()); err != nil {
		return err
	}
	defer s.close()

	info, err := s.newEngine().CheckForUpdate(cmd.Context())
	if err != nil {
		return err
	}
	printUpdateInfo(s, info)
	return nil
}

func printUpdateInfo(s *session, info firmware.UpdateInfo) {
	fmt.Fprintf(s.out, "Hardware:  %s\n", info.HardwareVersion)
	fmt.Fprintf(s.out, "Installed: %s\n", info.InstalledVersion)
	if !info.Available {
		fmt.Fprintln(s.out, color.GreenString("Firmware is up to date"))
		return
	}
	fmt.Fprintf(s.out, "Available: %s\n", color.YellowString(info.FirmwareVersion))
	if info.Changelog != "" {
		fmt.Fprintf(s.out, "\n%s\n", info.Changelog)
	}
}

// explicitImage loads --image, or returns nil when it was not given
func explicitImage() (*firmware.Image, error) {
	if firmwareImagePath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(firmwareImagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read firmware image: %w", err)
	}
	if len(data) == 0 {
		return nil, &beacon.Error{Reason: beacon.ReasonValidationFailed, Op: "firmware update", Msg: fmt.Sprintf("image %s is empty", firmwareImagePath)}
	}
	return &firmware.Image{
		HardwareVersion: firmwareHardware,
		FirmwareVersion: firmwareVersion,
		Data:            data,
	}, nil
}

func runFirmwareUpdate(cmd *cobra.Command, args []string) error {
	img, err := explicitImage()
	if err != nil {
		return err
	}
	s, err := prepareSession(cmd, args[0])
	if err != nil {
		return err
	}
	if img == nil && s.firmwareCatalog() == nil {
		return fmt.Errorf("nothing to install: pass --image, --catalog or set firmware.catalog_dir in the config")
	}
	cmd.SilenceUsage = true

	ctx := cmd.Context()
	if err := s.connect(ctx); err != nil {
		return err
	}
	defer s.close()

	engine := s.newEngine()
	if img == nil {
		info, err := engine.CheckForUpdate(ctx)
		if err != nil {
			return err
		}
		printUpdateInfo(s, info)
		if !info.Available && !firmwareForce {
			return nil
		}
		if info.Image == nil {
			return fmt.Errorf("catalog has no image for hardware %s", info.HardwareVersion)
		}
		img = info.Image
	}

	return s.performUpdate(ctx, engine, img)
}

func (s *session) performUpdate(ctx context.Context, engine *firmware.Engine, img *firmware.Image) error {
	label := "Updating firmware"
	if img.FirmwareVersion != "" {
		label = fmt.Sprintf("Updating firmware to %s", img.FirmwareVersion)
	}
	progress := NewProgressPrinter(s.status, label, firmware.StageCheckVersion.String())
	progress.Start()

	err := engine.PerformUpdate(ctx, img, func(p firmware.Progress) {
		progress.SetPercent(p.Percent)
		progress.SetPhase(p.Stage.String())
		s.journal.Append(journal.Record{Kind: journal.KindFirmware, Message: p.Description})
	})
	progress.Stop()
	if s.logger.IsLevelEnabled(logrus.DebugLevel) {
		s.printJournal()
	}

	if err != nil {
		if sess, ok := engine.Session(); ok {
			s.logger.WithField("offset", sess.Offset).Debug("Firmware update stopped")
		}
		return err
	}
	fmt.Fprintln(s.out, color.GreenString("Firmware update complete; the beacon is rebooting"))
	return nil
}
