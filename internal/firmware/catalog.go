package firmware

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Image is a firmware build together with the versions it declares
type Image struct {
	HardwareVersion string
	FirmwareVersion string
	Changelog       string
	Data            []byte
}

// Checksum returns the CRC-32 of the image data
func (img *Image) Checksum() uint32 {
	return Checksum(img.Data)
}

// Catalog supplies the newest image available for a hardware revision.
// Latest returns a nil image when nothing is published.
type Catalog interface {
	Latest(ctx context.Context, hardwareVersion string) (*Image, error)
}

// StaticCatalog serves a fixed set of images
type StaticCatalog []*Image

// Latest implements Catalog
func (c StaticCatalog) Latest(_ context.Context, hardwareVersion string) (*Image, error) {
	var best *Image
	for _, img := range c {
		if !strings.EqualFold(img.HardwareVersion, hardwareVersion) {
			continue
		}
		if best == nil || CompareVersions(img.FirmwareVersion, best.FirmwareVersion) > 0 {
			best = img
		}
	}
	return best, nil
}

// ManifestFile is the name of the release manifest inside a DirCatalog
const ManifestFile = "manifest.yaml"

// Manifest lists the releases stored next to it
type Manifest struct {
	Releases []Release `yaml:"releases"`
}

// Release is one manifest entry. File is relative to the manifest directory.
type Release struct {
	Hardware  string `yaml:"hardware"`
	Firmware  string `yaml:"firmware"`
	Changelog string `yaml:"changelog"`
	File      string `yaml:"file"`
}

// DirCatalog reads releases from a directory holding manifest.yaml and the image files
type DirCatalog struct {
	Dir    string
	Logger *logrus.Logger
}

// LoadManifest parses the manifest of the catalog directory
func (c *DirCatalog) LoadManifest() (*Manifest, error) {
	path := filepath.Join(c.Dir, ManifestFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read firmware manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to parse firmware manifest %s: %w", path, err)
	}
	for i, r := range m.Releases {
		if r.Hardware == "" || r.Firmware == "" || r.File == "" {
			return nil, fmt.Errorf("firmware manifest %s: release %d needs hardware, firmware and file", path, i)
		}
	}
	return &m, nil
}

// Latest implements Catalog. Only the selected image file is read.
func (c *DirCatalog) Latest(ctx context.Context, hardwareVersion string) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := c.LoadManifest()
	if err != nil {
		return nil, err
	}

	var best *Release
	for i := range m.Releases {
		r := &m.Releases[i]
		if !strings.EqualFold(r.Hardware, hardwareVersion) {
			continue
		}
		if best == nil || CompareVersions(r.Firmware, best.Firmware) > 0 {
			best = r
		}
	}
	if best == nil {
		if c.Logger != nil {
			c.Logger.WithField("hardware", hardwareVersion).Debug("No firmware release for hardware revision")
		}
		return nil, nil
	}

	data, err := os.ReadFile(filepath.Join(c.Dir, best.File))
	if err != nil {
		return nil, fmt.Errorf("failed to read firmware image %s: %w", best.File, err)
	}
	if c.Logger != nil {
		c.Logger.WithFields(logrus.Fields{
			"hardware": best.Hardware,
			"firmware": best.Firmware,
			"bytes":    len(data),
		}).Debug("Selected firmware release")
	}
	return &Image{
		HardwareVersion: best.Hardware,
		FirmwareVersion: best.Firmware,
		Changelog:       best.Changelog,
		Data:            data,
	}, nil
}
