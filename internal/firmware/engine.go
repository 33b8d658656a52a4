package firmware

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/beaconctl/internal/beacon"
)

// Stage is a step of the update session
type Stage int

const (
	StageCheckVersion Stage = iota + 1
	StageTransferring
	StageVerifying
	StageRebooting
	StageDone
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageCheckVersion:
		return "check_version"
	case StageTransferring:
		return "transferring"
	case StageVerifying:
		return "verifying"
	case StageRebooting:
		return "rebooting"
	case StageDone:
		return "done"
	case StageFailed:
		return "failed"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Terminal reports whether no further stage follows
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

// UpdateInfo is the outcome of CheckForUpdate
type UpdateInfo struct {
	Available        bool
	HardwareVersion  string
	FirmwareVersion  string // version offered by the catalog
	InstalledVersion string
	Changelog        string
	Image            *Image // newest catalog release for the hardware, even if not newer
}

// Progress is reported after every stage change and every acknowledged chunk.
// Percent never decreases and reaches 100 only once the update succeeded.
type Progress struct {
	Percent     int
	Stage       Stage
	Description string
	Offset      int
	Total       int
}

// Session is a snapshot of the current or most recent update
type Session struct {
	Stage     Stage
	Offset    int
	Total     int
	ChunkSize int
	Err       error
}

// Device is the connection the engine drives. *beacon.Connection implements it.
type Device interface {
	beacon.Submitter
	Acquire(ctx context.Context) (*beacon.Lease, error)
}

// Option configures an Engine
type Option func(*Engine)

// WithChunkSize sets the number of bytes acknowledged per chunk, at most MaxChunkSize
func WithChunkSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.chunkSize = min(n, MaxChunkSize)
		}
	}
}

// WithSegmentSize sets the largest single register write
func WithSegmentSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.segmentSize = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Engine performs staged firmware updates over a Device
type Engine struct {
	dev         Device
	catalog     Catalog
	logger      *logrus.Logger
	chunkSize   int
	segmentSize int

	mu      sync.Mutex
	session *Session
	running bool
	cancel  context.CancelCauseFunc
}

// NewEngine creates an engine. catalog may be nil if CheckForUpdate is not used.
func NewEngine(dev Device, catalog Catalog, opts ...Option) *Engine {
	e := &Engine{
		dev:         dev,
		catalog:     catalog,
		logger:      logrus.New(),
		chunkSize:   DefaultChunkSize,
		segmentSize: DefaultSegmentSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CheckForUpdate reads the installed versions and asks the catalog for a newer image
func (e *Engine) CheckForUpdate(ctx context.Context) (UpdateInfo, error) {
	if e.catalog == nil {
		return UpdateInfo{}, fmt.Errorf("no firmware catalog configured")
	}
	hw, err := beacon.Read(ctx, e.dev, beacon.HardwareVersion)
	if err != nil {
		return UpdateInfo{}, fmt.Errorf("failed to read hardware version: %w", err)
	}
	fw, err := beacon.Read(ctx, e.dev, beacon.FirmwareVersion)
	if err != nil {
		return UpdateInfo{}, fmt.Errorf("failed to read firmware version: %w", err)
	}

	info := UpdateInfo{HardwareVersion: hw, InstalledVersion: fw, FirmwareVersion: fw}
	img, err := e.catalog.Latest(ctx, hw)
	if err != nil {
		return info, fmt.Errorf("failed to query firmware catalog: %w", err)
	}
	if img != nil {
		info.Image = img
		if CompareVersions(img.FirmwareVersion, fw) > 0 {
			info.Available = true
			info.FirmwareVersion = img.FirmwareVersion
			info.Changelog = img.Changelog
		}
	}

	e.logger.WithFields(logrus.Fields{
		"hardware":  hw,
		"installed": fw,
		"available": info.Available,
		"offered":   info.FirmwareVersion,
	}).Info("Firmware update check finished")
	return info, nil
}

// Session returns the current or most recent update session
func (e *Engine) Session() (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return Session{}, false
	}
	return *e.session, true
}

// Abort cancels a running update. The outstanding operation resolves with
// ReasonCancelled and the session ends Failed(Cancelled). Safe to call at any time.
func (e *Engine) Abort() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel(&beacon.Error{Reason: beacon.ReasonCancelled, Op: "firmware update", Msg: "aborted"})
	}
}

// PerformUpdate transfers img and reboots the beacon. onProgress may be nil.
// The link is held exclusively for the whole session. Nothing is resumed:
// calling again restarts from offset 0.
func (e *Engine) PerformUpdate(ctx context.Context, img *Image, onProgress func(Progress)) error {
	if img == nil || len(img.Data) == 0 {
		return &beacon.Error{Reason: beacon.ReasonValidationFailed, Op: "firmware update", Msg: "image is empty"}
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return &beacon.Error{Reason: beacon.ReasonUpdateInProgress, Op: "firmware update", Msg: "an update is already running"}
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	e.running = true
	e.cancel = cancel
	e.session = &Session{Stage: StageCheckVersion, Total: len(img.Data), ChunkSize: e.chunkSize}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.cancel = nil
		e.mu.Unlock()
		cancel(nil)
	}()

	r := &run{
		engine:     e,
		img:        img,
		onProgress: onProgress,
		log: e.logger.WithFields(logrus.Fields{
			"hardware": img.HardwareVersion,
			"firmware": img.FirmwareVersion,
			"bytes":    len(img.Data),
		}),
	}
	err := r.execute(runCtx)
	if err != nil {
		r.fail(err)
		return err
	}
	return nil
}

// run is the state of one PerformUpdate call
type run struct {
	engine     *Engine
	img        *Image
	onProgress func(Progress)
	log        *logrus.Entry
	lease      *beacon.Lease
	percent    int
}

func (r *run) execute(ctx context.Context) error {
	r.enter(StageCheckVersion, "Checking installed version")
	lease, err := r.engine.dev.Acquire(ctx)
	if err != nil {
		return r.stageError(StageCheckVersion, err)
	}
	r.lease = lease
	defer lease.Release()

	if err := r.checkVersion(ctx); err != nil {
		return err
	}
	if err := r.transfer(ctx); err != nil {
		return err
	}
	if err := r.verify(ctx); err != nil {
		return err
	}
	if err := r.reboot(ctx); err != nil {
		return err
	}

	r.update(func(s *Session) { s.Stage = StageDone })
	r.report(StageDone, 100, "Firmware update complete")
	r.log.Info("Firmware update complete")
	return nil
}

func (r *run) checkVersion(ctx context.Context) error {
	hw, err := beacon.Read(ctx, r.lease, beacon.HardwareVersion)
	if err != nil {
		return r.stageError(StageCheckVersion, err)
	}
	if r.img.HardwareVersion != "" && !strings.EqualFold(strings.TrimSpace(hw), strings.TrimSpace(r.img.HardwareVersion)) {
		return &beacon.Error{
			Reason: beacon.ReasonVersionMismatch,
			Op:     "firmware " + StageCheckVersion.String(),
			Msg:    fmt.Sprintf("image targets hardware %s, device is %s", r.img.HardwareVersion, hw),
		}
	}
	fw, err := beacon.Read(ctx, r.lease, beacon.FirmwareVersion)
	if err != nil {
		return r.stageError(StageCheckVersion, err)
	}
	r.log.WithFields(logrus.Fields{
		"device_hardware": hw,
		"installed":       fw,
	}).Debug("Installed version checked")
	return nil
}

func (r *run) transfer(ctx context.Context) error {
	total := len(r.img.Data)
	chunkSize := r.engine.chunkSize
	r.update(func(s *Session) { s.Stage = StageTransferring })
	r.report(StageTransferring, 0, "Starting transfer")

	if _, err := beacon.Write(ctx, r.lease, beacon.FirmwareControl, beginCommand(total, r.img.Checksum())); err != nil {
		return r.stageError(StageTransferring, err)
	}

	offset := 0
	for offset < total {
		chunk := r.img.Data[offset:min(offset+chunkSize, total)]

		if _, err := beacon.Write(ctx, r.lease, beacon.FirmwareControl, chunkHeader(offset, len(chunk))); err != nil {
			return r.stageError(StageTransferring, err)
		}
		for _, seg := range segments(chunk, r.engine.segmentSize) {
			if _, err := beacon.Write(ctx, r.lease, beacon.FirmwareData, seg); err != nil {
				return r.stageError(StageTransferring, err)
			}
		}

		ack, err := beacon.Read(ctx, r.lease, beacon.FirmwareOffset)
		if err != nil {
			return r.stageError(StageTransferring, err)
		}
		expected := offset + len(chunk)
		if int(ack) != expected {
			return &beacon.Error{
				Reason: beacon.ReasonTransferFailed,
				Op:     "firmware " + StageTransferring.String(),
				Msg:    fmt.Sprintf("device acknowledged offset %d, expected %d", ack, expected),
			}
		}

		offset = expected
		r.update(func(s *Session) { s.Offset = offset })
		r.report(StageTransferring, offset*100/total, fmt.Sprintf("Transferred %d of %d bytes", offset, total))
	}
	return nil
}

func (r *run) verify(ctx context.Context) error {
	r.update(func(s *Session) { s.Stage = StageVerifying })
	r.report(StageVerifying, r.percent, "Verifying image")

	got, err := beacon.Read(ctx, r.lease, beacon.FirmwareChecksum)
	if err != nil {
		return r.stageError(StageVerifying, err)
	}
	if want := r.img.Checksum(); got != want {
		return &beacon.Error{
			Reason: beacon.ReasonChecksumMismatch,
			Op:     "firmware " + StageVerifying.String(),
			Msg:    fmt.Sprintf("device checksum %08x, image checksum %08x", got, want),
		}
	}
	return nil
}

func (r *run) reboot(ctx context.Context) error {
	r.update(func(s *Session) { s.Stage = StageRebooting })
	r.report(StageRebooting, r.percent, "Rebooting beacon")

	if _, err := beacon.Write(ctx, r.lease, beacon.FirmwareControl, rebootCommand()); err != nil {
		return r.stageError(StageRebooting, err)
	}
	return nil
}

func (r *run) enter(stage Stage, description string) {
	r.update(func(s *Session) { s.Stage = stage })
	r.report(stage, 0, description)
}

func (r *run) update(fn func(*Session)) {
	r.engine.mu.Lock()
	fn(r.engine.session)
	r.engine.mu.Unlock()
}

// report emits progress; percent is held below 100 until the update is done
func (r *run) report(stage Stage, percent int, description string) {
	if stage != StageDone {
		percent = min(percent, 99)
	}
	percent = max(percent, r.percent)
	r.percent = percent

	session, _ := r.engine.Session()
	r.log.WithFields(logrus.Fields{
		"stage":   stage.String(),
		"percent": percent,
		"offset":  session.Offset,
	}).Debug(description)

	if r.onProgress != nil {
		r.onProgress(Progress{
			Percent:     percent,
			Stage:       stage,
			Description: description,
			Offset:      session.Offset,
			Total:       session.Total,
		})
	}
}

func (r *run) fail(err error) {
	r.update(func(s *Session) {
		s.Stage = StageFailed
		s.Err = err
	})
	r.log.WithField("error", err).Error("Firmware update failed")
	r.report(StageFailed, r.percent, fmt.Sprintf("Update failed: %s", beacon.ReasonOf(err)))
}

// stageError tags an operation failure with the stage it happened in, keeping its reason
func (r *run) stageError(stage Stage, err error) error {
	return &beacon.Error{Reason: beacon.ReasonOf(err), Op: "firmware " + stage.String(), Err: err}
}
