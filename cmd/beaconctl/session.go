package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/beaconctl/internal/beacon"
	"github.com/srg/beaconctl/internal/beacon/goble"
	"github.com/srg/beaconctl/internal/groutine"
	"github.com/srg/beaconctl/internal/journal"
	"github.com/srg/beaconctl/pkg/config"
)

// journalSize is the number of session events kept for printing
const journalSize uint32 = 256

// TransportFactory builds the radio transport used by commands (can be overridden in tests)
var TransportFactory = func(cfg *config.Config, logger *logrus.Logger) (beacon.Transport, error) {
	regs, err := cfg.RegisterMap()
	if err != nil {
		return nil, err
	}
	return goble.NewTransport(goble.Config{
		Registers:   regs,
		ScanTimeout: cfg.Connect.ScanTimeout,
		Logger:      logger,
	}), nil
}

// session is one connected beacon shared by the commands
type session struct {
	cfg     *config.Config
	logger  *logrus.Logger
	conn    *beacon.Connection
	journal *journal.Journal
	out     io.Writer
	status  io.Writer // progress lines
}

// loadConfig reads --config, falling back to defaults
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// prepareSession validates arguments and builds an unconnected session
func prepareSession(cmd *cobra.Command, rawID string) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}
	id, err := beacon.ParseIdentifier(rawID)
	if err != nil {
		return nil, err
	}
	transport, err := TransportFactory(cfg, logger)
	if err != nil {
		return nil, err
	}
	j, err := journal.New(journalSize)
	if err != nil {
		return nil, err
	}

	s := &session{
		cfg:     cfg,
		logger:  logger,
		journal: j,
		out:     cmd.OutOrStdout(),
		status:  cmd.ErrOrStderr(),
	}
	s.conn = beacon.NewConnection(id, transport,
		beacon.WithLogger(logger),
		beacon.WithObserver(j.Observer()),
		beacon.WithStateListener(j.StateListener()),
		beacon.WithMetadataResolver(cfg.MetadataResolver()),
	)
	s.conn.Router().Subscribe(j.SensorObserver())
	return s, nil
}

// connect runs the attempt loop with a progress line
func (s *session) connect(ctx context.Context) error {
	id := s.conn.Identifier()
	progress := NewProgressPrinter(s.status, fmt.Sprintf("Connecting to %s", id), "Connecting")
	progress.Start()
	defer progress.Stop()

	opts := s.cfg.ConnectOptions()
	var wg sync.WaitGroup
	stateDone := make(chan struct{})
	groutine.GoTracked(ctx, &wg, "connect-progress", func(context.Context) {
		s.trackAttempts(progress, opts.MaxAttempts, stateDone)
	})

	err := s.conn.Connect(ctx, opts)
	close(stateDone)
	wg.Wait()
	if err != nil {
		return err
	}
	progress.SetPhase("Connected")
	return nil
}

// trackAttempts mirrors the connection state into the progress line
func (s *session) trackAttempts(progress *ProgressPrinter, maxAttempts int, done <-chan struct{}) {
	ticker := time.NewTicker(progressUpdateInterval)
	defer ticker.Stop()
	last := 0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			st := s.conn.State()
			if st.Phase == beacon.PhaseConnecting && st.Attempt != last {
				last = st.Attempt
				progress.SetPhase(fmt.Sprintf("Attempt %d/%d", st.Attempt, maxAttempts))
			}
		}
	}
}

// openSession prepares and connects in one step
func openSession(cmd *cobra.Command, rawID string) (*session, error) {
	s, err := prepareSession(cmd, rawID)
	if err != nil {
		return nil, err
	}
	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	if err := s.connect(cmd.Context()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *session) close() {
	if err := s.conn.Disconnect(); err != nil {
		s.logger.WithField("error", err).Warn("Disconnect finished with errors")
	}
}

// describe prints the resolved beacon metadata, if any
func (s *session) describe() {
	md, ok := s.conn.Metadata()
	if !ok {
		return
	}
	c := color.New(color.Bold)
	if md.Color != "" {
		fmt.Fprintf(s.out, "%s (%s)\n", c.Sprint(md.Name), md.Color)
		return
	}
	fmt.Fprintln(s.out, c.Sprint(md.Name))
}

// printJournal writes buffered events
func (s *session) printJournal() {
	_, err := s.journal.Drain(func(r journal.Record) {
		fmt.Fprintln(s.out, formatRecord(r))
	})
	if err != nil {
		s.logger.WithField("error", err).Debug("Failed to drain event journal")
	}
}

func formatRecord(r journal.Record) string {
	ts := r.Time.Format("15:04:05.000")
	switch r.Kind {
	case journal.KindMotion:
		return fmt.Sprintf("%s  %s %s", ts, color.YellowString("motion"), r.Message)
	case journal.KindTemperature:
		return fmt.Sprintf("%s  %s %s", ts, color.CyanString("temperature"), r.Message)
	case journal.KindDropped, journal.KindAttemptFailed:
		return fmt.Sprintf("%s  %s %s: %v", ts, color.RedString(r.Kind.String()), r.Message, r.Err)
	case journal.KindConnected:
		return fmt.Sprintf("%s  %s", ts, color.GreenString(r.Message))
	default:
		return fmt.Sprintf("%s  %s %s", ts, r.Kind, r.Message)
	}
}
