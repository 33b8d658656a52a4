package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/srg/beaconctl/internal/groutine"
	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
	progressBarWidth       = 24
)

// ProgressPrinter displays the current phase with elapsed time and, once a
// percentage is set, a progress bar.
//
// Usage:
//
//	p := NewProgressPrinter(os.Stdout, ...)
//	p.Start()
//	defer p.Stop()
//
// On a terminal the line is redrawn in place; otherwise every phase change is
// printed on its own line and no goroutine is started.
//
// A ProgressPrinter is single-use. Start may be called at most once, and Stop
// should be called exactly once. After Stop, the instance cannot be restarted.
type ProgressPrinter struct {
	out    io.Writer
	live   bool
	prefix string

	phase   atomic.Value // stores string - current phase name
	percent atomic.Int32 // -1 until SetPercent is called

	startTime time.Time
	ticker    atomic.Pointer[time.Ticker]
	stopChan  chan struct{}
	done      chan struct{} // closed when goroutine exits
	started   atomic.Bool   // ensures Start is called at most once
	stopped   atomic.Bool

	// serializes writes in line mode
	lineMu    sync.Mutex
	lastLine  string
	highlight *color.Color
}

// NewProgressPrinter creates a progress printer writing to out
func NewProgressPrinter(out io.Writer, prefix string, phase string) *ProgressPrinter {
	p := &ProgressPrinter{
		out:       out,
		live:      isTerminal(out),
		prefix:    prefix,
		highlight: color.New(color.FgCyan),
	}
	p.phase.Store(phase)
	p.percent.Store(-1)
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Start begins displaying progress updates.
// Panics if called more than once on the same ProgressPrinter instance.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}
	p.startTime = time.Now()

	if !p.live {
		p.printLine()
		return
	}

	p.done = make(chan struct{})
	p.stopChan = make(chan struct{})
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	fmt.Fprint(p.out, p.render())
	groutine.Go(context.Background(), "progress-printer", func(context.Context) {
		defer close(p.done)
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				fmt.Fprint(p.out, p.render())
			}
		}
	})
}

// SetPhase updates the phase name. Safe to call from multiple goroutines.
func (p *ProgressPrinter) SetPhase(phase string) {
	p.phase.Store(phase)
	if !p.live && p.started.Load() && !p.stopped.Load() {
		p.printLine()
	}
}

// SetPercent switches the printer to bar mode. Values are clamped to [0, 100].
func (p *ProgressPrinter) SetPercent(percent int) {
	p.percent.Store(int32(min(max(percent, 0), 100)))
}

func (p *ProgressPrinter) render() string {
	phase := p.phase.Load().(string)
	pct := int(p.percent.Load())
	if pct < 0 {
		seconds := int(time.Since(p.startTime).Seconds())
		if seconds > 0 {
			return fmt.Sprintf("%s%s (%s %ds)   ", clearLineSequence, p.prefix, phase, seconds)
		}
		return fmt.Sprintf("%s%s (%s...)   ", clearLineSequence, p.prefix, phase)
	}
	filled := pct * progressBarWidth / 100
	bar := strings.Repeat("#", filled) + strings.Repeat("-", progressBarWidth-filled)
	return fmt.Sprintf("%s%s [%s] %s (%s)   ", clearLineSequence, p.prefix, p.highlight.Sprint(bar), p.highlight.Sprintf("%3d%%", pct), phase)
}

// printLine writes the current phase as a plain line, skipping repeats
func (p *ProgressPrinter) printLine() {
	phase := p.phase.Load().(string)
	line := fmt.Sprintf("%s: %s", p.prefix, phase)
	if pct := p.percent.Load(); pct >= 0 {
		line = fmt.Sprintf("%s (%d%%)", line, pct)
	}

	p.lineMu.Lock()
	defer p.lineMu.Unlock()
	if line == p.lastLine {
		return
	}
	p.lastLine = line
	fmt.Fprintln(p.out, line)
}

// Stop stops the progress display and clears the line.
// This function is safe to call multiple times and from multiple goroutines.
func (p *ProgressPrinter) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return // line mode or never started
	}

	ticker.Stop()     // Stop ticker before signaling goroutine
	close(p.stopChan) // Wake up goroutine by closing the channel
	<-p.done          // Wait for the goroutine to finish

	fmt.Fprint(p.out, clearLineSequence)
}
