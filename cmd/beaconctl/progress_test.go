package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgressPrinterLineMode(t *testing.T) {
	// GOAL: Verify non-terminal output gets one line per distinct phase
	//
	// TEST SCENARIO: phases with repeats and percentages → repeats collapsed → nothing after Stop

	var buf bytes.Buffer
	p := NewProgressPrinter(&buf, "Updating firmware", "check_version")
	p.Start()
	p.SetPhase("check_version")
	p.SetPercent(40)
	p.SetPhase("transferring")
	p.SetPhase("transferring")
	p.SetPercent(250)
	p.SetPhase("done")
	p.Stop()
	p.Stop()
	p.SetPhase("late")

	assert.Equal(t,
		"Updating firmware: check_version\n"+
			"Updating firmware: transferring (40%)\n"+
			"Updating firmware: done (100%)\n",
		buf.String())
}

func TestProgressPrinterStartTwicePanics(t *testing.T) {
	p := NewProgressPrinter(&bytes.Buffer{}, "x", "y")
	p.Start()
	defer p.Stop()
	assert.Panics(t, p.Start)
}
