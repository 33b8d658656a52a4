package testutils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the subset of testing.T used by OutputAsserter
type TestingT interface {
	Errorf(format string, args ...interface{})
}

// OutputOptions controls how command output is normalized before comparison
type OutputOptions struct {
	StripANSI          bool `default:"true"`
	KeepProgressLines  bool `default:"false"`
	TrimTrailingSpaces bool `default:"true"`
	IgnoreEmptyLines   bool `default:"false"`
	ColorDiff          bool `default:"false"`
}

// OutputOption mutates OutputOptions
type OutputOption func(*OutputOptions)

var (
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)
	// 15:04:05.000 event timestamps
	timestampPattern = regexp.MustCompile(`\b\d{2}:\d{2}:\d{2}\.\d{3}\b`)
)

// OutputAsserter compares CLI output against an expected transcript and
// reports a unified diff on mismatch.
type OutputAsserter struct {
	t    TestingT
	opts OutputOptions
}

// NewOutputAsserter creates an asserter with default options
func NewOutputAsserter(t TestingT, opts ...OutputOption) *OutputAsserter {
	o := OutputOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return &OutputAsserter{t: t, opts: o}
}

// Assert fails the test when actual differs from expected after normalization
func (a *OutputAsserter) Assert(actual, expected string) bool {
	diff := a.Diff(actual, expected)
	if diff == "" {
		return true
	}
	a.t.Errorf("Output mismatch - unified diff:\n%s", diff)
	return false
}

// Diff returns the unified diff between expected and actual, "" when equal
func (a *OutputAsserter) Diff(actual, expected string) string {
	na := a.Normalize(actual)
	ne := a.Normalize(expected)
	if na == ne {
		return ""
	}
	edits := myers.ComputeEdits("", ne, na)
	unified := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", ne, edits))
	if !a.opts.ColorDiff {
		return unified
	}
	return colorize(unified)
}

// Normalize applies the configured transformations to text
func (a *OutputAsserter) Normalize(text string) string {
	if a.opts.StripANSI {
		text = ansiPattern.ReplaceAllString(text, "")
	}
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if !a.opts.KeepProgressLines && strings.Contains(line, "\r") {
			// keep what was drawn last on the line
			parts := strings.Split(line, "\r")
			line = parts[len(parts)-1]
		}
		if a.opts.TrimTrailingSpaces {
			line = strings.TrimRight(line, " \t")
		}
		if a.opts.IgnoreEmptyLines && line == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// MaskTimestamps replaces event timestamps with "<ts>"
func MaskTimestamps(text string) string {
	return timestampPattern.ReplaceAllString(text, "<ts>")
}

func colorize(diff string) string {
	red := color.New(color.FgRed)
	red.EnableColor()
	green := color.New(color.FgGreen)
	green.EnableColor()
	cyan := color.New(color.FgCyan)
	cyan.EnableColor()

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "@@"):
			lines[i] = cyan.Sprint(line)
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			lines[i] = red.Sprint(line)
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			lines[i] = green.Sprint(line)
		}
	}
	return strings.Join(lines, "\n")
}

// WithIgnoreEmptyLines drops blank lines before comparing
func WithIgnoreEmptyLines() OutputOption {
	return func(o *OutputOptions) { o.IgnoreEmptyLines = true }
}

// WithKeepANSI compares escape sequences literally
func WithKeepANSI() OutputOption {
	return func(o *OutputOptions) { o.StripANSI = false }
}

// WithColorDiff colorizes the reported diff
func WithColorDiff() OutputOption {
	return func(o *OutputOptions) { o.ColorDiff = true }
}
