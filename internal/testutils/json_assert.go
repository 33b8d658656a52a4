package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// AnyValue in expected JSON matches whatever the actual document holds at that key
const AnyValue = "<<ANY>>"

// JSONAssertOptions controls how documents are compared
type JSONAssertOptions struct {
	IgnoreExtraKeys bool     `default:"false"`
	AllowAnyValue   bool     `default:"true"`
	IgnoredFields   []string `default:""`
}

// JSONOption mutates JSONAssertOptions
type JSONOption func(*JSONAssertOptions)

// JSONAsserter compares JSON command output structurally and reports a
// gojsondiff delta on mismatch.
type JSONAsserter struct {
	t    TestingT
	opts JSONAssertOptions
}

// NewJSONAsserter creates an asserter with default options
func NewJSONAsserter(t TestingT, opts ...JSONOption) *JSONAsserter {
	o := JSONAssertOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return &JSONAsserter{t: t, opts: o}
}

// WithIgnoreExtraKeys drops keys the expected document does not mention
func WithIgnoreExtraKeys() JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = true }
}

// WithIgnoredFields removes the named keys at every level before comparing
func WithIgnoredFields(fields ...string) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoredFields = fields }
}

// Assert fails the test when the documents differ
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) bool {
	diff := ja.Diff(actualJSON, expectedJSON)
	if diff == "" {
		return true
	}
	ja.t.Errorf("JSON assertion failed:\n%s", diff)
	return false
}

// Diff returns a readable delta, "" when the documents match
func (ja *JSONAsserter) Diff(actualJSON, expectedJSON string) string {
	var expected, actual map[string]interface{}
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v\n%s", err, actualJSON)
	}

	if ja.opts.AllowAnyValue {
		fillAnyValues(expected, actual)
	}
	for _, field := range ja.opts.IgnoredFields {
		removeField(expected, field)
		removeField(actual, field)
	}
	if ja.opts.IgnoreExtraKeys {
		pruneExtraKeys(actual, expected)
	}

	diff := gojsondiff.New().CompareObjects(expected, actual)
	if !diff.Modified() {
		return ""
	}
	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	out, err := f.Format(diff)
	if err != nil {
		return fmt.Sprintf("JSON documents differ (formatting failed: %v)", err)
	}
	return out
}

// fillAnyValues copies actual values over AnyValue placeholders
func fillAnyValues(expected, actual interface{}) {
	switch exp := expected.(type) {
	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			return
		}
		for k, v := range exp {
			if s, ok := v.(string); ok && s == AnyValue {
				if av, present := act[k]; present {
					exp[k] = av
				}
				continue
			}
			fillAnyValues(v, act[k])
		}
	case []interface{}:
		act, ok := actual.([]interface{})
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				fillAnyValues(exp[i], act[i])
			}
		}
	}
}

func removeField(doc interface{}, field string) {
	switch v := doc.(type) {
	case map[string]interface{}:
		delete(v, field)
		for _, child := range v {
			removeField(child, field)
		}
	case []interface{}:
		for _, child := range v {
			removeField(child, field)
		}
	}
}

// pruneExtraKeys removes keys from actual that expected does not have
func pruneExtraKeys(actual, expected interface{}) {
	exp, ok := expected.(map[string]interface{})
	if !ok {
		return
	}
	act, ok := actual.(map[string]interface{})
	if !ok {
		return
	}
	for k := range act {
		if _, exists := exp[k]; !exists {
			delete(act, k)
		}
	}
	for k := range exp {
		pruneExtraKeys(act[k], exp[k])
	}
}
