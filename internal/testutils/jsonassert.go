package testutils

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/mcuadros/go-defaults"
	"github.com/srg/trvd/internal/trv"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// PresencePlaceholder in an expected document matches any actual value.
const PresencePlaceholder = "<<PRESENCE>>"

func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// JSONAssertOptions control how loosely actual JSON is matched.
type JSONAssertOptions struct {
	IgnoreExtraKeys          bool     `default:"true"`
	NilToEmptyArray          bool     `default:"true"`
	AllowPresencePlaceholder bool     `default:"true"`
	IgnoredFields            []string `default:""`
	IgnoreArrayOrder         bool     `default:"false"`
}

// Option is a functional option for configuring JSONAsserter
type Option func(*JSONAssertOptions)

// JSONAsserter compares reports, API responses and CLI output as JSON.
type JSONAsserter struct {
	t       *testing.T
	options JSONAssertOptions
}

func NewJSONAsserter(t *testing.T) *JSONAsserter {
	opts := JSONAssertOptions{}
	defaults.SetDefaults(&opts)
	return &JSONAsserter{t: t, options: opts}
}

func (ja *JSONAsserter) WithOptions(opts ...Option) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

// GetOptions returns a copy of the current options (for testing)
func (ja *JSONAsserter) GetOptions() JSONAssertOptions {
	return ja.options
}

// Assert compares actualJSON against expectedJSON
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) {
	if diff := ja.diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
	}
}

// AssertReport compares a published report against expectedJSON
func (ja *JSONAsserter) AssertReport(report trv.Report, expectedJSON string) {
	ja.Assert(report.String(), expectedJSON)
}

func (ja *JSONAsserter) diff(actualJSON, expectedJSON string) string {
	var expected, actual any
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff only compares objects at the root
	if _, ok := expected.([]any); ok {
		if _, ok := actual.([]any); ok {
			expected = map[string]any{"array": expected}
			actual = map[string]any{"array": actual}
		}
	}

	// ignored fields go first so they never take part in the sort key
	ja.strip(expected)
	ja.strip(actual)
	if ja.options.IgnoreArrayOrder {
		sortArrays(expected)
		sortArrays(actual)
	}
	ja.align(expected, actual)

	expectedBytes, _ := json.Marshal(expected)
	actualBytes, _ := json.Marshal(actual)
	d, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !d.Modified() {
		return ""
	}
	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	out, _ := f.Format(d)
	return out
}

// strip removes ignored fields at every depth.
func (ja *JSONAsserter) strip(v any) {
	switch x := v.(type) {
	case map[string]any:
		for _, field := range ja.options.IgnoredFields {
			delete(x, field)
		}
		for _, child := range x {
			ja.strip(child)
		}
	case []any:
		for _, child := range x {
			ja.strip(child)
		}
	}
}

// align walks both documents together, resolving placeholders, null arrays
// and extra keys in place.
func (ja *JSONAsserter) align(expected, actual any) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return
		}
		for k, ev := range exp {
			av, present := act[k]
			switch {
			case ja.options.AllowPresencePlaceholder && ev == PresencePlaceholder:
				if present {
					exp[k] = av
				}
			case ja.options.NilToEmptyArray && nullOrEmpty(ev) && nullOrEmpty(av) && present:
				exp[k], act[k] = []any{}, []any{}
			default:
				ja.align(ev, av)
			}
		}
		if ja.options.IgnoreExtraKeys {
			for k := range act {
				if _, want := exp[k]; !want {
					delete(act, k)
				}
			}
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return
		}
		for i := range min(len(exp), len(act)) {
			switch {
			case ja.options.AllowPresencePlaceholder && exp[i] == PresencePlaceholder:
				exp[i] = act[i]
			case ja.options.NilToEmptyArray && nullOrEmpty(exp[i]) && nullOrEmpty(act[i]):
				exp[i], act[i] = []any{}, []any{}
			default:
				ja.align(exp[i], act[i])
			}
		}
	}
}

// nullOrEmpty is true for JSON null and [].
func nullOrEmpty(v any) bool {
	if v == nil {
		return true
	}
	arr, ok := v.([]any)
	return ok && len(arr) == 0
}

// sortArrays orders every array by the JSON text of its elements.
func sortArrays(v any) {
	switch x := v.(type) {
	case map[string]any:
		for _, child := range x {
			sortArrays(child)
		}
	case []any:
		for _, child := range x {
			sortArrays(child)
		}
		slices.SortFunc(x, func(a, b any) int {
			return strings.Compare(MustJSON(a), MustJSON(b))
		})
	}
}

// WithIgnoreExtraKeys sets whether to ignore extra keys in actual JSON
func WithIgnoreExtraKeys(ignore bool) Option {
	return func(opts *JSONAssertOptions) { opts.IgnoreExtraKeys = ignore }
}

// WithNilToEmptyArray treats null and [] as equal
func WithNilToEmptyArray(normalize bool) Option {
	return func(opts *JSONAssertOptions) { opts.NilToEmptyArray = normalize }
}

// WithAllowPresencePlaceholder enables PresencePlaceholder in expected documents
func WithAllowPresencePlaceholder(allow bool) Option {
	return func(opts *JSONAssertOptions) { opts.AllowPresencePlaceholder = allow }
}

// WithIgnoredFields drops the named keys at every depth on both sides
func WithIgnoredFields(fields ...string) Option {
	return func(opts *JSONAssertOptions) { opts.IgnoredFields = fields }
}

// WithIgnoreArrayOrder sets whether to ignore array element order during comparison
func WithIgnoreArrayOrder(ignore bool) Option {
	return func(opts *JSONAssertOptions) { opts.IgnoreArrayOrder = ignore }
}
