package report

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exploopio/audit-anchor/pkg/canonical"
	errs "github.com/exploopio/audit-anchor/pkg/errors"
	"github.com/exploopio/audit-anchor/pkg/shared/severity"
)

const exampleJSON = `{"name":"Foo.sol","pragma":"^0.8.0","vulnerabilities":[{"category":"reentrancy","severity":"high","explanation":"..."}]}`

func TestExtract(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		wantErr bool
	}{
		{"bare object", exampleJSON, false},
		{"fenced", "Here is the report:\n```json\n" + exampleJSON + "\n```\nDone.", false},
		{"no brace", "I could not analyze this contract.", true},
		{"no closing brace", `{"name": "Foo.sol"`, true},
		{"closing before opening", `} nothing {`, true},
		{"two objects", `{"a":1} and {"b":2}`, true},
		{"array", `[{"a":1}]`, false},
		{"invalid json", `{"name": Foo.sol}`, true},
		{"stray closing brace", `{"a":1}}`, true},
		{"object after bracket", `here: {"a":1} ] {"b":2}}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Extract(tt.output)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errs.IsModelOutputError(err), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, r)
		})
	}
}

func TestExtract_PreservesNumbers(t *testing.T) {
	r, err := Extract(`{"score": 10, "ratio": 1.50}`)
	require.NoError(t, err)
	assert.Equal(t, json.Number("10"), r["score"])

	b, err := canonical.Marshal(r)
	require.NoError(t, err)
	assert.Equal(t, `{"ratio":1.5,"score":10}`, string(b))
}

func TestReport_TypedView(t *testing.T) {
	r, err := Parse([]byte(exampleJSON))
	require.NoError(t, err)

	assert.Equal(t, "Foo.sol", r.Name())
	assert.Equal(t, "^0.8.0", r.Pragma())
	require.Len(t, r.Findings(), 1)
	assert.Equal(t, Finding{Category: "reentrancy", Severity: severity.High, Explanation: "..."}, r.Findings()[0])
	assert.NoError(t, r.Validate())
}

func TestReport_Validate(t *testing.T) {
	r := Report{
		"vulnerabilities": []any{
			map[string]any{"category": "x", "severity": "informational"},
			"not an object",
		},
	}
	err := r.Validate()
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidInput, errs.GetKind(err))
	assert.Contains(t, err.Error(), "missing name")
	assert.Contains(t, err.Error(), "missing pragma")
	assert.Contains(t, err.Error(), "vulnerabilities[0]")
	assert.Contains(t, err.Error(), "vulnerabilities[1] is not an object")
}

func TestReport_Summarize(t *testing.T) {
	r := Report{
		"vulnerabilities": []any{
			map[string]any{"severity": "high"},
			map[string]any{"severity": "critical"},
			map[string]any{"severity": "LOW"},
			map[string]any{"severity": "info"},
			map[string]any{},
		},
	}
	s := r.Summarize()
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 1, s.Critical)
	assert.Equal(t, 1, s.High)
	assert.Equal(t, 1, s.Low)
	assert.Equal(t, 2, s.Unknown)
	assert.Equal(t, severity.Critical, s.Highest)
}

func TestParse_AllowsTrailingWhitespace(t *testing.T) {
	r, err := Parse([]byte("{\"a\":1}\n\t "))
	require.NoError(t, err)
	assert.Equal(t, json.Number("1"), r["a"])
}

func TestParse_Rejects(t *testing.T) {
	for _, in := range []string{
		`null`, `[1]`, `{"a":1} {"b":2}`, `{`,
		`{"a":1}}`, `{"a":1}]`, `{"a":1} ] {"b":2}}`, `{"a":1} x`,
	} {
		_, err := Parse([]byte(in))
		assert.Error(t, err, in)
	}
}
