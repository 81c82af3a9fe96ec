// Package report holds the audit report value and its typed views.
//
// A Report is kept as a generic JSON object rather than a struct: the model
// may add keys beyond the documented ones, and every key is part of the
// anchored bytes. Typed access (Name, Pragma, Findings) is read-only.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	errs "github.com/exploopio/audit-anchor/pkg/errors"
	"github.com/exploopio/audit-anchor/pkg/shared/severity"
)

// Well-known report keys.
const (
	KeyName            = "name"
	KeyPragma          = "pragma"
	KeyVulnerabilities = "vulnerabilities"
)

// Report is a JSON object produced by the analyzer.
// Reports are values: nothing in this module mutates one after extraction.
type Report map[string]any

// Finding is one entry of the report's vulnerabilities list.
type Finding struct {
	Category    string         `json:"category"`
	Severity    severity.Level `json:"severity"`
	Explanation string         `json:"explanation"`
}

// Summary counts findings by severity. It mirrors the optional severity
// fields a registration record can carry.
type Summary struct {
	severity.CountBySeverity
	Highest severity.Level `json:"highest"`
}

// Parse decodes exactly one JSON object into a Report, keeping numbers as json.Number
// so integers and floats survive canonicalization unchanged.
func Parse(data []byte) (Report, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var r Report
	if err := dec.Decode(&r); err != nil {
		return nil, err
	}
	// Anything but whitespace after the object is an error, stray
	// closing brackets included.
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after JSON object")
	}
	if r == nil {
		return nil, fmt.Errorf("JSON value is not an object")
	}
	return r, nil
}

// Name returns the contract name, or "" when missing.
func (r Report) Name() string {
	s, _ := r[KeyName].(string)
	return s
}

// Pragma returns the compiler version constraint, or "" when missing.
func (r Report) Pragma() string {
	s, _ := r[KeyPragma].(string)
	return s
}

// Findings returns the typed view of the vulnerabilities list. Entries that
// are not objects are skipped; unknown severities map to severity.Unknown.
func (r Report) Findings() []Finding {
	raw, _ := r[KeyVulnerabilities].([]any)
	out := make([]Finding, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		f := Finding{}
		f.Category, _ = m["category"].(string)
		f.Explanation, _ = m["explanation"].(string)
		if s, ok := m["severity"].(string); ok {
			f.Severity = severity.FromString(s)
		} else {
			f.Severity = severity.Unknown
		}
		out = append(out, f)
	}
	return out
}

// Validate checks the documented shape: a name, a pragma and a
// vulnerabilities list whose severities come from the fixed scale.
// It never modifies the report.
func (r Report) Validate() error {
	var problems []string
	if r.Name() == "" {
		problems = append(problems, "missing name")
	}
	if r.Pragma() == "" {
		problems = append(problems, "missing pragma")
	}

	raw, ok := r[KeyVulnerabilities].([]any)
	if !ok {
		problems = append(problems, "vulnerabilities is not a list")
	}
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			problems = append(problems, fmt.Sprintf("vulnerabilities[%d] is not an object", i))
			continue
		}
		s, _ := m["severity"].(string)
		if _, err := severity.Parse(s); err != nil {
			problems = append(problems, fmt.Sprintf("vulnerabilities[%d]: %v", i, err))
		}
	}

	if len(problems) > 0 {
		return errs.E(errs.KindInvalidInput, "report.Validate", strings.Join(problems, "; "))
	}
	return nil
}

// Summarize counts the report's findings by severity.
func (r Report) Summarize() Summary {
	var s Summary
	for _, f := range r.Findings() {
		s.Increment(f.Severity)
	}
	s.Highest = s.HighestSeverity()
	return s
}
