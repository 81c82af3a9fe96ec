package report

import (
	"strings"

	errs "github.com/exploopio/audit-anchor/pkg/errors"
)

// Extract pulls the report object out of free-form model output.
//
// The contract is deliberately narrow: take the text from the first '{' to
// the last '}' and parse it as one JSON object. Anything else (no brace, no
// closing brace, invalid JSON, a non-object) is a model output error. This
// runs strictly before canonicalization and never repairs the text.
func Extract(output string) (Report, error) {
	const op = "report.Extract"

	start := strings.IndexByte(output, '{')
	if start == -1 {
		return nil, errs.E(errs.KindModelOutput, op, "model did not return JSON")
	}
	end := strings.LastIndexByte(output, '}')
	if end < start {
		return nil, errs.E(errs.KindModelOutput, op, "model output has no closing brace")
	}

	r, err := Parse([]byte(output[start : end+1]))
	if err != nil {
		return nil, errs.E(errs.KindModelOutput, op, "model output is not a JSON object", err)
	}
	return r, nil
}
