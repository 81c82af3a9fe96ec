// Package severity defines the ordered severity scale used by audit findings.
//
// The scale is closed: low < medium < high < critical. Anything else is
// Unknown and is never silently promoted to one of the four levels.
package severity

import (
	"fmt"
	"strings"
)

// Level represents a severity level for an audit finding.
type Level string

const (
	// Critical - Funds at immediate risk or contract trivially exploitable.
	Critical Level = "critical"

	// High - Serious vulnerability that should be fixed before deployment.
	High Level = "high"

	// Medium - Exploitable under specific conditions.
	Medium Level = "medium"

	// Low - Minor issue or best-practice deviation.
	Low Level = "low"

	// Unknown - Severity could not be determined.
	Unknown Level = "unknown"
)

// String returns the string representation of the severity level.
func (l Level) String() string {
	return string(l)
}

// Priority returns the numeric priority of the severity level.
// Higher numbers = higher priority.
func (l Level) Priority() int {
	switch l {
	case Critical:
		return 4
	case High:
		return 3
	case Medium:
		return 2
	case Low:
		return 1
	default:
		return 0
	}
}

// IsValid reports whether l is one of the four defined levels.
func (l Level) IsValid() bool {
	return l.Priority() > 0
}

// FromString normalizes common spellings to a Level.
// Case and surrounding whitespace are ignored; unrecognized input is Unknown.
func FromString(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL", "CRIT":
		return Critical
	case "HIGH":
		return High
	case "MEDIUM", "MED", "MODERATE":
		return Medium
	case "LOW":
		return Low
	default:
		return Unknown
	}
}

// Parse is the strict form of FromString.
func Parse(s string) (Level, error) {
	l := FromString(s)
	if !l.IsValid() {
		return Unknown, fmt.Errorf("unknown severity %q", s)
	}
	return l, nil
}

// CountBySeverity counts findings by severity level.
type CountBySeverity struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Unknown  int `json:"unknown"`
	Total    int `json:"total"`
}

// Increment increases the count for the given severity.
func (c *CountBySeverity) Increment(level Level) {
	c.Total++
	switch level {
	case Critical:
		c.Critical++
	case High:
		c.High++
	case Medium:
		c.Medium++
	case Low:
		c.Low++
	default:
		c.Unknown++
	}
}

// HighestSeverity returns the highest severity level that has a non-zero count.
func (c *CountBySeverity) HighestSeverity() Level {
	switch {
	case c.Critical > 0:
		return Critical
	case c.High > 0:
		return High
	case c.Medium > 0:
		return Medium
	case c.Low > 0:
		return Low
	default:
		return Unknown
	}
}
