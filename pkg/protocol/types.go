// Package protocol defines the request and response records exchanged
// between the plugin host and lint rules, and their binary encoding.
//
// Bodies are MessagePack. The host sends structs as maps keyed by field name
// and accepts responses either as maps or as positional arrays, the two
// layouts produced by common MessagePack serializers. Map key order is
// insignificant.
package protocol

import "fmt"

// Severity is the severity level reported by a rule.
type Severity string

const (
	// SeverityError must be fixed.
	SeverityError Severity = "error"

	// SeverityWarning should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityInfo is informational.
	SeverityInfo Severity = "info"
)

// OrDefault returns the severity, or SeverityError when the rule left it empty.
func (s Severity) OrDefault() Severity {
	if s == "" {
		return SeverityError
	}
	return s
}

// LintRequest is the body sent to a rule's lint entry point.
type LintRequest struct {
	// Node is the syntax node to check.
	Node any `json:"node"`

	// Config is the rule configuration.
	Config any `json:"config"`

	// Source is the full source text. It is carried verbatim; the host
	// does not require it to be valid UTF-8.
	Source string `json:"source"`

	// FilePath is the path of the file being linted, if known.
	FilePath string `json:"file_path"`
}

// LintResponse is the body returned by a rule.
type LintResponse struct {
	// Diagnostics are in the order the rule reported them.
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// Span is a byte range in the source.
type Span struct {
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`
}

// Position is a 1-based line/column position.
type Position struct {
	Line   uint32 `json:"line"`
	Column uint32 `json:"column"`
}

// Location is a line/column range.
type Location struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Fix is an auto-fix suggested by a rule.
type Fix struct {
	// Span is the byte range to replace.
	Span Span `json:"span"`

	// Text is the replacement text.
	Text string `json:"text"`
}

// Diagnostic is a single finding reported by a rule. The host passes the
// location and severity fields through without interpreting them.
type Diagnostic struct {
	RuleID   string    `json:"rule_id"`
	Message  string    `json:"message"`
	Span     Span      `json:"span"`
	Loc      *Location `json:"loc,omitempty"`
	Severity Severity  `json:"severity,omitempty"`
	Fix      *Fix      `json:"fix,omitempty"`
}

// String renders the diagnostic for human-readable output.
func (d Diagnostic) String() string {
	sev := d.Severity.OrDefault()
	if d.Loc != nil {
		return fmt.Sprintf("%d:%d %s %s (%s)", d.Loc.Start.Line, d.Loc.Start.Column, sev, d.Message, d.RuleID)
	}
	return fmt.Sprintf("%d-%d %s %s (%s)", d.Span.Start, d.Span.End, sev, d.Message, d.RuleID)
}
