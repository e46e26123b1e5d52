package linter

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/lintforge/lintforge/pkg/protocol"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Write renders the report in format.
func Write(w io.Writer, report *Report, format string) error {
	switch format {
	case FormatText, "":
		return WriteText(w, report)
	case FormatJSON:
		return WriteJSON(w, report)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

// WriteText renders one line per diagnostic and failure followed by a
// summary line.
func WriteText(w io.Writer, report *Report) error {
	for _, f := range report.Files {
		if f.Err != nil {
			if _, err := fmt.Fprintf(w, "%s: error: %v\n", f.Path, f.Err); err != nil {
				return err
			}
			continue
		}
		for _, d := range f.Diagnostics {
			if _, err := fmt.Fprintf(w, "%s:%s: %s: %s [%s]\n",
				f.Path, location(d), d.Severity.OrDefault(), d.Message, d.RuleID); err != nil {
				return err
			}
		}
		for _, failure := range f.Failures {
			if _, err := fmt.Fprintf(w, "%s: rule %s failed: %v\n", f.Path, failure.Rule, failure.Err); err != nil {
				return err
			}
		}
	}

	_, err := fmt.Fprintf(w, "%d files, %d diagnostics, %d failures\n",
		len(report.Files), report.DiagnosticCount(), report.FailureCount())
	return err
}

func location(d protocol.Diagnostic) string {
	if d.Loc != nil {
		return fmt.Sprintf("%d:%d", d.Loc.Start.Line, d.Loc.Start.Column)
	}
	return fmt.Sprintf("%d-%d", d.Span.Start, d.Span.End)
}

type jsonFailure struct {
	Rule  string `json:"rule"`
	Error string `json:"error"`
}

type jsonFile struct {
	Path        string                `json:"path"`
	Diagnostics []protocol.Diagnostic `json:"diagnostics"`
	Failures    []jsonFailure         `json:"failures,omitempty"`
	Error       string                `json:"error,omitempty"`
}

type jsonReport struct {
	RunID       string     `json:"run_id"`
	Files       []jsonFile `json:"files"`
	Diagnostics int        `json:"diagnostics"`
	Failures    int        `json:"failures"`
	DurationMS  int64      `json:"duration_ms"`
}

// WriteJSON renders the report as an indented JSON document.
func WriteJSON(w io.Writer, report *Report) error {
	out := jsonReport{
		RunID:       report.RunID,
		Files:       make([]jsonFile, 0, len(report.Files)),
		Diagnostics: report.DiagnosticCount(),
		Failures:    report.FailureCount(),
		DurationMS:  report.Duration.Milliseconds(),
	}

	for _, f := range report.Files {
		jf := jsonFile{Path: f.Path, Diagnostics: f.Diagnostics}
		if jf.Diagnostics == nil {
			jf.Diagnostics = []protocol.Diagnostic{}
		}
		if f.Err != nil {
			jf.Error = f.Err.Error()
		}
		for _, failure := range f.Failures {
			jf.Failures = append(jf.Failures, jsonFailure{Rule: failure.Rule, Error: failure.Err.Error()})
		}
		out.Files = append(out.Files, jf)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
