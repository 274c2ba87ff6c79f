// Package reporting renders the results of a run as JSON, text and Prometheus
// textfile metrics.
package reporting

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ReportFormat specifies the output format for reports
type ReportFormat string

const (
	// FormatJSON produces JSON-formatted reports
	FormatJSON ReportFormat = "json"
	// FormatText produces human-readable text reports
	FormatText ReportFormat = "text"
)

// Formats lists the supported report formats.
var Formats = []ReportFormat{FormatJSON, FormatText}

// Reporter writes reports under a directory, one subdirectory per run.
type Reporter struct {
	dir string
}

// NewReporter creates a new reporter instance
func NewReporter(dir string) *Reporter {
	return &Reporter{
		dir: dir,
	}
}

// GenerateReport generates a report in the specified format and returns it as a string
func (r *Reporter) GenerateReport(report *Report, format ReportFormat) (string, error) {
	switch format {
	case FormatJSON:
		return formatJSON(report)
	case FormatText:
		return formatText(report), nil
	default:
		return "", fmt.Errorf("unsupported format: %s", format)
	}
}

// Path returns where WriteReport puts the report in format.
func (r *Reporter) Path(report *Report, format ReportFormat) (string, error) {
	var filename string
	switch format {
	case FormatJSON:
		filename = "report.json"
	case FormatText:
		filename = "report.txt"
	default:
		return "", fmt.Errorf("unsupported format: %s", format)
	}
	return filepath.Join(r.dir, report.RunID, filename), nil
}

// WriteReport generates a report and writes it to disk
func (r *Reporter) WriteReport(report *Report, format ReportFormat) (string, error) {
	content, err := r.GenerateReport(report, format)
	if err != nil {
		return "", fmt.Errorf("failed to generate report: %w", err)
	}

	path, err := r.Path(report, format)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write report file: %w", err)
	}

	return path, nil
}

// PrintSummary prints a concise summary of the run to w
func (r *Reporter) PrintSummary(w io.Writer, report *Report) error {
	_, err := io.WriteString(w, formatSummary(report, r.dir))
	return err
}
