package reporting

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/virtcase/pkg/testcase"
	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

// formatText generates a human-readable text report
func formatText(report *Report) string {
	var sb strings.Builder

	// Header
	sb.WriteString(strings.Repeat("=", 80) + "\n")
	sb.WriteString("VIRTCASE REPORT\n")
	sb.WriteString(strings.Repeat("=", 80) + "\n\n")

	sb.WriteString("SUMMARY\n")
	sb.WriteString(strings.Repeat("-", 7) + "\n")
	fmt.Fprintf(&sb, "Run ID:    %s\n", report.RunID)
	fmt.Fprintf(&sb, "Duration:  %.2fs\n", report.Duration)
	fmt.Fprintf(&sb, "Started:   %s\n", report.StartTime.Format(time.RFC3339))
	fmt.Fprintf(&sb, "Completed: %s\n", report.EndTime.Format(time.RFC3339))
	if report.ArtifactDir != "" {
		fmt.Fprintf(&sb, "Artifacts: %s\n", report.ArtifactDir)
	}
	sb.WriteString("\n")

	sb.WriteString("CASES\n")
	sb.WriteString(strings.Repeat("-", 5) + "\n")
	for i, res := range report.Cases {
		fmt.Fprintf(&sb, "[%d/%d] %s %s (%.2fs)\n",
			i+1, len(report.Cases), formatStatus(res.Status), res.Name, res.Duration.Seconds())
		if res.Message != "" {
			fmt.Fprintf(&sb, "  Message:  %s\n", wrapText(res.Message, 12))
		}
		for _, cerr := range res.CleanupErrors {
			fmt.Fprintf(&sb, "  Cleanup:  %s\n", wrapText(cerr, 12))
		}
		if res.LogFile != "" {
			fmt.Fprintf(&sb, "  Log:      %s\n", res.LogFile)
		}
		if len(res.Params) > 0 {
			sb.WriteString("  Params:\n")
			for _, k := range slices.Sorted(maps.Keys(res.Params)) {
				fmt.Fprintf(&sb, "    %s = %s\n", k, gray(res.Params[k]))
			}
		}
	}
	sb.WriteString("\n")

	s := report.Summary
	sb.WriteString("STATUS SUMMARY\n")
	sb.WriteString(strings.Repeat("-", 14) + "\n")
	fmt.Fprintf(&sb, "Total:     %d\n", s.Total)
	for _, status := range testcase.Statuses {
		fmt.Fprintf(&sb, "%-10s %d\n", string(status)+":", s.Count(status))
	}
	fmt.Fprintf(&sb, "Pass rate: %.1f%%\n\n", s.PassRate*100)

	failures := failedCases(report)
	if len(failures) > 0 {
		sb.WriteString("FAILURES\n")
		sb.WriteString(strings.Repeat("-", 8) + "\n")
		for i, res := range failures {
			fmt.Fprintf(&sb, "[%d] %s %s\n", i+1, res.Status, res.Name)
			fmt.Fprintf(&sb, "    Message: %s\n\n", wrapText(res.Message, 13))
		}
	}

	// Footer
	sb.WriteString(strings.Repeat("=", 80) + "\n")
	fmt.Fprintf(&sb, "RUN RESULT: %s\n", formatRunStatus(s))
	sb.WriteString(strings.Repeat("=", 80) + "\n")

	return sb.String()
}

func failedCases(report *Report) []*testcase.Result {
	var out []*testcase.Result
	for _, res := range report.Cases {
		if !res.Status.Ok() {
			out = append(out, res)
		}
	}
	return out
}

// formatStatus formats status with color
func formatStatus(status testcase.Status) string {
	switch status {
	case testcase.StatusPass:
		return green("✓ PASS")
	case testcase.StatusFail:
		return red("✗ FAIL")
	case testcase.StatusError:
		return red("⚠ ERROR")
	case testcase.StatusCancel:
		return yellow("- CANCEL")
	default:
		return string(status)
	}
}

func formatRunStatus(s Summary) string {
	if s.Ok() {
		return green("✓ PASSED")
	}
	return red("✗ FAILED")
}

// wrapText wraps text at word boundaries with indentation
func wrapText(text string, indent int) string {
	if len(text) <= 64 {
		return text
	}

	var result strings.Builder
	words := strings.Fields(text)
	lineLen := 0
	indentStr := strings.Repeat(" ", indent)

	for i, word := range words {
		if i > 0 && lineLen+len(word)+1 > 64 {
			result.WriteString("\n" + indentStr)
			lineLen = 0
		} else if i > 0 {
			result.WriteString(" ")
			lineLen++
		}
		result.WriteString(word)
		lineLen += len(word)
	}

	return result.String()
}

// formatSummary formats a concise summary for stdout
func formatSummary(report *Report, dir string) string {
	var sb strings.Builder
	s := report.Summary

	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("=", 60) + "\n")
	sb.WriteString("RUN SUMMARY\n")
	sb.WriteString(strings.Repeat("=", 60) + "\n")
	fmt.Fprintf(&sb, "Run ID:   %s\n", report.RunID)
	fmt.Fprintf(&sb, "Status:   %s\n", formatRunStatus(s))
	fmt.Fprintf(&sb, "Duration: %.2fs\n\n", report.Duration)
	fmt.Fprintf(&sb, "Cases: %d total, %d passed, %d failed, %d errored, %d cancelled (%.1f%% pass rate)\n",
		s.Total, s.Passed, s.Failed, s.Errored, s.Cancelled, s.PassRate*100)

	if failures := failedCases(report); len(failures) > 0 {
		sb.WriteString("\n")
		sb.WriteString(red("Quick Failure Summary:") + "\n")
		for i, res := range failures {
			fmt.Fprintf(&sb, "  %d. %s %s: %s\n", i+1, res.Status, res.Name, firstLine(res.Message))
		}
	}

	if dir != "" {
		sb.WriteString("\n")
		fmt.Fprintf(&sb, "Full report: %s/%s/report.txt\n", dir, report.RunID)
	}
	sb.WriteString(strings.Repeat("=", 60) + "\n")

	return sb.String()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
