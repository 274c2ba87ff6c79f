package reporting

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/virtcase/pkg/testcase"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

// Test fixtures

func createResults() []*testcase.Result {
	start := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	return []*testcase.Result{
		{
			Name:      "vcpu.hotplug.four",
			Status:    testcase.StatusPass,
			StartTime: start,
			EndTime:   start.Add(12 * time.Second),
			Duration:  12 * time.Second,
			Params:    map[string]string{"main_vm": "avocado-vt-vm1", "vcpu": "4"},
			LogFile:   "/var/lib/virtcase/artifacts/run1/vcpu.hotplug.four/case.log",
		},
		{
			Name:      "memory.balloon",
			Status:    testcase.StatusFail,
			Message:   "step 3 (balloon reached): xml_contains: expected <currentMemory unit='KiB'>524288</currentMemory>, got no match",
			StartTime: start.Add(12 * time.Second),
			EndTime:   start.Add(40 * time.Second),
			Duration:  28 * time.Second,
		},
		{
			Name:          "nvram.undefine",
			Status:        testcase.StatusError,
			Message:       "cleanup failed: failed to restore domain",
			StartTime:     start.Add(40 * time.Second),
			EndTime:       start.Add(41 * time.Second),
			Duration:      time.Second,
			CleanupErrors: []string{"failed to restore domain"},
		},
		{
			Name:      "sev.launch",
			Status:    testcase.StatusCancel,
			Message:   "host does not support SEV",
			StartTime: start.Add(41 * time.Second),
			EndTime:   start.Add(41 * time.Second),
		},
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name    string
		results []*testcase.Result
		want    Summary
	}{
		{
			name: "empty",
			want: Summary{},
		},
		{
			name:    "mixed",
			results: createResults(),
			want: Summary{
				Total: 4, Passed: 1, Failed: 1, Errored: 1, Cancelled: 1,
				PassRate: 1.0 / 3.0,
			},
		},
		{
			name: "only cancelled",
			results: []*testcase.Result{
				{Name: "a", Status: testcase.StatusCancel},
			},
			want: Summary{Total: 1, Cancelled: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Summarize(tt.results)
			assert.Equal(t, tt.want.Total, got.Total)
			assert.Equal(t, tt.want.Passed, got.Passed)
			assert.Equal(t, tt.want.Failed, got.Failed)
			assert.Equal(t, tt.want.Errored, got.Errored)
			assert.Equal(t, tt.want.Cancelled, got.Cancelled)
			assert.InDelta(t, tt.want.PassRate, got.PassRate, 1e-9)
		})
	}
}

func TestSummary_Ok(t *testing.T) {
	assert.True(t, Summary{Total: 2, Passed: 1, Cancelled: 1}.Ok())
	assert.False(t, Summary{Total: 2, Passed: 1, Failed: 1}.Ok())
	assert.False(t, Summary{Total: 1, Errored: 1}.Ok())
}

func TestNewReport(t *testing.T) {
	results := createResults()
	report := NewReport("run1", "/tmp/artifacts", results)

	assert.Equal(t, ReportVersion, report.Version)
	assert.Equal(t, results[0].StartTime, report.StartTime)
	assert.Equal(t, results[3].EndTime, report.EndTime)
	assert.InDelta(t, 41.0, report.Duration, 1e-9)
	assert.Equal(t, 4, report.Summary.Total)
}

func TestGenerateReport_JSON(t *testing.T) {
	report := NewReport("run1", "", createResults())

	out, err := NewReporter("").GenerateReport(report, FormatJSON)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "run1", decoded["runID"])
	cases, ok := decoded["cases"].([]any)
	require.True(t, ok)
	require.Len(t, cases, 4)
	first := cases[0].(map[string]any)
	assert.Equal(t, "PASS", first["status"])
	summary := decoded["summary"].(map[string]any)
	assert.EqualValues(t, 1, summary["failed"])
}

func TestGenerateReport_Text(t *testing.T) {
	report := NewReport("run1", "/tmp/artifacts", createResults())

	out, err := NewReporter("").GenerateReport(report, FormatText)
	require.NoError(t, err)

	assert.Contains(t, out, "VIRTCASE REPORT")
	assert.Contains(t, out, "[1/4] ✓ PASS vcpu.hotplug.four (12.00s)")
	assert.Contains(t, out, "[2/4] ✗ FAIL memory.balloon (28.00s)")
	assert.Contains(t, out, "    main_vm = avocado-vt-vm1")
	assert.Contains(t, out, "  Cleanup:  failed to restore domain")
	assert.Contains(t, out, "FAILURES")
	assert.Contains(t, out, "[2] ERROR nvram.undefine")
	assert.NotContains(t, out, "[3] CANCEL")
	assert.Contains(t, out, "RUN RESULT: ✗ FAILED")

	for _, line := range strings.Split(out, "\n") {
		assert.NotContains(t, line, "\x1b[", "no color escapes when color is disabled")
	}
}

func TestGenerateReport_Unsupported(t *testing.T) {
	_, err := NewReporter("").GenerateReport(NewReport("run1", "", nil), "xml")
	assert.Error(t, err)
}

func TestWriteReport(t *testing.T) {
	dir := t.TempDir()
	r := NewReporter(dir)
	report := NewReport("run1", "", createResults())

	for _, format := range Formats {
		path, err := r.WriteReport(report, format)
		require.NoError(t, err)

		_, err = os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "run1"), filepath.Dir(path))
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	report := NewReport("run1", "", createResults()[:1])

	require.NoError(t, NewReporter("/reports").PrintSummary(&buf, report))

	out := buf.String()
	assert.Contains(t, out, "Status:   ✓ PASSED")
	assert.Contains(t, out, "Cases: 1 total, 1 passed, 0 failed, 0 errored, 0 cancelled (100.0% pass rate)")
	assert.Contains(t, out, "Full report: /reports/run1/report.txt")
	assert.NotContains(t, out, "Quick Failure Summary")
}

func TestWrapText(t *testing.T) {
	short := "domain is not running"
	assert.Equal(t, short, wrapText(short, 4))

	long := strings.Repeat("word ", 30)
	wrapped := wrapText(long, 4)
	for _, line := range strings.Split(wrapped, "\n") {
		assert.LessOrEqual(t, len(strings.TrimLeft(line, " ")), 64)
	}
	assert.Contains(t, wrapped, "\n    word")
}
