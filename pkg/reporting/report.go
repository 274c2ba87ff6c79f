package reporting

import (
	"time"

	"github.com/alexandremahdhaoui/virtcase/pkg/testcase"
)

// ReportVersion is the schema version of Report.
const ReportVersion = "1.0.0"

// Report is the outcome of one run of virtcase.
type Report struct {
	Version     string             `json:"version"`
	RunID       string             `json:"runID"`
	StartTime   time.Time          `json:"startTime"`
	EndTime     time.Time          `json:"endTime"`
	Duration    float64            `json:"duration"`
	ArtifactDir string             `json:"artifactDir,omitempty"`
	Cases       []*testcase.Result `json:"cases"`
	Summary     Summary            `json:"summary"`
}

// Summary counts cases per status.
type Summary struct {
	Total     int     `json:"total"`
	Passed    int     `json:"passed"`
	Failed    int     `json:"failed"`
	Errored   int     `json:"errored"`
	Cancelled int     `json:"cancelled"`
	PassRate  float64 `json:"passRate"`
}

// Ok reports whether no case failed or errored.
func (s Summary) Ok() bool {
	return s.Failed == 0 && s.Errored == 0
}

// Count returns the number of cases with status.
func (s Summary) Count(status testcase.Status) int {
	switch status {
	case testcase.StatusPass:
		return s.Passed
	case testcase.StatusFail:
		return s.Failed
	case testcase.StatusError:
		return s.Errored
	case testcase.StatusCancel:
		return s.Cancelled
	}
	return 0
}

// NewReport builds a report over results. The run spans from the first start to the
// last end.
func NewReport(runID, artifactDir string, results []*testcase.Result) *Report {
	r := &Report{
		Version:     ReportVersion,
		RunID:       runID,
		ArtifactDir: artifactDir,
		Cases:       results,
		Summary:     Summarize(results),
	}

	for _, res := range results {
		if r.StartTime.IsZero() || res.StartTime.Before(r.StartTime) {
			r.StartTime = res.StartTime
		}
		if res.EndTime.After(r.EndTime) {
			r.EndTime = res.EndTime
		}
	}
	r.Duration = r.EndTime.Sub(r.StartTime).Seconds()
	return r
}

// Summarize counts results per status. Cancelled cases are left out of the pass rate.
func Summarize(results []*testcase.Result) Summary {
	var s Summary
	for _, res := range results {
		s.Total++
		switch res.Status {
		case testcase.StatusPass:
			s.Passed++
		case testcase.StatusFail:
			s.Failed++
		case testcase.StatusError:
			s.Errored++
		case testcase.StatusCancel:
			s.Cancelled++
		}
	}
	if ran := s.Total - s.Cancelled; ran > 0 {
		s.PassRate = float64(s.Passed) / float64(ran)
	}
	return s
}
