package report

import (
	"encoding/json"
	"io"

	"github.com/opsverify/conncheck/internal/result"
)

// jsonReport is the serialized shape: the raw model plus the metrics that
// are otherwise only available as methods. Metrics are recomputed at render
// time so the file always agrees with its own result list.
type jsonReport struct {
	*result.TestExecutionReport

	DurationMS  int64       `json:"duration_ms"`
	TotalTests  int         `json:"total_tests"`
	TotalPassed int         `json:"total_passed"`
	TotalFailed int         `json:"total_failed"`
	TotalErrors int         `json:"total_errors"`
	Skipped     int         `json:"total_skipped"`
	SuccessRate float64     `json:"success_rate"`
	Suites      []jsonSuite `json:"suites"`
}

type jsonSuite struct {
	result.ServiceTestSuite

	DurationMS  int64   `json:"duration_ms"`
	Passed      int     `json:"passed"`
	Failed      int     `json:"failed"`
	Errors      int     `json:"errors"`
	Skipped     int     `json:"skipped"`
	SuccessRate float64 `json:"success_rate"`
}

func renderJSON(w io.Writer, r *result.TestExecutionReport) error {
	suites := make([]jsonSuite, len(r.Suites))
	for i := range r.Suites {
		s := &r.Suites[i]
		suites[i] = jsonSuite{
			ServiceTestSuite: *s,
			DurationMS:       s.Duration().Milliseconds(),
			Passed:           s.PassedCount(),
			Failed:           s.FailedCount(),
			Errors:           s.ErrorCount(),
			Skipped:          s.SkippedCount(),
			SuccessRate:      s.SuccessRate(),
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(jsonReport{
		TestExecutionReport: r,
		DurationMS:          r.Duration().Milliseconds(),
		TotalTests:          r.TotalTests(),
		TotalPassed:         r.TotalPassed(),
		TotalFailed:         r.TotalFailed(),
		TotalErrors:         r.TotalErrors(),
		Skipped:             r.TotalSkipped(),
		SuccessRate:         r.SuccessRate(),
		Suites:              suites,
	})
}
