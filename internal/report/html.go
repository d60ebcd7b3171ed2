package report

import (
	"fmt"
	"html/template"
	"io"

	"github.com/opsverify/conncheck/internal/result"
)

var htmlTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"percent":  func(rate float64) string { return fmt.Sprintf("%.1f%%", rate*100) },
	"duration": formatDuration,
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>conncheck {{.Report.Environment}}</title>
<style>
body { font-family: sans-serif; margin: 2rem; color: #222; }
table { border-collapse: collapse; width: 100%; margin-bottom: 2rem; }
th, td { border: 1px solid #ccc; padding: 0.4rem 0.7rem; text-align: left; }
th { background: #f0f0f0; }
.passed { color: #1a7f37; }
.failed { color: #cf222e; }
.error { color: #bc4c00; }
.skipped { color: #656d76; }
.degraded { font-size: 0.8em; color: #9a6700; }
</style>
</head>
<body>
<h1>Connectivity validation: {{.Report.Environment}}</h1>
<p>
Execution {{.Report.ExecutionID}} started {{.Report.StartedAt.Format "2006-01-02 15:04:05 MST"}},
took {{duration .Report.Duration}}.
{{.Report.TotalTests}} tests: {{.Report.TotalPassed}} passed, {{.Report.TotalFailed}} failed,
{{.Report.TotalErrors}} errors, {{.Report.TotalSkipped}} skipped
(success rate {{percent .Report.SuccessRate}}).
</p>
{{range .Suites}}
<h2>{{.Suite.ServiceName}} <small>({{percent .Suite.SuccessRate}} of {{.Suite.TotalCount}} tests)</small></h2>
<table>
<tr><th>Test</th><th>Category</th><th>Protocol</th><th>Status</th><th>Duration</th><th>Detail</th></tr>
{{range .Suite.Results}}
<tr>
<td>{{.TestName}}{{if .Degraded}} <span class="degraded">degraded</span>{{end}}</td>
<td>{{.Category}}</td>
<td>{{.Protocol}}</td>
<td class="{{.Status}}">{{.Status}}</td>
<td>{{duration .Duration}}</td>
<td>{{if .Error}}{{.Error}}{{else}}{{.Message}}{{end}}</td>
</tr>
{{end}}
</table>
{{end}}
</body>
</html>
`))

type htmlSuite struct {
	Suite *result.ServiceTestSuite
}

func renderHTML(w io.Writer, r *result.TestExecutionReport) error {
	suites := make([]htmlSuite, len(r.Suites))
	for i := range r.Suites {
		suites[i] = htmlSuite{Suite: &r.Suites[i]}
	}

	return htmlTemplate.Execute(w, struct {
		Report *result.TestExecutionReport
		Suites []htmlSuite
	}{Report: r, Suites: suites})
}
