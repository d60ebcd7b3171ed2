package report

import (
	"encoding/xml"
	"fmt"
	"io"

	"github.com/opsverify/conncheck/internal/result"
)

// JUnit XML as consumed by CI systems: one testsuite per service, one
// testcase per probe. Error and failure keep their distinct JUnit elements
// so CI dashboards show the same split as the report itself.
type junitTestSuites struct {
	XMLName  xml.Name     `xml:"testsuites"`
	Name     string       `xml:"name,attr"`
	Tests    int          `xml:"tests,attr"`
	Failures int          `xml:"failures,attr"`
	Errors   int          `xml:"errors,attr"`
	Skipped  int          `xml:"skipped,attr"`
	Time     float64      `xml:"time,attr"`
	Suites   []junitSuite `xml:"testsuite"`
}

type junitSuite struct {
	Name     string      `xml:"name,attr"`
	Tests    int         `xml:"tests,attr"`
	Failures int         `xml:"failures,attr"`
	Errors   int         `xml:"errors,attr"`
	Skipped  int         `xml:"skipped,attr"`
	Time     float64     `xml:"time,attr"`
	Cases    []junitCase `xml:"testcase"`
}

type junitCase struct {
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	Time      float64       `xml:"time,attr"`
	Failure   *junitMessage `xml:"failure,omitempty"`
	Error     *junitMessage `xml:"error,omitempty"`
	Skipped   *junitMessage `xml:"skipped,omitempty"`
}

type junitMessage struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr,omitempty"`
	Body    string `xml:",chardata"`
}

func renderJUnit(w io.Writer, r *result.TestExecutionReport) error {
	doc := junitTestSuites{
		Name:     fmt.Sprintf("conncheck %s", r.Environment),
		Tests:    r.TotalTests(),
		Failures: r.TotalFailed(),
		Errors:   r.TotalErrors(),
		Skipped:  r.TotalSkipped(),
		Time:     r.Duration().Seconds(),
		Suites:   make([]junitSuite, len(r.Suites)),
	}

	for i := range r.Suites {
		s := &r.Suites[i]

		suite := junitSuite{
			Name:     s.ServiceName,
			Tests:    s.TotalCount(),
			Failures: s.FailedCount(),
			Errors:   s.ErrorCount(),
			Skipped:  s.SkippedCount(),
			Time:     s.Duration().Seconds(),
			Cases:    make([]junitCase, len(s.Results)),
		}

		for j := range s.Results {
			suite.Cases[j] = junitTestCase(&s.Results[j])
		}

		doc.Suites[i] = suite
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}

	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")

	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding junit xml: %w", err)
	}

	_, err := io.WriteString(w, "\n")

	return err
}

func junitTestCase(tr *result.TestResult) junitCase {
	c := junitCase{
		Name:      tr.TestName,
		ClassName: fmt.Sprintf("%s.%s", tr.ServiceName, tr.Category),
		Time:      tr.Duration.Seconds(),
	}

	failureType, _ := tr.Metadata[result.MetaFailure].(string)

	switch tr.Status {
	case result.StatusFailed:
		c.Failure = &junitMessage{Message: tr.Message, Type: failureType, Body: tr.Error}
	case result.StatusError:
		c.Error = &junitMessage{Message: tr.Message, Type: failureType, Body: tr.Error}
	case result.StatusSkipped:
		c.Skipped = &junitMessage{Message: tr.Message}
	}

	return c
}
