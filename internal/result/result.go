// Package result defines the immutable result model shared between the
// use cases, the orchestration driver and the report renderers.
package result

import (
	"encoding/json"
	"time"
)

// Status is the outcome of one atomic probe.
type Status string

const (
	// StatusPassed indicates the probe succeeded.
	StatusPassed Status = "passed"
	// StatusFailed indicates the probe ran but the check did not hold.
	StatusFailed Status = "failed"
	// StatusError indicates the probe could not be executed.
	StatusError Status = "error"
	// StatusSkipped indicates the probe was not attempted.
	StatusSkipped Status = "skipped"
)

// Category classifies a probe by test phase.
type Category string

const (
	// CategoryConnectivity covers transport-level reachability probes.
	CategoryConnectivity Category = "connectivity"
	// CategoryAuthentication covers credential exchange probes.
	CategoryAuthentication Category = "authentication"
	// CategoryFunctional covers business-level probes.
	CategoryFunctional Category = "functional"
)

// Protocol tags a probe with the wire protocol it exercised.
type Protocol string

const (
	// ProtocolHTTP is plain HTTP.
	ProtocolHTTP Protocol = "http"
	// ProtocolHTTPS is HTTP over TLS.
	ProtocolHTTPS Protocol = "https"
	// ProtocolKafka is the Kafka wire protocol.
	ProtocolKafka Protocol = "kafka"
	// ProtocolRabbitMQ is AMQP 0.9.1.
	ProtocolRabbitMQ Protocol = "rabbitmq"
	// ProtocolPostgres is the PostgreSQL wire protocol.
	ProtocolPostgres Protocol = "postgresql"
	// ProtocolClickHouse is the ClickHouse native protocol.
	ProtocolClickHouse Protocol = "clickhouse"
	// ProtocolSFTP is SFTP over SSH.
	ProtocolSFTP Protocol = "sftp"
)

// Failure identifies which member of the error taxonomy applied to a
// non-passed result. It is carried in TestResult metadata under MetaFailure.
type Failure string

const (
	// FailureUnreachable means no transport-level connection was possible.
	FailureUnreachable Failure = "unreachable"
	// FailureAuthRejected means transport was fine but credentials were rejected.
	FailureAuthRejected Failure = "auth_rejected"
	// FailureFunctional means the business operation failed or returned unexpected data.
	FailureFunctional Failure = "functional_failure"
	// FailureTimeout means the operation exceeded its bound.
	FailureTimeout Failure = "timeout"
	// FailureInstanceNotFound means the bridge could not locate a target pod.
	FailureInstanceNotFound Failure = "instance_not_found"
	// FailureUnsupported means the probe requires tooling absent in the execution context.
	FailureUnsupported Failure = "unsupported"
)

// Well-known metadata keys.
const (
	// MetaFailure maps a non-passed result to its Failure taxonomy member.
	MetaFailure = "failure"
	// MetaDegraded is set to true when a result was obtained via the reduced
	// in-context capability set rather than a native protocol check.
	MetaDegraded = "degraded"
	// MetaDegradedMethod names the coarse check that stood in for the native one.
	MetaDegradedMethod = "degraded_method"
	// MetaPod records the pod a delegated probe executed in.
	MetaPod = "pod"
	// MetaCleanupFailure carries a note when a functional probe could not
	// remove the artifact it created.
	MetaCleanupFailure = "cleanup_failure"
)

// TestResult is the outcome of one atomic probe. Values are immutable once
// created; metadata maps must not be mutated after construction.
type TestResult struct {
	TestName    string         `json:"test_name"`
	ServiceName string         `json:"service_name"`
	Category    Category       `json:"category"`
	Protocol    Protocol       `json:"protocol"`
	Status      Status         `json:"status"`
	Duration    time.Duration  `json:"-"`
	Message     string         `json:"message,omitempty"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// MarshalJSON serializes the probe duration in milliseconds.
func (r TestResult) MarshalJSON() ([]byte, error) {
	type plain TestResult

	return json.Marshal(struct {
		plain
		DurationMS int64 `json:"duration_ms"`
	}{plain: plain(r), DurationMS: r.Duration.Milliseconds()})
}

// Degraded reports whether this result was produced via the reduced
// in-context capability set.
func (r *TestResult) Degraded() bool {
	v, ok := r.Metadata[MetaDegraded].(bool)
	return ok && v
}

// ServiceTestSuite holds all results for one service in one run. Metrics are
// always recomputed from Results so that counters cannot drift.
type ServiceTestSuite struct {
	ServiceName string       `json:"service_name"`
	Namespace   string       `json:"namespace"`
	Results     []TestResult `json:"results"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
}

// Duration is the wall-clock time the suite took.
func (s *ServiceTestSuite) Duration() time.Duration {
	if s.CompletedAt.IsZero() || s.StartedAt.IsZero() {
		return 0
	}
	return s.CompletedAt.Sub(s.StartedAt)
}

func (s *ServiceTestSuite) countStatus(status Status) int {
	n := 0
	for i := range s.Results {
		if s.Results[i].Status == status {
			n++
		}
	}
	return n
}

// PassedCount returns the number of passed results.
func (s *ServiceTestSuite) PassedCount() int { return s.countStatus(StatusPassed) }

// FailedCount returns the number of failed results.
func (s *ServiceTestSuite) FailedCount() int { return s.countStatus(StatusFailed) }

// ErrorCount returns the number of error results.
func (s *ServiceTestSuite) ErrorCount() int { return s.countStatus(StatusError) }

// SkippedCount returns the number of skipped results.
func (s *ServiceTestSuite) SkippedCount() int { return s.countStatus(StatusSkipped) }

// TotalCount returns the number of results of any status.
func (s *ServiceTestSuite) TotalCount() int { return len(s.Results) }

// SuccessRate is passed / (passed+failed+error). Skipped results are not
// part of the denominator. Returns 0 when nothing was attempted.
func (s *ServiceTestSuite) SuccessRate() float64 {
	return successRate(s.PassedCount(), s.FailedCount(), s.ErrorCount())
}

// TestExecutionReport aggregates all suites for one run. Created once per
// driver invocation and never mutated after the run finishes.
type TestExecutionReport struct {
	Environment string             `json:"environment"`
	ExecutionID string             `json:"execution_id"`
	Suites      []ServiceTestSuite `json:"suites"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt time.Time          `json:"completed_at"`
}

// Duration is the wall-clock time of the whole run.
func (r *TestExecutionReport) Duration() time.Duration {
	if r.CompletedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

func (r *TestExecutionReport) countStatus(status Status) int {
	n := 0
	for i := range r.Suites {
		n += r.Suites[i].countStatus(status)
	}
	return n
}

// TotalTests returns the number of results across all suites.
func (r *TestExecutionReport) TotalTests() int {
	n := 0
	for i := range r.Suites {
		n += len(r.Suites[i].Results)
	}
	return n
}

// TotalPassed returns the number of passed results across all suites.
func (r *TestExecutionReport) TotalPassed() int { return r.countStatus(StatusPassed) }

// TotalFailed returns the number of failed results across all suites.
func (r *TestExecutionReport) TotalFailed() int { return r.countStatus(StatusFailed) }

// TotalErrors returns the number of error results across all suites.
func (r *TestExecutionReport) TotalErrors() int { return r.countStatus(StatusError) }

// TotalSkipped returns the number of skipped results across all suites.
func (r *TestExecutionReport) TotalSkipped() int { return r.countStatus(StatusSkipped) }

// SuccessRate is the global success rate, recomputed from the suite list,
// independent of any per-suite cached counter.
func (r *TestExecutionReport) SuccessRate() float64 {
	return successRate(r.TotalPassed(), r.TotalFailed(), r.TotalErrors())
}

// HasFailures reports whether any result in the run has failed or error
// status. Skipped and degraded results alone do not count as failures.
func (r *TestExecutionReport) HasFailures() bool {
	return r.TotalFailed() > 0 || r.TotalErrors() > 0
}

func successRate(passed, failed, errored int) float64 {
	attempted := passed + failed + errored
	if attempted == 0 {
		return 0
	}
	return float64(passed) / float64(attempted)
}
