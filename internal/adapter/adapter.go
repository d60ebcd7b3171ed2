// Package adapter implements the protocol adapters. Each adapter exposes a
// uniform capability contract (connectivity, authentication, functional
// probes, release) over its native client library, or over the remote
// execution bridge when constructed with a delegate.
//
// Probe methods are failure boundaries: they always return an Outcome and
// never let a network or protocol error escape as a Go error.
package adapter

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/opsverify/conncheck/internal/result"
)

// Outcome is the result of one probe. Status carries the failed/error/skipped
// distinction; the taxonomy member that applied is in Metadata under
// result.MetaFailure.
type Outcome struct {
	Status   result.Status
	Duration time.Duration
	Message  string
	Err      string
	Metadata map[string]any
}

// With returns a copy of the outcome with one extra metadata entry.
func (o Outcome) With(key string, value any) Outcome {
	meta := make(map[string]any, len(o.Metadata)+1)
	for k, v := range o.Metadata {
		meta[k] = v
	}
	meta[key] = value
	o.Metadata = meta
	return o
}

// Passed reports whether the probe succeeded.
func (o Outcome) Passed() bool { return o.Status == result.StatusPassed }

// Adapter is the capability set shared by every protocol.
type Adapter interface {
	// Protocol tags results produced from this adapter.
	Protocol() result.Protocol
	// TestConnectivity establishes a bare transport-level connection, or the
	// cheapest protocol handshake, within the configured timeout.
	TestConnectivity(ctx context.Context) Outcome
	// TestAuthentication performs the protocol's credential exchange. It must
	// be idempotent and leave no state on the remote system.
	TestAuthentication(ctx context.Context) Outcome
	// Close releases any held connection. Safe to call more than once.
	Close() error
}

// TopicAccess declares the access right a topic probe verifies.
type TopicAccess string

const (
	// TopicRead verifies consume access.
	TopicRead TopicAccess = "READ"
	// TopicWrite verifies produce access.
	TopicWrite TopicAccess = "WRITE"
)

// MessageBus is implemented by adapters for brokered messaging systems.
type MessageBus interface {
	Adapter
	// TestChannelAccess verifies whether this identity can read or write the
	// named channel (topic or queue).
	TestChannelAccess(ctx context.Context, channel string, access TopicAccess) Outcome
	// TestRoundTrip publishes a marker message and waits a bounded time for
	// it to reappear. The probe cleans up any channel it created.
	TestRoundTrip(ctx context.Context, channel string) Outcome
}

// Database is implemented by adapters for relational and analytics stores.
type Database interface {
	Adapter
	// TestTableAccess verifies the named table exists and is readable.
	TestTableAccess(ctx context.Context, table string) Outcome
	// TestQuery executes a representative read-only query and times it.
	TestQuery(ctx context.Context, query string) Outcome
}

// HTTPService is implemented by adapters probing HTTP APIs.
type HTTPService interface {
	Adapter
	// TestHealth probes the service health endpoint.
	TestHealth(ctx context.Context, path string) Outcome
	// TestEndpoint probes a named endpoint and checks the status code.
	TestEndpoint(ctx context.Context, method, path string, expectStatus int) Outcome
}

// FileTransfer is implemented by adapters for file-transfer endpoints.
type FileTransfer interface {
	Adapter
	// TestDirectoryAccess lists the named directory.
	TestDirectoryAccess(ctx context.Context, dir string) Outcome
	// TestRoundTrip uploads a marker file, downloads it back, byte-compares,
	// and removes the artifact it created.
	TestRoundTrip(ctx context.Context, dir string) Outcome
}

func pass(start time.Time, msg string) Outcome {
	return Outcome{
		Status:   result.StatusPassed,
		Duration: time.Since(start),
		Message:  msg,
	}
}

func fail(start time.Time, failure result.Failure, err error) Outcome {
	return newOutcome(result.StatusFailed, start, failure, err)
}

func errored(start time.Time, failure result.Failure, err error) Outcome {
	return newOutcome(result.StatusError, start, failure, err)
}

func newOutcome(status result.Status, start time.Time, failure result.Failure, err error) Outcome {
	o := Outcome{
		Status:   status,
		Duration: time.Since(start),
		Metadata: map[string]any{result.MetaFailure: string(failure)},
	}
	if err != nil {
		o.Err = err.Error()
	}
	return o
}

// failure classifies an error into the taxonomy, promoting timeouts to their
// own member so they surface as error status rather than plain failures.
func failure(err error, fallback result.Failure) (result.Failure, result.Status) {
	if isTimeout(err) {
		return result.FailureTimeout, result.StatusError
	}

	status := result.StatusFailed
	if fallback == result.FailureInstanceNotFound {
		status = result.StatusError
	}

	return fallback, status
}

// probeFailure builds the outcome for a failed probe, classifying err.
func probeFailure(start time.Time, err error, fallback result.Failure) Outcome {
	f, status := failure(err, fallback)
	return newOutcome(status, start, f, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
