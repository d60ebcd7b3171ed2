package usecase

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/opsverify/conncheck/internal/adapter"
	"github.com/opsverify/conncheck/internal/result"
)

// stubAdapter scripts the contract methods and records invocations.
type stubAdapter struct {
	conn adapter.Outcome
	auth adapter.Outcome

	connCalls  atomic.Int32
	authCalls  atomic.Int32
	closeCalls atomic.Int32
}

func (s *stubAdapter) Protocol() result.Protocol { return result.ProtocolKafka }

func (s *stubAdapter) TestConnectivity(context.Context) adapter.Outcome {
	s.connCalls.Add(1)
	return s.conn
}

func (s *stubAdapter) TestAuthentication(context.Context) adapter.Outcome {
	s.authCalls.Add(1)
	return s.auth
}

func (s *stubAdapter) Close() error {
	s.closeCalls.Add(1)
	return nil
}

func passedOutcome() adapter.Outcome {
	return adapter.Outcome{Status: result.StatusPassed, Message: "ok"}
}

func failedOutcome(failure result.Failure) adapter.Outcome {
	return adapter.Outcome{
		Status:   result.StatusFailed,
		Err:      "boom",
		Metadata: map[string]any{result.MetaFailure: string(failure)},
	}
}

func erroredOutcome(failure result.Failure) adapter.Outcome {
	return adapter.Outcome{
		Status:   result.StatusError,
		Err:      "boom",
		Metadata: map[string]any{result.MetaFailure: string(failure)},
	}
}

func countingProbe(name string, calls *atomic.Int32) Probe {
	return Probe{
		Name: name,
		Run: func(context.Context) adapter.Outcome {
			calls.Add(1)
			return passedOutcome()
		},
	}
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func runSuite(t *testing.T, destinations ...*Destination) result.ServiceTestSuite {
	t.Helper()

	uc := New("svc", "apps", destinations, 30*time.Second, testLogger())
	return uc.Run(context.Background())
}

func TestRunHappyPath(t *testing.T) {
	t.Parallel()

	stub := &stubAdapter{conn: passedOutcome(), auth: passedOutcome()}

	var probeCalls atomic.Int32
	suite := runSuite(t, &Destination{
		Name:         "kafka",
		Adapter:      stub,
		Credentialed: true,
		Probes:       []Probe{countingProbe("round_trip", &probeCalls)},
	})

	require.Equal(t, "svc", suite.ServiceName)
	require.Equal(t, "apps", suite.Namespace)
	require.Equal(t, 3, suite.TotalCount())
	require.Equal(t, 3, suite.PassedCount())
	require.Equal(t, int32(1), probeCalls.Load())
	require.InDelta(t, 1.0, suite.SuccessRate(), 0.0001)
}

func TestFunctionalSkippedWhenConnectivityFails(t *testing.T) {
	t.Parallel()

	stub := &stubAdapter{
		conn: failedOutcome(result.FailureUnreachable),
		auth: passedOutcome(),
	}

	var probeCalls atomic.Int32
	suite := runSuite(t, &Destination{
		Name:         "kafka",
		Adapter:      stub,
		Credentialed: true,
		Probes: []Probe{
			countingProbe("topic_access", &probeCalls),
			countingProbe("round_trip", &probeCalls),
		},
	})

	require.Equal(t, int32(0), probeCalls.Load())
	require.Equal(t, 2, suite.SkippedCount())
	require.Equal(t, 1, suite.FailedCount())

	for _, r := range suite.Results {
		if r.Category == result.CategoryFunctional {
			require.Equal(t, result.StatusSkipped, r.Status)
			require.Contains(t, r.Message, "not attempted")
		}
	}
}

func TestAuthenticationSkippedWhenInstanceNotFound(t *testing.T) {
	t.Parallel()

	stub := &stubAdapter{
		conn: erroredOutcome(result.FailureInstanceNotFound),
		auth: passedOutcome(),
	}

	suite := runSuite(t, &Destination{
		Name:         "kafka",
		Adapter:      stub,
		Credentialed: true,
		Probes:       []Probe{countingProbe("round_trip", &atomic.Int32{})},
	})

	require.Equal(t, int32(0), stub.authCalls.Load())

	var authResult *result.TestResult
	for i := range suite.Results {
		if suite.Results[i].Category == result.CategoryAuthentication {
			authResult = &suite.Results[i]
		}
	}

	require.NotNil(t, authResult)
	require.Equal(t, result.StatusSkipped, authResult.Status)
}

func TestAuthenticationOmittedForUncredentialedDestination(t *testing.T) {
	t.Parallel()

	stub := &stubAdapter{conn: passedOutcome()}

	suite := runSuite(t, &Destination{
		Name:    "public-api",
		Adapter: stub,
		Probes:  []Probe{countingProbe("health", &atomic.Int32{})},
	})

	require.Equal(t, int32(0), stub.authCalls.Load())
	require.Equal(t, 2, suite.TotalCount())

	for _, r := range suite.Results {
		require.NotEqual(t, result.CategoryAuthentication, r.Category)
	}
}

func TestConnectivityPhaseCompletesBeforeFunctionalPhase(t *testing.T) {
	t.Parallel()

	slow := &stubAdapter{conn: passedOutcome(), auth: passedOutcome()}
	fast := &stubAdapter{conn: passedOutcome(), auth: passedOutcome()}

	var order []string
	probe := func(owner string) Probe {
		return Probe{
			Name: "probe",
			Run: func(context.Context) adapter.Outcome {
				order = append(order, "functional:"+owner)
				return passedOutcome()
			},
		}
	}

	suite := runSuite(t,
		&Destination{Name: "slow", Adapter: slow, Credentialed: true, Probes: []Probe{probe("slow")}},
		&Destination{Name: "fast", Adapter: fast, Credentialed: true, Probes: []Probe{probe("fast")}},
	)

	// Connectivity results for every destination precede any functional one.
	var seenFunctional bool
	for _, r := range suite.Results {
		if r.Category == result.CategoryFunctional {
			seenFunctional = true
			continue
		}
		require.False(t, seenFunctional, "connectivity result after functional result")
	}

	require.Equal(t, []string{"functional:slow", "functional:fast"}, order)
}

func TestResultsKeepDestinationOrder(t *testing.T) {
	t.Parallel()

	first := &stubAdapter{conn: passedOutcome()}
	second := &stubAdapter{conn: passedOutcome()}

	suite := runSuite(t,
		&Destination{Name: "alpha", Adapter: first},
		&Destination{Name: "beta", Adapter: second},
	)

	require.Equal(t, "alpha.connectivity", suite.Results[0].TestName)
	require.Equal(t, "beta.connectivity", suite.Results[1].TestName)
}

func TestAdaptersReleasedExactlyOnce(t *testing.T) {
	t.Parallel()

	one := &stubAdapter{conn: passedOutcome()}
	two := &stubAdapter{conn: failedOutcome(result.FailureUnreachable)}

	uc := New("svc", "apps", []*Destination{
		{Name: "one", Adapter: one},
		{Name: "two", Adapter: two},
	}, 30*time.Second, testLogger())

	uc.Run(context.Background())
	uc.Run(context.Background())

	require.Equal(t, int32(1), one.closeCalls.Load())
	require.Equal(t, int32(1), two.closeCalls.Load())
}

func TestSuiteDeadlineAddsTerminalError(t *testing.T) {
	t.Parallel()

	stub := &stubAdapter{conn: passedOutcome()}

	uc := New("svc", "apps", []*Destination{
		{
			Name:    "slow",
			Adapter: stub,
			Probes: []Probe{{
				Name: "stall",
				Run: func(ctx context.Context) adapter.Outcome {
					<-ctx.Done()
					return adapter.Outcome{Status: result.StatusError, Err: ctx.Err().Error()}
				},
			}},
		},
	}, 50*time.Millisecond, testLogger())

	suite := uc.Run(context.Background())

	last := suite.Results[len(suite.Results)-1]
	require.Equal(t, "suite_deadline", last.TestName)
	require.Equal(t, result.StatusError, last.Status)
	require.Equal(t, string(result.FailureTimeout), last.Metadata[result.MetaFailure])
}

func TestFunctionalProbesAbandonedAfterDeadline(t *testing.T) {
	t.Parallel()

	stub := &stubAdapter{conn: passedOutcome()}

	// Probes like the sftp round trip never look at their context; the
	// phase loop itself has to stop attempting them once the suite
	// deadline has passed.
	var laterCalls atomic.Int32
	uc := New("svc", "apps", []*Destination{
		{
			Name:    "files",
			Adapter: stub,
			Probes: []Probe{
				{
					Name: "stall",
					Run: func(ctx context.Context) adapter.Outcome {
						<-ctx.Done()
						return adapter.Outcome{Status: result.StatusError, Err: ctx.Err().Error()}
					},
				},
				countingProbe("upload", &laterCalls),
				countingProbe("download", &laterCalls),
			},
		},
	}, 50*time.Millisecond, testLogger())

	suite := uc.Run(context.Background())

	require.Equal(t, int32(0), laterCalls.Load())

	names := make([]string, 0, len(suite.Results))
	for _, r := range suite.Results {
		names = append(names, r.TestName)
	}
	require.NotContains(t, names, "files.upload")
	require.NotContains(t, names, "files.download")
	require.Equal(t, "suite_deadline", names[len(names)-1])
}
