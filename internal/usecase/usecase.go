// Package usecase runs the per-service validation suites. A use case is a
// declarative set of destinations; the engine executes the connectivity
// phase for every destination, then the functional phase, and converts each
// probe outcome into a result record.
package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opsverify/conncheck/internal/adapter"
	"github.com/opsverify/conncheck/internal/result"
)

// Probe is one named functional check against a destination.
type Probe struct {
	Name string
	Run  func(ctx context.Context) adapter.Outcome
}

// Destination declares one external system a service depends on: the adapter
// that reaches it and the functional probes that exercise it. Credentialed
// destinations additionally get an authentication probe during the
// connectivity phase.
type Destination struct {
	Name         string
	Adapter      adapter.Adapter
	Credentialed bool
	Probes       []Probe
}

// UseCase validates one service against all of its destinations.
type UseCase struct {
	service      string
	namespace    string
	destinations []*Destination
	timeout      time.Duration
	log          logrus.FieldLogger

	closeOnce sync.Once
}

// New assembles a use case from its destination set. timeout bounds the
// whole suite.
func New(service, namespace string, destinations []*Destination, timeout time.Duration, log logrus.FieldLogger) *UseCase {
	return &UseCase{
		service:      service,
		namespace:    namespace,
		destinations: destinations,
		timeout:      timeout,
		log:          log.WithField("service", service),
	}
}

// Service returns the service name this use case validates.
func (u *UseCase) Service() string { return u.service }

// destinationRun accumulates the results for one destination across phases.
type destinationRun struct {
	dest         *Destination
	connectivity []result.TestResult
	functional   []result.TestResult
	reachable    bool
}

// Run executes the suite: the connectivity phase completes for every
// destination before any functional probe starts, and destinations that did
// not prove reachable get their functional probes recorded as skipped.
// Adapters are released exactly once before Run returns.
func (u *UseCase) Run(ctx context.Context) result.ServiceTestSuite {
	suite := result.ServiceTestSuite{
		ServiceName: u.service,
		Namespace:   u.namespace,
		StartedAt:   time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()
	defer u.close()

	runs := make([]*destinationRun, len(u.destinations))
	for i, dest := range u.destinations {
		runs[i] = &destinationRun{dest: dest}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, run := range runs {
		g.Go(func() error {
			u.connectivityPhase(gctx, run)
			return nil
		})
	}
	_ = g.Wait()

	for _, run := range runs {
		u.functionalPhase(ctx, run)
	}

	for _, run := range runs {
		suite.Results = append(suite.Results, run.connectivity...)
	}
	for _, run := range runs {
		suite.Results = append(suite.Results, run.functional...)
	}

	if err := ctx.Err(); err != nil {
		suite.Results = append(suite.Results, result.TestResult{
			TestName:    "suite_deadline",
			ServiceName: u.service,
			Category:    result.CategoryConnectivity,
			Status:      result.StatusError,
			Error:       fmt.Sprintf("suite aborted: %v", err),
			Metadata:    map[string]any{result.MetaFailure: string(result.FailureTimeout)},
			Timestamp:   time.Now().UTC(),
		})
	}

	suite.CompletedAt = time.Now().UTC()

	return suite
}

// connectivityPhase runs the reachability probe and, for credentialed
// destinations, the credential exchange. When the target instance could not
// even be located there is nothing to authenticate against, so the
// authentication probe is skipped rather than failed.
func (u *UseCase) connectivityPhase(ctx context.Context, run *destinationRun) {
	dest := run.dest

	conn := dest.Adapter.TestConnectivity(ctx)
	run.connectivity = append(run.connectivity,
		u.toResult(dest, probeName(dest.Name, "connectivity"), result.CategoryConnectivity, conn))
	run.reachable = conn.Passed()

	if !dest.Credentialed {
		return
	}

	if failureOf(conn) == result.FailureInstanceNotFound {
		run.connectivity = append(run.connectivity, result.TestResult{
			TestName:    probeName(dest.Name, "authentication"),
			ServiceName: u.service,
			Category:    result.CategoryAuthentication,
			Protocol:    dest.Adapter.Protocol(),
			Status:      result.StatusSkipped,
			Message:     "no target instance, authentication not attempted",
			Timestamp:   time.Now().UTC(),
		})

		return
	}

	auth := dest.Adapter.TestAuthentication(ctx)
	run.connectivity = append(run.connectivity,
		u.toResult(dest, probeName(dest.Name, "authentication"), result.CategoryAuthentication, auth))
}

// functionalPhase runs the destination's functional probes, or records them
// as skipped when the connectivity phase did not pass.
func (u *UseCase) functionalPhase(ctx context.Context, run *destinationRun) {
	dest := run.dest

	for _, probe := range dest.Probes {
		// Once the suite deadline has passed the remainder is abandoned;
		// the suite_deadline entry accounts for it. Probes must not run
		// past the bound even when an adapter ignores its context.
		if ctx.Err() != nil {
			return
		}

		name := probeName(dest.Name, probe.Name)

		if !run.reachable {
			run.functional = append(run.functional, result.TestResult{
				TestName:    name,
				ServiceName: u.service,
				Category:    result.CategoryFunctional,
				Protocol:    dest.Adapter.Protocol(),
				Status:      result.StatusSkipped,
				Message:     fmt.Sprintf("connectivity to %s did not pass, probe not attempted", dest.Name),
				Timestamp:   time.Now().UTC(),
			})

			continue
		}

		run.functional = append(run.functional,
			u.toResult(dest, name, result.CategoryFunctional, probe.Run(ctx)))
	}
}

// close releases every adapter exactly once. Errors are logged, never
// propagated: a failed release must not taint the suite verdict.
func (u *UseCase) close() {
	u.closeOnce.Do(func() {
		for _, dest := range u.destinations {
			if err := dest.Adapter.Close(); err != nil {
				u.log.WithError(err).WithField("destination", dest.Name).Warn("failed to release adapter")
			}
		}
	})
}

func (u *UseCase) toResult(dest *Destination, name string, category result.Category, o adapter.Outcome) result.TestResult {
	return result.TestResult{
		TestName:    name,
		ServiceName: u.service,
		Category:    category,
		Protocol:    dest.Adapter.Protocol(),
		Status:      o.Status,
		Duration:    o.Duration,
		Message:     o.Message,
		Error:       o.Err,
		Metadata:    o.Metadata,
		Timestamp:   time.Now().UTC(),
	}
}

func probeName(destination, probe string) string {
	return destination + "." + probe
}

func failureOf(o adapter.Outcome) result.Failure {
	v, ok := o.Metadata[result.MetaFailure].(string)
	if !ok {
		return ""
	}
	return result.Failure(v)
}
