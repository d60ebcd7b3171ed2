// Package orchestrator selects service use cases, runs them under a bounded
// worker pool and aggregates their suites into a single execution report.
package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/opsverify/conncheck/internal/bridge"
	"github.com/opsverify/conncheck/internal/config"
	"github.com/opsverify/conncheck/internal/result"
	"github.com/opsverify/conncheck/internal/usecase"
)

// Filter scopes a run to a subset of the registered services. Exactly one of
// All, Service, Domain or Protocol should be set.
type Filter struct {
	All      bool
	Service  string
	Domain   string
	Protocol string
}

// Driver owns one validation run: selection, bounded execution, aggregation.
type Driver struct {
	env *config.Environment
	app config.App
	log logrus.FieldLogger

	// executor is non-nil only in in-context mode. Each suite gets its own
	// Bridge over it so the pod resolution cache never outlives a suite.
	executor bridge.PodExecutor
}

// New creates a driver for one environment. executor must be nil in direct
// mode and non-nil in in-context mode.
func New(env *config.Environment, app config.App, executor bridge.PodExecutor, log logrus.FieldLogger) *Driver {
	return &Driver{
		env:      env,
		app:      app,
		executor: executor,
		log:      log.WithField("component", "orchestrator"),
	}
}

// Select resolves the filter to an ordered list of service definitions. A
// name that matches nothing is an error, never a silently empty run.
func (d *Driver) Select(filter Filter) ([]usecase.Definition, error) {
	switch {
	case filter.Service != "":
		def, ok := usecase.Lookup(filter.Service)
		if !ok {
			return nil, fmt.Errorf("unknown service %q", filter.Service)
		}
		return []usecase.Definition{def}, nil

	case filter.Domain != "":
		defs := usecase.ByDomain(filter.Domain)
		if len(defs) == 0 {
			return nil, fmt.Errorf("unknown domain %q (have: %v)", filter.Domain, usecase.Domains())
		}
		return defs, nil

	case filter.Protocol != "":
		var defs []usecase.Definition
		for _, def := range usecase.Catalog() {
			if def.UsesProtocol(result.Protocol(filter.Protocol)) {
				defs = append(defs, def)
			}
		}
		if len(defs) == 0 {
			return nil, fmt.Errorf("no service uses protocol %q", filter.Protocol)
		}
		return defs, nil

	case filter.All:
		return usecase.Catalog(), nil

	default:
		return nil, fmt.Errorf("nothing selected: pass a service, domain, protocol, or all")
	}
}

// Run executes the selected use cases with at most app.Concurrency suites in
// flight and returns the aggregated report. Suites appear in the report in
// selection order regardless of completion order. A use case that cannot be
// built, or that panics, yields a synthetic error suite instead of sinking
// the run.
func (d *Driver) Run(ctx context.Context, defs []usecase.Definition) *result.TestExecutionReport {
	report := &result.TestExecutionReport{
		Environment: d.env.Name,
		ExecutionID: uuid.New().String(),
		StartedAt:   time.Now().UTC(),
	}

	concurrency := int64(d.app.Concurrency)
	if concurrency < 1 {
		concurrency = 1
	}

	suites := make([]result.ServiceTestSuite, len(defs))
	sem := semaphore.NewWeighted(concurrency)

	var wg sync.WaitGroup
	for i, def := range defs {
		if err := sem.Acquire(ctx, 1); err != nil {
			suites[i] = syntheticSuite(def.Name, fmt.Errorf("run cancelled: %w", err))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			suites[i] = d.runOne(ctx, def)
		}()
	}
	wg.Wait()

	report.Suites = suites
	report.CompletedAt = time.Now().UTC()

	d.log.WithFields(logrus.Fields{
		"execution_id": report.ExecutionID,
		"suites":       len(report.Suites),
		"passed":       report.TotalPassed(),
		"failed":       report.TotalFailed(),
		"errors":       report.TotalErrors(),
		"skipped":      report.TotalSkipped(),
	}).Info("run complete")

	return report
}

// runOne builds and runs a single suite, isolating panics so one misbehaving
// use case cannot take down the rest of the run.
func (d *Driver) runOne(ctx context.Context, def usecase.Definition) (suite result.ServiceTestSuite) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithFields(logrus.Fields{
				"service": def.Name,
				"panic":   r,
			}).Error(string(debug.Stack()))

			suite = syntheticSuite(def.Name, fmt.Errorf("use case panicked: %v", r))
		}
	}()

	uc, err := def.Build(usecase.Deps{
		Env:    d.env,
		App:    d.app,
		Bridge: d.newBridge(),
		Log:    d.log,
	})
	if err != nil {
		return syntheticSuite(def.Name, fmt.Errorf("building use case: %w", err))
	}

	d.log.WithField("service", def.Name).Info("running suite")

	return uc.Run(ctx)
}

// newBridge returns a fresh suite-scoped bridge, or nil in direct mode.
func (d *Driver) newBridge() *bridge.Bridge {
	if d.executor == nil {
		return nil
	}
	return bridge.NewBridge(d.executor, d.log, d.app.ProbeTimeout)
}

// syntheticSuite wraps a driver-level failure as a one-result suite so it
// still shows up in the report with error status.
func syntheticSuite(service string, err error) result.ServiceTestSuite {
	now := time.Now().UTC()

	return result.ServiceTestSuite{
		ServiceName: service,
		StartedAt:   now,
		CompletedAt: now,
		Results: []result.TestResult{{
			TestName:    service + ".suite",
			ServiceName: service,
			Category:    result.CategoryConnectivity,
			Status:      result.StatusError,
			Error:       err.Error(),
			Timestamp:   now,
		}},
	}
}
