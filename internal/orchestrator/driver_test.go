package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/opsverify/conncheck/internal/config"
	"github.com/opsverify/conncheck/internal/result"
	"github.com/opsverify/conncheck/internal/usecase"
)

func testDriver(concurrency int) *Driver {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	env := &config.Environment{Name: "qa"}
	app := config.App{
		Concurrency:  concurrency,
		ProbeTimeout: time.Second,
		SuiteTimeout: 30 * time.Second,
	}

	return New(env, app, nil, log)
}

func emptyUseCase(name string) usecase.Builder {
	return func(deps usecase.Deps) (*usecase.UseCase, error) {
		return usecase.New(name, "", nil, deps.App.SuiteTimeout, deps.Log), nil
	}
}

func TestSelectSingleService(t *testing.T) {
	t.Parallel()

	d := testDriver(4)

	defs, err := d.Select(Filter{Service: "rabbit-consumer"})
	require.NoError(t, err)
	require.Len(t, defs, 1)
	require.Equal(t, "rabbit-consumer", defs[0].Name)
}

func TestSelectUnknownServiceIsAnError(t *testing.T) {
	t.Parallel()

	d := testDriver(4)

	_, err := d.Select(Filter{Service: "nope"})
	require.ErrorContains(t, err, `unknown service "nope"`)
}

func TestSelectDomain(t *testing.T) {
	t.Parallel()

	d := testDriver(4)

	defs, err := d.Select(Filter{Domain: "cfk"})
	require.NoError(t, err)
	require.Len(t, defs, 5)

	_, err = d.Select(Filter{Domain: "nope"})
	require.ErrorContains(t, err, `unknown domain "nope"`)
}

func TestSelectProtocol(t *testing.T) {
	t.Parallel()

	d := testDriver(4)

	defs, err := d.Select(Filter{Protocol: "kafka"})
	require.NoError(t, err)
	require.Len(t, defs, 3)
	for _, def := range defs {
		require.True(t, def.UsesProtocol(result.ProtocolKafka))
	}

	_, err = d.Select(Filter{Protocol: "smtp"})
	require.ErrorContains(t, err, `no service uses protocol "smtp"`)
}

func TestSelectAll(t *testing.T) {
	t.Parallel()

	d := testDriver(4)

	defs, err := d.Select(Filter{All: true})
	require.NoError(t, err)
	require.Len(t, defs, 11)
}

func TestSelectNothingIsAnError(t *testing.T) {
	t.Parallel()

	d := testDriver(4)

	_, err := d.Select(Filter{})
	require.ErrorContains(t, err, "nothing selected")
}

func TestRunAggregatesInSelectionOrder(t *testing.T) {
	t.Parallel()

	d := testDriver(4)

	defs := []usecase.Definition{
		{Name: "charlie", Build: emptyUseCase("charlie")},
		{Name: "alpha", Build: emptyUseCase("alpha")},
		{Name: "beta", Build: emptyUseCase("beta")},
	}

	report := d.Run(context.Background(), defs)

	require.NotEmpty(t, report.ExecutionID)
	require.Equal(t, "qa", report.Environment)
	require.Len(t, report.Suites, 3)
	require.Equal(t, "charlie", report.Suites[0].ServiceName)
	require.Equal(t, "alpha", report.Suites[1].ServiceName)
	require.Equal(t, "beta", report.Suites[2].ServiceName)
}

func TestRunIsolatesBuilderErrors(t *testing.T) {
	t.Parallel()

	d := testDriver(4)

	defs := []usecase.Definition{
		{Name: "broken", Build: func(usecase.Deps) (*usecase.UseCase, error) {
			return nil, errors.New("no config")
		}},
		{Name: "fine", Build: emptyUseCase("fine")},
	}

	report := d.Run(context.Background(), defs)

	require.Len(t, report.Suites, 2)
	require.Equal(t, 1, report.Suites[0].ErrorCount())
	require.Contains(t, report.Suites[0].Results[0].Error, "no config")
	require.Equal(t, 0, report.Suites[1].ErrorCount())
	require.True(t, report.HasFailures())
}

func TestRunIsolatesPanics(t *testing.T) {
	t.Parallel()

	d := testDriver(4)

	defs := []usecase.Definition{
		{Name: "panicky", Build: func(usecase.Deps) (*usecase.UseCase, error) {
			panic("boom")
		}},
		{Name: "fine", Build: emptyUseCase("fine")},
	}

	report := d.Run(context.Background(), defs)

	require.Len(t, report.Suites, 2)
	require.Equal(t, 1, report.Suites[0].ErrorCount())
	require.Contains(t, report.Suites[0].Results[0].Error, "panicked")
	require.Equal(t, 0, report.Suites[1].ErrorCount())
}

func TestRunBoundsConcurrency(t *testing.T) {
	t.Parallel()

	d := testDriver(2)

	var inFlight, peak atomic.Int32
	var mu sync.Mutex

	slowBuilder := func(name string) usecase.Builder {
		return func(deps usecase.Deps) (*usecase.UseCase, error) {
			current := inFlight.Add(1)
			defer inFlight.Add(-1)

			mu.Lock()
			if current > peak.Load() {
				peak.Store(current)
			}
			mu.Unlock()

			time.Sleep(30 * time.Millisecond)

			return usecase.New(name, "", nil, deps.App.SuiteTimeout, deps.Log), nil
		}
	}

	defs := make([]usecase.Definition, 0, 6)
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		defs = append(defs, usecase.Definition{Name: name, Build: slowBuilder(name)})
	}

	report := d.Run(context.Background(), defs)

	require.Len(t, report.Suites, 6)
	require.LessOrEqual(t, peak.Load(), int32(2))
	require.False(t, report.HasFailures())
}
