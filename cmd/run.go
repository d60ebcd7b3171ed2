package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsverify/conncheck/internal/bridge"
	"github.com/opsverify/conncheck/internal/config"
	"github.com/opsverify/conncheck/internal/orchestrator"
	"github.com/opsverify/conncheck/internal/report"
)

var (
	runEnvName       string
	runEnvFile       string
	runAll           bool
	runService       string
	runDomain        string
	runProtocol      string
	runMode          string
	runReportFormats []string
	runOutputDir     string
	runConcurrency   int
	runProbeTimeout  time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run connectivity validation suites",
	Long: `Run the connectivity validation suites for an environment.

Select what to test with exactly one of --all, --service, --domain or
--protocol. Each selected service runs its full suite: connectivity and
authentication first, then functional probes, which are skipped for any
destination that did not prove reachable.

Examples:
  conncheck run --env qa --all
  conncheck run --env prod --service pso-out-mapping
  conncheck run --env qa --domain cfk --mode incontext
  conncheck run --env dev --protocol kafka --report-format junit`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		appCfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}

		if err := applyRunFlags(cmd, appCfg); err != nil {
			return err
		}

		envs, err := config.LoadEnvironments(runEnvFile)
		if err != nil {
			return err
		}

		env, err := envs.Get(runEnvName)
		if err != nil {
			return err
		}

		var executor bridge.PodExecutor
		if appCfg.Mode == config.ModeInContext {
			executor, err = bridge.NewKubeExecutor(appCfg.Kubeconfig)
			if err != nil {
				return fmt.Errorf("connecting to the cluster: %w", err)
			}
		}

		driver := orchestrator.New(env, *appCfg, executor, Logger)

		defs, err := driver.Select(orchestrator.Filter{
			All:      runAll,
			Service:  runService,
			Domain:   runDomain,
			Protocol: runProtocol,
		})
		if err != nil {
			return err
		}

		Logger.WithField("environment", env.Name).
			WithField("mode", string(appCfg.Mode)).
			Infof("validating %d service(s)", len(defs))

		rep := driver.Run(context.Background(), defs)

		for _, name := range runReportFormats {
			format, err := report.ParseFormat(name)
			if err != nil {
				return err
			}

			path, err := report.Save(runOutputDir, format, rep)
			if err != nil {
				return err
			}

			Logger.WithField("path", path).Info("report written")
		}

		fmt.Printf("\n%d tests: %d passed, %d failed, %d errors, %d skipped (%.1f%% success)\n",
			rep.TotalTests(), rep.TotalPassed(), rep.TotalFailed(),
			rep.TotalErrors(), rep.TotalSkipped(), rep.SuccessRate()*100)

		if rep.HasFailures() {
			return fmt.Errorf("%d test(s) did not pass", rep.TotalFailed()+rep.TotalErrors())
		}

		return nil
	},
}

// applyRunFlags lets explicit flags override the environment-derived
// configuration.
func applyRunFlags(cmd *cobra.Command, appCfg *config.App) error {
	if cmd.Flags().Changed("mode") {
		mode := config.Mode(runMode)
		if mode != config.ModeDirect && mode != config.ModeInContext {
			return fmt.Errorf("invalid --mode %q: must be %q or %q", runMode, config.ModeDirect, config.ModeInContext)
		}
		appCfg.Mode = mode
	}
	if cmd.Flags().Changed("concurrency") {
		appCfg.Concurrency = runConcurrency
	}
	if cmd.Flags().Changed("timeout") {
		appCfg.ProbeTimeout = runProbeTimeout
	}
	return nil
}

func init() {
	runCmd.Flags().StringVar(&runEnvName, "env", "", "Environment to validate (required)")
	runCmd.Flags().StringVar(&runEnvFile, "environments", "environments.yaml", "Path to the environments file")
	runCmd.Flags().BoolVar(&runAll, "all", false, "Validate every registered service")
	runCmd.Flags().StringVar(&runService, "service", "", "Validate a single service")
	runCmd.Flags().StringVar(&runDomain, "domain", "", "Validate every service in a domain")
	runCmd.Flags().StringVar(&runProtocol, "protocol", "", "Validate every service using a protocol")
	runCmd.Flags().StringVar(&runMode, "mode", string(config.ModeDirect), "Execution mode: direct or incontext")
	runCmd.Flags().StringSliceVar(&runReportFormats, "report-format", []string{"json"}, "Report formats to write: json, junit, html")
	runCmd.Flags().StringVar(&runOutputDir, "output-dir", "reports", "Directory reports are written to")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 0, "Maximum suites in flight (defaults from CONNCHECK_CONCURRENCY)")
	runCmd.Flags().DurationVar(&runProbeTimeout, "timeout", 0, "Per-probe timeout (defaults from CONNCHECK_PROBE_TIMEOUT)")

	_ = runCmd.MarkFlagRequired("env")
	runCmd.MarkFlagsMutuallyExclusive("all", "service", "domain", "protocol")
	runCmd.MarkFlagsOneRequired("all", "service", "domain", "protocol")

	rootCmd.AddCommand(runCmd)
}
