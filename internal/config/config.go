// Package config handles configuration loading: process-level settings from
// environment variables and per-environment connection parameters from
// environments.yaml.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Mode selects how probes are executed.
type Mode string

const (
	// ModeDirect runs probes with native in-process protocol clients.
	ModeDirect Mode = "direct"
	// ModeInContext delegates probes to the target workload's pod via exec.
	ModeInContext Mode = "incontext"
)

// App holds process-level settings shared by all commands.
type App struct {
	Mode         Mode
	Kubeconfig   string
	Concurrency  int
	ProbeTimeout time.Duration
	SuiteTimeout time.Duration
}

// Load reads process settings from environment variables and an optional
// .env file.
func Load() (*App, error) {
	if err := godotenv.Load(); err != nil {
		// It's okay if the file doesn't exist
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading .env file: %w", err)
		}
	}

	app := &App{
		Mode:       Mode(getEnv("CONNCHECK_MODE", string(ModeDirect))),
		Kubeconfig: getEnv("KUBECONFIG", ""),
	}

	if app.Mode != ModeDirect && app.Mode != ModeInContext {
		return nil, fmt.Errorf("invalid CONNCHECK_MODE %q: must be %q or %q", app.Mode, ModeDirect, ModeInContext)
	}

	concurrency, err := strconv.Atoi(getEnv("CONNCHECK_CONCURRENCY", "4"))
	if err != nil {
		return nil, fmt.Errorf("invalid CONNCHECK_CONCURRENCY: %w", err)
	}
	app.Concurrency = concurrency

	probeTimeout, err := time.ParseDuration(getEnv("CONNCHECK_PROBE_TIMEOUT", "10s"))
	if err != nil {
		return nil, fmt.Errorf("invalid CONNCHECK_PROBE_TIMEOUT: %w", err)
	}
	app.ProbeTimeout = probeTimeout

	suiteTimeout, err := time.ParseDuration(getEnv("CONNCHECK_SUITE_TIMEOUT", "5m"))
	if err != nil {
		return nil, fmt.Errorf("invalid CONNCHECK_SUITE_TIMEOUT: %w", err)
	}
	app.SuiteTimeout = suiteTimeout

	return app, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
