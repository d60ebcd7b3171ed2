package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONNCHECK_MODE", "")
	t.Setenv("CONNCHECK_CONCURRENCY", "")
	t.Setenv("CONNCHECK_PROBE_TIMEOUT", "")
	t.Setenv("CONNCHECK_SUITE_TIMEOUT", "")

	app, err := Load()
	require.NoError(t, err)

	require.Equal(t, ModeDirect, app.Mode)
	require.Equal(t, 4, app.Concurrency)
	require.Equal(t, 10*time.Second, app.ProbeTimeout)
	require.Equal(t, 5*time.Minute, app.SuiteTimeout)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CONNCHECK_MODE", "incontext")
	t.Setenv("CONNCHECK_CONCURRENCY", "8")
	t.Setenv("CONNCHECK_PROBE_TIMEOUT", "3s")
	t.Setenv("CONNCHECK_SUITE_TIMEOUT", "2m")
	t.Setenv("KUBECONFIG", "/tmp/kubeconfig")

	app, err := Load()
	require.NoError(t, err)

	require.Equal(t, ModeInContext, app.Mode)
	require.Equal(t, 8, app.Concurrency)
	require.Equal(t, 3*time.Second, app.ProbeTimeout)
	require.Equal(t, 2*time.Minute, app.SuiteTimeout)
	require.Equal(t, "/tmp/kubeconfig", app.Kubeconfig)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "unknown mode", key: "CONNCHECK_MODE", value: "remote"},
		{name: "non-numeric concurrency", key: "CONNCHECK_CONCURRENCY", value: "many"},
		{name: "malformed probe timeout", key: "CONNCHECK_PROBE_TIMEOUT", value: "10 seconds"},
		{name: "malformed suite timeout", key: "CONNCHECK_SUITE_TIMEOUT", value: "forever"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
		})
	}
}

const environmentsFixture = `
environments:
  qa:
    kafka:
      brokers: ["kafka-1.qa:9093", "kafka-2.qa:9093"]
      username: conncheck
      password: ${TEST_KAFKA_PASSWORD}
      tls: true
    rabbitmq:
      host: rabbit.qa
      port: 5672
      vhost: /apps
      username: conncheck
      password: ${TEST_RABBIT_PASSWORD}
    postgres:
      core:
        host: pg-core.qa
        port: 5432
        database: core
        username: conncheck
        password: secret
    clickhouse:
      host: ch.qa
      port: 9000
      database: observability
      username: default
    sftp:
      host: sftp.qa
      port: 22
      username: delivery
      password: sftppw
      base_dir: /data
    endpoints:
      core-api:
        url: https://core-api.qa.internal
        health_path: /health
        bearer_token: ${TEST_API_TOKEN}
    services:
      core-api:
        url: http://core-api.apps.svc:8080
        namespace: apps
        selector: app=core-api
`

func writeEnvironments(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "environments.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadEnvironmentsExpandsVariables(t *testing.T) {
	t.Setenv("TEST_KAFKA_PASSWORD", "kafka-secret")
	t.Setenv("TEST_RABBIT_PASSWORD", "rabbit-secret")
	t.Setenv("TEST_API_TOKEN", "token-123")

	envs, err := LoadEnvironments(writeEnvironments(t, environmentsFixture))
	require.NoError(t, err)

	qa, err := envs.Get("qa")
	require.NoError(t, err)

	require.Equal(t, "qa", qa.Name)
	require.Equal(t, []string{"kafka-1.qa:9093", "kafka-2.qa:9093"}, qa.Kafka.Brokers)
	require.Equal(t, "kafka-secret", qa.Kafka.Password)
	require.True(t, qa.Kafka.TLS)
	require.Equal(t, "rabbit-secret", qa.RabbitMQ.Password)
	require.Equal(t, "/apps", qa.RabbitMQ.VHost)
	require.Equal(t, "core", qa.Postgres["core"].Database)
	require.Equal(t, "observability", qa.ClickHouse.Database)
	require.Equal(t, "/data", qa.SFTP.BaseDir)
	require.Equal(t, "token-123", qa.Endpoints["core-api"].BearerToken)
	require.Equal(t, "app=core-api", qa.Services["core-api"].Selector)
}

func TestLoadEnvironmentsUnsetVariableExpandsEmpty(t *testing.T) {
	t.Setenv("TEST_KAFKA_PASSWORD", "")
	t.Setenv("TEST_RABBIT_PASSWORD", "x")
	t.Setenv("TEST_API_TOKEN", "x")

	envs, err := LoadEnvironments(writeEnvironments(t, environmentsFixture))
	require.NoError(t, err)

	qa, err := envs.Get("qa")
	require.NoError(t, err)
	require.Empty(t, qa.Kafka.Password)
}

func TestLoadEnvironmentsErrors(t *testing.T) {
	t.Parallel()

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()

		_, err := LoadEnvironments(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		t.Parallel()

		_, err := LoadEnvironments(writeEnvironments(t, "environments: ["))
		require.Error(t, err)
	})

	t.Run("no environments declared", func(t *testing.T) {
		t.Parallel()

		_, err := LoadEnvironments(writeEnvironments(t, "environments: {}"))
		require.ErrorContains(t, err, "declares no environments")
	})
}

func TestGetUnknownEnvironmentListsNames(t *testing.T) {
	t.Setenv("TEST_KAFKA_PASSWORD", "x")
	t.Setenv("TEST_RABBIT_PASSWORD", "x")
	t.Setenv("TEST_API_TOKEN", "x")

	envs, err := LoadEnvironments(writeEnvironments(t, environmentsFixture))
	require.NoError(t, err)

	_, err = envs.Get("prod")
	require.ErrorContains(t, err, `environment "prod" not found`)
	require.ErrorContains(t, err, "qa")
}
