package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Environments is the parsed environments.yaml file: one Environment per
// deployment target (dev, qa, pp, prod, ...).
type Environments struct {
	Environments map[string]*Environment `yaml:"environments"`
}

// Environment holds connection parameters for every destination system in
// one deployment target. The core treats these as immutable, already
// validated inputs.
type Environment struct {
	Name       string                    `yaml:"-"`
	Kafka      KafkaConfig               `yaml:"kafka"`
	RabbitMQ   RabbitMQConfig            `yaml:"rabbitmq"`
	Postgres   map[string]DBConfig       `yaml:"postgres"`
	ClickHouse ClickHouseConfig          `yaml:"clickhouse"`
	SFTP       SFTPConfig                `yaml:"sftp"`
	Endpoints  map[string]EndpointConfig `yaml:"endpoints"`
	Services   map[string]ServiceRef     `yaml:"services"`
}

// KafkaConfig describes a Kafka cluster and its SASL credentials.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	SASLMechanism string   `yaml:"sasl_mechanism"`
	Username      string   `yaml:"username"`
	Password      string   `yaml:"password"`
	TLS           bool     `yaml:"tls"`
}

// RabbitMQConfig describes a RabbitMQ broker and its credentials.
type RabbitMQConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	VHost    string `yaml:"vhost"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`
}

// DBConfig describes one PostgreSQL database.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ClickHouseConfig describes the analytics store.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// EndpointConfig describes one HTTP API endpoint. BearerToken is optional;
// when set the endpoint gets a credential exchange probe.
type EndpointConfig struct {
	URL         string `yaml:"url"`
	HealthPath  string `yaml:"health_path"`
	BearerToken string `yaml:"bearer_token"`
}

// SFTPConfig describes a file-transfer endpoint.
type SFTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	BaseDir  string `yaml:"base_dir"`
}

// ServiceRef locates a monitored workload: its in-cluster HTTP address and
// the namespace/selector the bridge uses to exec into it.
type ServiceRef struct {
	URL       string `yaml:"url"`
	Namespace string `yaml:"namespace"`
	Selector  string `yaml:"selector"`
}

// LoadEnvironments reads and parses environments.yaml. ${VAR} references are
// expanded from the process environment before parsing so that credentials
// never live in the file itself. Unset references expand to the empty string.
func LoadEnvironments(path string) (*Environments, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	expanded := os.Expand(string(raw), func(key string) string {
		return os.Getenv(key)
	})

	var envs Environments
	if err := yaml.Unmarshal([]byte(expanded), &envs); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if len(envs.Environments) == 0 {
		return nil, fmt.Errorf("%s declares no environments", path)
	}

	for name, env := range envs.Environments {
		env.Name = name
	}

	return &envs, nil
}

// Get returns the named environment or an error listing the ones that exist.
func (e *Environments) Get(name string) (*Environment, error) {
	env, ok := e.Environments[name]
	if !ok {
		return nil, fmt.Errorf("environment %q not found (have: %v)", name, e.Names())
	}
	return env, nil
}

// Names returns the declared environment names, sorted.
func (e *Environments) Names() []string {
	names := make([]string, 0, len(e.Environments))
	for name := range e.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
