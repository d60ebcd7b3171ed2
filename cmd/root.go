// Package cmd wires the CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Logger is shared by every command and handed down into the components.
var Logger *logrus.Logger

var rootCmd = &cobra.Command{
	Use:   "conncheck",
	Short: "conncheck - service connectivity validation",
	Long: `conncheck validates that deployed services can reach, authenticate against
and functionally use their destination systems (Kafka, RabbitMQ, PostgreSQL,
ClickHouse, HTTP APIs, SFTP).

Probes run either directly from this process or in-context, delegated into
the service's own pod over the Kubernetes exec API.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()

	Logger = newLogger()
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
// LOG_FORMAT=json switches to the JSON formatter for log collectors; the
// default text formatter keeps full timestamps so probe durations line up
// with the report.
func newLogger() *logrus.Logger {
	log := logrus.New()

	if os.Getenv("LOG_FORMAT") == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	levelName := os.Getenv("LOG_LEVEL")
	if levelName == "" {
		levelName = "info"
	}

	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		level = logrus.InfoLevel
		log.WithField("LOG_LEVEL", levelName).Warn("unknown log level, defaulting to info")
	}
	log.SetLevel(level)

	return log
}
