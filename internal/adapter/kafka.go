package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opsverify/conncheck/internal/bridge"
	"github.com/opsverify/conncheck/internal/config"
	"github.com/opsverify/conncheck/internal/result"
)

// KafkaParams configures a Kafka adapter. A non-nil Delegate switches the
// adapter to in-context mode at construction time.
type KafkaParams struct {
	config.KafkaConfig
	Timeout  time.Duration
	Delegate *bridge.Delegate
}

// kafkaAdapter probes a Kafka cluster with sarama.
type kafkaAdapter struct {
	params KafkaParams
	log    logrus.FieldLogger

	mu     sync.Mutex
	client sarama.Client
	closed bool
}

// NewKafka builds the Kafka adapter for the given parameters.
func NewKafka(params KafkaParams, log logrus.FieldLogger) MessageBus {
	if params.Delegate != nil {
		host, port := firstBrokerHostPort(params.Brokers)
		return &delegatedMessageBus{delegated{
			delegate: params.Delegate,
			protocol: result.ProtocolKafka,
			host:     host,
			port:     port,
		}}
	}

	return &kafkaAdapter{
		params: params,
		log:    log.WithField("adapter", "kafka"),
	}
}

func (a *kafkaAdapter) Protocol() result.Protocol { return result.ProtocolKafka }

func (a *kafkaAdapter) saramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "conncheck"
	cfg.Version = sarama.V2_1_0_0
	cfg.Net.DialTimeout = a.params.Timeout
	cfg.Net.ReadTimeout = a.params.Timeout
	cfg.Net.WriteTimeout = a.params.Timeout
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 1
	cfg.Consumer.Return.Errors = true

	if a.params.TLS {
		cfg.Net.TLS.Enable = true
	}

	if a.params.Username != "" {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.User = a.params.Username
		cfg.Net.SASL.Password = a.params.Password
		cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	}

	return cfg
}

// ensureClient lazily opens the shared metadata client.
func (a *kafkaAdapter) ensureClient() (sarama.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil && !a.client.Closed() {
		return a.client, nil
	}

	client, err := sarama.NewClient(a.params.Brokers, a.saramaConfig())
	if err != nil {
		return nil, err
	}

	a.client = client

	return client, nil
}

func (a *kafkaAdapter) TestConnectivity(_ context.Context) Outcome {
	start := time.Now()

	client, err := a.ensureClient()
	if err != nil {
		return probeFailure(start, fmt.Errorf("connecting to kafka: %w", err), result.FailureUnreachable)
	}

	topics, err := client.Topics()
	if err != nil {
		return probeFailure(start, fmt.Errorf("listing topics: %w", err), result.FailureUnreachable)
	}

	return pass(start, fmt.Sprintf("connected to kafka, %d topics visible", len(topics))).
		With("brokers", strings.Join(a.params.Brokers, ",")).
		With("topics_count", len(topics))
}

func (a *kafkaAdapter) TestAuthentication(_ context.Context) Outcome {
	start := time.Now()

	// A fresh client so the credential exchange happens on this probe, not
	// on a connection the connectivity probe already authenticated.
	client, err := sarama.NewClient(a.params.Brokers, a.saramaConfig())
	if err != nil {
		return probeFailure(start, fmt.Errorf("kafka authentication: %w", err), kafkaAuthFailure(err))
	}
	defer func() { _ = client.Close() }()

	if err := client.RefreshMetadata(); err != nil {
		return probeFailure(start, fmt.Errorf("refreshing metadata: %w", err), kafkaAuthFailure(err))
	}

	return pass(start, "kafka SASL authentication successful").
		With("mechanism", a.params.SASLMechanism)
}

// TestChannelAccess verifies topic metadata is visible to this identity.
// Like the broker metadata API itself, this proves describe/consume access
// without producing anything.
func (a *kafkaAdapter) TestChannelAccess(_ context.Context, topic string, access TopicAccess) Outcome {
	start := time.Now()

	client, err := a.ensureClient()
	if err != nil {
		return probeFailure(start, fmt.Errorf("connecting to kafka: %w", err), result.FailureUnreachable)
	}

	partitions, err := client.Partitions(topic)
	if err != nil {
		return probeFailure(start, fmt.Errorf("topic %q %s access: %w", topic, access, err), result.FailureFunctional)
	}

	return pass(start, fmt.Sprintf("%s access to topic %q verified, %d partitions", access, topic, len(partitions))).
		With("topic", topic).
		With("access", string(access)).
		With("partitions", len(partitions))
}

// TestRoundTrip produces a marker message and consumes it back from the
// partition and offset the broker acknowledged.
func (a *kafkaAdapter) TestRoundTrip(ctx context.Context, topic string) Outcome {
	start := time.Now()

	client, err := a.ensureClient()
	if err != nil {
		return probeFailure(start, fmt.Errorf("connecting to kafka: %w", err), result.FailureUnreachable)
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return probeFailure(start, fmt.Errorf("creating producer: %w", err), result.FailureFunctional)
	}
	defer func() { _ = producer.Close() }()

	markerID := uuid.New().String()
	payload, _ := json.Marshal(map[string]string{"probe": "conncheck", "marker": markerID})

	partition, offset, err := producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return probeFailure(start, fmt.Errorf("producing to %q: %w", topic, err), result.FailureFunctional)
	}

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		return probeFailure(start, fmt.Errorf("creating consumer: %w", err), result.FailureFunctional)
	}
	defer func() { _ = consumer.Close() }()

	pc, err := consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return probeFailure(start, fmt.Errorf("consuming %q partition %d: %w", topic, partition, err), result.FailureFunctional)
	}
	defer func() { _ = pc.Close() }()

	deadline := time.NewTimer(a.params.Timeout)
	defer deadline.Stop()

	for {
		select {
		case msg := <-pc.Messages():
			var decoded map[string]string
			if jsonErr := json.Unmarshal(msg.Value, &decoded); jsonErr == nil && decoded["marker"] == markerID {
				return pass(start, fmt.Sprintf("produced and consumed marker on topic %q", topic)).
					With("topic", topic).
					With("partition", partition).
					With("offset", offset)
			}
		case consErr := <-pc.Errors():
			return probeFailure(start, fmt.Errorf("consume error on %q: %w", topic, consErr), result.FailureFunctional)
		case <-deadline.C:
			return errored(start, result.FailureTimeout,
				fmt.Errorf("marker not consumed from %q within %s", topic, a.params.Timeout))
		case <-ctx.Done():
			return probeFailure(start, ctx.Err(), result.FailureFunctional)
		}
	}
}

func (a *kafkaAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.client == nil {
		a.closed = true
		return nil
	}

	a.closed = true

	return a.client.Close()
}

// kafkaAuthFailure maps sarama errors to the taxonomy: SASL rejections are
// credential failures, everything else during auth counts as unreachable.
func kafkaAuthFailure(err error) result.Failure {
	msg := err.Error()
	if strings.Contains(msg, "SASL") || strings.Contains(msg, "authentication") {
		return result.FailureAuthRejected
	}
	return result.FailureUnreachable
}

func firstBrokerHostPort(brokers []string) (string, int) {
	if len(brokers) == 0 {
		return "", 0
	}

	host, portStr, err := net.SplitHostPort(brokers[0])
	if err != nil {
		return brokers[0], 9092
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = 9092
	}

	return host, port
}
