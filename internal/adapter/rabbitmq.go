package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/opsverify/conncheck/internal/bridge"
	"github.com/opsverify/conncheck/internal/config"
	"github.com/opsverify/conncheck/internal/result"
)

// RabbitMQParams configures a RabbitMQ adapter.
type RabbitMQParams struct {
	config.RabbitMQConfig
	Timeout  time.Duration
	Delegate *bridge.Delegate
}

// rabbitMQAdapter probes a RabbitMQ broker over AMQP 0.9.1.
type rabbitMQAdapter struct {
	params RabbitMQParams
	log    logrus.FieldLogger

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
}

// NewRabbitMQ builds the RabbitMQ adapter for the given parameters.
func NewRabbitMQ(params RabbitMQParams, log logrus.FieldLogger) MessageBus {
	if params.Delegate != nil {
		return &delegatedMessageBus{delegated{
			delegate: params.Delegate,
			protocol: result.ProtocolRabbitMQ,
			host:     params.Host,
			port:     params.Port,
		}}
	}

	return &rabbitMQAdapter{
		params: params,
		log:    log.WithField("adapter", "rabbitmq"),
	}
}

func (a *rabbitMQAdapter) Protocol() result.Protocol { return result.ProtocolRabbitMQ }

func (a *rabbitMQAdapter) amqpURL() string {
	scheme := "amqp"
	if a.params.TLS {
		scheme = "amqps"
	}

	vhost := a.params.VHost
	if vhost == "" {
		vhost = "/"
	}

	return fmt.Sprintf("%s://%s:%s@%s:%d/%s",
		scheme,
		url.QueryEscape(a.params.Username),
		url.QueryEscape(a.params.Password),
		a.params.Host,
		a.params.Port,
		url.PathEscape(vhost),
	)
}

func (a *rabbitMQAdapter) dial() (*amqp.Connection, error) {
	return amqp.DialConfig(a.amqpURL(), amqp.Config{
		Dial:      amqp.DefaultDial(a.params.Timeout),
		Heartbeat: 10 * time.Second,
	})
}

// ensureConn lazily opens the shared connection.
func (a *rabbitMQAdapter) ensureConn() (*amqp.Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn != nil && !a.conn.IsClosed() {
		return a.conn, nil
	}

	conn, err := a.dial()
	if err != nil {
		return nil, err
	}

	a.conn = conn

	return conn, nil
}

func (a *rabbitMQAdapter) TestConnectivity(_ context.Context) Outcome {
	start := time.Now()

	conn, err := a.ensureConn()
	if err != nil {
		return probeFailure(start, fmt.Errorf("connecting to rabbitmq: %w", err), rabbitFailure(err))
	}

	ch, err := conn.Channel()
	if err != nil {
		return probeFailure(start, fmt.Errorf("opening channel: %w", err), result.FailureUnreachable)
	}
	defer func() { _ = ch.Close() }()

	version := "unknown"
	if v, ok := conn.Properties["version"].(string); ok {
		version = v
	}

	return pass(start, fmt.Sprintf("connected to rabbitmq at %s", a.params.Host)).
		With("host", a.params.Host).
		With("vhost", a.params.VHost).
		With("server_version", version)
}

// TestAuthentication performs a full AMQP login on a fresh connection and
// verifies the identity can declare a queue in the vhost. The transient
// queue it declares is deleted before the probe returns.
func (a *rabbitMQAdapter) TestAuthentication(_ context.Context) Outcome {
	start := time.Now()

	conn, err := a.dial()
	if err != nil {
		return probeFailure(start, fmt.Errorf("rabbitmq authentication: %w", err), rabbitFailure(err))
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return probeFailure(start, fmt.Errorf("opening channel: %w", err), result.FailureAuthRejected)
	}
	defer func() { _ = ch.Close() }()

	probeQueue := fmt.Sprintf("conncheck.auth.%d", time.Now().UnixNano())
	if _, err := ch.QueueDeclare(probeQueue, false, true, false, false, nil); err != nil {
		return probeFailure(start, fmt.Errorf("declaring probe queue: %w", err), result.FailureAuthRejected)
	}

	if _, err := ch.QueueDelete(probeQueue, false, false, false); err != nil {
		a.log.WithError(err).WithField("queue", probeQueue).Warn("failed to delete auth probe queue")
	}

	return pass(start, "rabbitmq authentication successful").
		With("username", a.params.Username).
		With("vhost", a.params.VHost)
}

// TestChannelAccess checks the named queue exists and is visible to this
// identity via a passive inspect.
func (a *rabbitMQAdapter) TestChannelAccess(_ context.Context, queue string, access TopicAccess) Outcome {
	start := time.Now()

	conn, err := a.ensureConn()
	if err != nil {
		return probeFailure(start, fmt.Errorf("connecting to rabbitmq: %w", err), rabbitFailure(err))
	}

	// A failed passive declare closes its channel, so each probe gets a
	// fresh one instead of sharing.
	ch, err := conn.Channel()
	if err != nil {
		return probeFailure(start, fmt.Errorf("opening channel: %w", err), result.FailureUnreachable)
	}
	defer func() { _ = ch.Close() }()

	state, err := ch.QueueInspect(queue)
	if err != nil {
		return probeFailure(start, fmt.Errorf("queue %q not accessible: %w", queue, err), result.FailureFunctional)
	}

	return pass(start, fmt.Sprintf("%s access to queue %q verified", access, queue)).
		With("queue", queue).
		With("access", string(access)).
		With("messages", state.Messages).
		With("consumers", state.Consumers)
}

// TestRoundTrip publishes a marker to a transient probe queue and reads it
// back. The probe queue is auto-delete and explicitly removed on exit so no
// state is left on the broker.
func (a *rabbitMQAdapter) TestRoundTrip(ctx context.Context, queue string) Outcome {
	start := time.Now()

	conn, err := a.ensureConn()
	if err != nil {
		return probeFailure(start, fmt.Errorf("connecting to rabbitmq: %w", err), rabbitFailure(err))
	}

	ch, err := conn.Channel()
	if err != nil {
		return probeFailure(start, fmt.Errorf("opening channel: %w", err), result.FailureUnreachable)
	}
	defer func() { _ = ch.Close() }()

	probeQueue := fmt.Sprintf("conncheck.%s.%d", queue, time.Now().UnixNano())
	if _, err := ch.QueueDeclare(probeQueue, false, true, false, false, nil); err != nil {
		return probeFailure(start, fmt.Errorf("declaring probe queue: %w", err), result.FailureFunctional)
	}
	defer func() {
		if _, delErr := ch.QueueDelete(probeQueue, false, false, false); delErr != nil {
			a.log.WithError(delErr).WithField("queue", probeQueue).Warn("failed to delete probe queue")
		}
	}()

	markerID := uuid.New().String()
	payload, _ := json.Marshal(map[string]string{"probe": "conncheck", "marker": markerID})

	err = ch.PublishWithContext(ctx, "", probeQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Body:         payload,
	})
	if err != nil {
		return probeFailure(start, fmt.Errorf("publishing to %q: %w", probeQueue, err), result.FailureFunctional)
	}

	deadline := time.Now().Add(a.params.Timeout)
	for time.Now().Before(deadline) {
		msg, ok, getErr := ch.Get(probeQueue, true)
		if getErr != nil {
			return probeFailure(start, fmt.Errorf("consuming from %q: %w", probeQueue, getErr), result.FailureFunctional)
		}

		if ok {
			var decoded map[string]string
			if jsonErr := json.Unmarshal(msg.Body, &decoded); jsonErr == nil && decoded["marker"] == markerID {
				return pass(start, fmt.Sprintf("published and consumed marker on queue %q", probeQueue)).
					With("queue", probeQueue)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return probeFailure(start, ctx.Err(), result.FailureFunctional)
		case <-time.After(100 * time.Millisecond):
		}
	}

	return errored(start, result.FailureTimeout,
		fmt.Errorf("marker not consumed from %q within %s", probeQueue, a.params.Timeout))
}

func (a *rabbitMQAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.conn == nil || a.conn.IsClosed() {
		a.closed = true
		return nil
	}

	a.closed = true

	return a.conn.Close()
}

// rabbitFailure distinguishes a rejected AMQP login from a dead broker.
func rabbitFailure(err error) result.Failure {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.AccessRefused {
		return result.FailureAuthRejected
	}

	if errors.Is(err, amqp.ErrCredentials) {
		return result.FailureAuthRejected
	}

	return result.FailureUnreachable
}
