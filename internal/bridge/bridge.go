package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ErrInstanceNotFound is returned when no running pod matches a selector.
var ErrInstanceNotFound = errors.New("no running pod matches selector")

// ProbeStatus classifies the outcome of a delegated probe.
type ProbeStatus string

const (
	// ProbeReachable means the target accepted the delegated check.
	ProbeReachable ProbeStatus = "reachable"
	// ProbeUnreachable means the target refused or timed out.
	ProbeUnreachable ProbeStatus = "unreachable"
	// ProbeUnsupported means the pod lacks the tooling the probe needs.
	// This is deliberately distinct from unreachable: a minimal image
	// without a shell says nothing about the network path.
	ProbeUnsupported ProbeStatus = "unsupported"
	// ProbeNoInstance means no running pod could be resolved for the probe.
	ProbeNoInstance ProbeStatus = "no_instance"
)

// ProbeResult is the parsed outcome of one delegated probe.
type ProbeResult struct {
	Status   ProbeStatus
	Pod      string
	Detail   string
	Duration time.Duration
}

// Bridge resolves a workload pod and executes shell-level probes inside it.
//
// The pod resolved for a (namespace, selector) pair is cached for the
// lifetime of the Bridge. A Bridge must therefore be scoped to a single
// suite execution: pods can be recreated between runs, so the cache must
// never outlive one suite.
type Bridge struct {
	executor PodExecutor
	log      logrus.FieldLogger
	timeout  time.Duration

	group singleflight.Group

	mu   sync.Mutex
	pods map[string]string
}

// NewBridge creates a bridge over the given executor. timeout bounds each
// remote command.
func NewBridge(executor PodExecutor, log logrus.FieldLogger, timeout time.Duration) *Bridge {
	return &Bridge{
		executor: executor,
		log:      log.WithField("component", "bridge"),
		timeout:  timeout,
		pods:     make(map[string]string),
	}
}

// Locate resolves exactly one running pod for a (namespace, selector) pair.
// When several pods match, the first is used; the chosen name is always
// surfaced so results stay reproducible. Concurrent callers for the same
// pair share a single lookup, and the winning resolution is reused for the
// lifetime of the bridge.
func (b *Bridge) Locate(ctx context.Context, namespace, selector string) (string, error) {
	key := namespace + "/" + selector

	b.mu.Lock()
	cached, ok := b.pods[key]
	b.mu.Unlock()
	if ok {
		return cached, nil
	}

	pod, err, _ := b.group.Do(key, func() (any, error) {
		pods, listErr := b.executor.ListRunningPods(ctx, namespace, selector)
		if listErr != nil {
			return "", listErr
		}

		if len(pods) == 0 {
			return "", fmt.Errorf("%w: %s in namespace %s", ErrInstanceNotFound, selector, namespace)
		}

		if len(pods) > 1 {
			b.log.WithFields(logrus.Fields{
				"namespace":  namespace,
				"selector":   selector,
				"candidates": len(pods),
				"chosen":     pods[0],
			}).Warn("selector matched multiple running pods, using first match")
		}

		b.mu.Lock()
		b.pods[key] = pods[0]
		b.mu.Unlock()

		return pods[0], nil
	})
	if err != nil {
		return "", err
	}

	return pod.(string), nil
}

// ProbeTCP checks whether a process inside the resolved pod can open a raw
// socket to host:port. Uses bash's /dev/tcp so it works on any image that
// ships bash, without nc or telnet.
func (b *Bridge) ProbeTCP(ctx context.Context, namespace, selector, host string, port int) ProbeResult {
	start := time.Now()

	pod, err := b.Locate(ctx, namespace, selector)
	if err != nil {
		return locateFailure(err, time.Since(start))
	}

	seconds := int(b.timeout.Seconds())
	if seconds < 1 {
		seconds = 1
	}

	command := []string{
		"bash", "-c",
		fmt.Sprintf("timeout %d bash -c 'echo > /dev/tcp/%s/%d'", seconds, host, port),
	}

	res, err := b.executor.Exec(ctx, namespace, pod, command)
	elapsed := time.Since(start)

	if err != nil {
		return ProbeResult{Status: ProbeUnreachable, Pod: pod, Detail: err.Error(), Duration: elapsed}
	}

	switch {
	case res.ExitCode == 0:
		return ProbeResult{
			Status:   ProbeReachable,
			Pod:      pod,
			Detail:   fmt.Sprintf("tcp %s:%d reachable from pod %s", host, port, pod),
			Duration: elapsed,
		}
	case res.ExitCode == 126 || res.ExitCode == 127:
		return ProbeResult{
			Status:   ProbeUnsupported,
			Pod:      pod,
			Detail:   fmt.Sprintf("pod %s lacks bash/timeout (exit %d), tcp probe not possible", pod, res.ExitCode),
			Duration: elapsed,
		}
	default:
		return ProbeResult{
			Status:   ProbeUnreachable,
			Pod:      pod,
			Detail:   fmt.Sprintf("tcp %s:%d unreachable from pod %s (exit %d): %s", host, port, pod, res.ExitCode, strings.TrimSpace(res.Stderr)),
			Duration: elapsed,
		}
	}
}

// ProbeHTTP performs an application-level HTTP request from inside the
// resolved pod using curl, classifying by status code. When curl is absent
// it degrades further to a TCP check of the URL's host and port.
func (b *Bridge) ProbeHTTP(ctx context.Context, namespace, selector, rawURL string) ProbeResult {
	start := time.Now()

	pod, err := b.Locate(ctx, namespace, selector)
	if err != nil {
		return locateFailure(err, time.Since(start))
	}

	seconds := int(b.timeout.Seconds())
	if seconds < 1 {
		seconds = 1
	}

	command := []string{
		"curl", "-s", "-o", "/dev/null",
		"-w", "%{http_code}",
		"--max-time", strconv.Itoa(seconds),
		rawURL,
	}

	res, err := b.executor.Exec(ctx, namespace, pod, command)
	elapsed := time.Since(start)

	if err != nil {
		return ProbeResult{Status: ProbeUnreachable, Pod: pod, Detail: err.Error(), Duration: elapsed}
	}

	// curl missing in the image: fall back to a raw socket check.
	if res.ExitCode == 126 || res.ExitCode == 127 {
		host, port, parseErr := hostPortFromURL(rawURL)
		if parseErr != nil {
			return ProbeResult{
				Status:   ProbeUnsupported,
				Pod:      pod,
				Detail:   fmt.Sprintf("pod %s lacks curl and url %q is not parseable: %v", pod, rawURL, parseErr),
				Duration: elapsed,
			}
		}

		fallback := b.ProbeTCP(ctx, namespace, selector, host, port)
		fallback.Detail = fmt.Sprintf("curl unavailable in pod %s, tcp fallback: %s", pod, fallback.Detail)
		fallback.Duration += elapsed

		return fallback
	}

	statusCode := strings.TrimSpace(res.Stdout)

	if res.ExitCode == 0 && strings.HasPrefix(statusCode, "2") {
		return ProbeResult{
			Status:   ProbeReachable,
			Pod:      pod,
			Detail:   fmt.Sprintf("http %s returned %s from pod %s", rawURL, statusCode, pod),
			Duration: elapsed,
		}
	}

	detail := fmt.Sprintf("http %s failed from pod %s (exit %d, status %q)", rawURL, pod, res.ExitCode, statusCode)
	if stderr := strings.TrimSpace(res.Stderr); stderr != "" {
		detail += ": " + stderr
	}

	return ProbeResult{Status: ProbeUnreachable, Pod: pod, Detail: detail, Duration: elapsed}
}

func locateFailure(err error, elapsed time.Duration) ProbeResult {
	status := ProbeUnreachable
	if errors.Is(err, ErrInstanceNotFound) {
		status = ProbeNoInstance
	}

	return ProbeResult{Status: status, Detail: err.Error(), Duration: elapsed}
}

func hostPortFromURL(rawURL string) (string, int, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", 0, err
	}

	host := parsed.Hostname()
	if host == "" {
		return "", 0, fmt.Errorf("url %q has no host", rawURL)
	}

	if portStr := parsed.Port(); portStr != "" {
		port, convErr := strconv.Atoi(portStr)
		if convErr != nil {
			return "", 0, convErr
		}
		return host, port, nil
	}

	if parsed.Scheme == "https" {
		return host, 443, nil
	}

	return host, 80, nil
}

// Delegate bundles a suite-scoped bridge with the namespace and selector of
// the workload whose pod probes should run in. Its presence in adapter
// parameters switches the adapter to in-context mode at construction time.
type Delegate struct {
	Bridge    *Bridge
	Namespace string
	Selector  string
}

// ProbeTCP runs a TCP probe in the delegate's workload pod.
func (d *Delegate) ProbeTCP(ctx context.Context, host string, port int) ProbeResult {
	return d.Bridge.ProbeTCP(ctx, d.Namespace, d.Selector, host, port)
}

// ProbeHTTP runs an HTTP probe in the delegate's workload pod.
func (d *Delegate) ProbeHTTP(ctx context.Context, rawURL string) ProbeResult {
	return d.Bridge.ProbeHTTP(ctx, d.Namespace, d.Selector, rawURL)
}
