package adapter

import (
	"context"
	"fmt"

	"github.com/opsverify/conncheck/internal/bridge"
	"github.com/opsverify/conncheck/internal/result"
)

// Degraded-method names recorded in metadata for delegated probes.
const (
	methodTCPSocket = "tcp_socket"
	methodHTTPCurl  = "http_curl"
)

// delegated is the shared in-context implementation behind every delegated
// adapter. All capability methods reduce to a raw socket check executed in
// the workload's pod; results always carry the degraded metadata flag.
type delegated struct {
	delegate *bridge.Delegate
	protocol result.Protocol
	host     string
	port     int
}

func (d *delegated) Protocol() result.Protocol { return d.protocol }

// Close is a no-op: delegated adapters hold no connections of their own.
func (d *delegated) Close() error { return nil }

func (d *delegated) TestConnectivity(ctx context.Context) Outcome {
	return outcomeFromProbe(d.delegate.ProbeTCP(ctx, d.host, d.port), methodTCPSocket, "")
}

func (d *delegated) TestAuthentication(ctx context.Context) Outcome {
	return d.reduced(ctx, fmt.Sprintf("%s authentication not verifiable from inside the pod", d.protocol))
}

// reduced runs the coarse TCP check in place of a protocol-level probe and
// annotates the result so a reachability-only pass is never mistaken for a
// functional one.
func (d *delegated) reduced(ctx context.Context, note string) Outcome {
	return outcomeFromProbe(d.delegate.ProbeTCP(ctx, d.host, d.port), methodTCPSocket, note)
}

// delegatedMessageBus satisfies MessageBus over the bridge.
type delegatedMessageBus struct{ delegated }

func (d *delegatedMessageBus) TestChannelAccess(ctx context.Context, channel string, access TopicAccess) Outcome {
	return d.reduced(ctx, fmt.Sprintf("%s access to %q not verifiable from inside the pod, checked broker reachability only", access, channel))
}

func (d *delegatedMessageBus) TestRoundTrip(ctx context.Context, channel string) Outcome {
	return d.reduced(ctx, fmt.Sprintf("round trip on %q not runnable from inside the pod, checked broker reachability only", channel))
}

// delegatedDatabase satisfies Database over the bridge.
type delegatedDatabase struct{ delegated }

func (d *delegatedDatabase) TestTableAccess(ctx context.Context, table string) Outcome {
	return d.reduced(ctx, fmt.Sprintf("table %q not readable from inside the pod, checked server reachability only", table))
}

func (d *delegatedDatabase) TestQuery(ctx context.Context, query string) Outcome {
	return d.reduced(ctx, "query not runnable from inside the pod, checked server reachability only")
}

// delegatedFileTransfer satisfies FileTransfer over the bridge.
type delegatedFileTransfer struct{ delegated }

func (d *delegatedFileTransfer) TestDirectoryAccess(ctx context.Context, dir string) Outcome {
	return d.reduced(ctx, fmt.Sprintf("directory %q not listable from inside the pod, checked server reachability only", dir))
}

func (d *delegatedFileTransfer) TestRoundTrip(ctx context.Context, dir string) Outcome {
	return d.reduced(ctx, "file round trip not runnable from inside the pod, checked server reachability only")
}

// delegatedHTTP satisfies HTTPService over the bridge. Unlike the TCP-based
// protocols, HTTP keeps an application-level check in-context: curl runs a
// real request and classifies by status code.
type delegatedHTTP struct {
	delegate *bridge.Delegate
	protocol result.Protocol
	baseURL  string
}

func (d *delegatedHTTP) Protocol() result.Protocol { return d.protocol }

func (d *delegatedHTTP) Close() error { return nil }

func (d *delegatedHTTP) TestConnectivity(ctx context.Context) Outcome {
	return outcomeFromProbe(d.delegate.ProbeHTTP(ctx, d.baseURL), methodHTTPCurl, "")
}

func (d *delegatedHTTP) TestAuthentication(ctx context.Context) Outcome {
	return outcomeFromProbe(d.delegate.ProbeHTTP(ctx, d.baseURL), methodHTTPCurl,
		"credential exchange not verifiable from inside the pod, checked unauthenticated reachability only")
}

func (d *delegatedHTTP) TestHealth(ctx context.Context, path string) Outcome {
	return outcomeFromProbe(d.delegate.ProbeHTTP(ctx, joinURL(d.baseURL, path)), methodHTTPCurl, "")
}

func (d *delegatedHTTP) TestEndpoint(ctx context.Context, method, path string, _ int) Outcome {
	return outcomeFromProbe(d.delegate.ProbeHTTP(ctx, joinURL(d.baseURL, path)), methodHTTPCurl,
		fmt.Sprintf("probed with GET instead of %s, expected status not enforced in-context", method))
}

// outcomeFromProbe converts a bridge probe into a degraded-flagged Outcome.
func outcomeFromProbe(pr bridge.ProbeResult, method, note string) Outcome {
	meta := map[string]any{
		result.MetaDegraded:       true,
		result.MetaDegradedMethod: method,
	}
	if pr.Pod != "" {
		meta[result.MetaPod] = pr.Pod
	}

	o := Outcome{Duration: pr.Duration, Metadata: meta}

	switch pr.Status {
	case bridge.ProbeReachable:
		o.Status = result.StatusPassed
		o.Message = pr.Detail
		if note != "" {
			o.Message = pr.Detail + " (" + note + ")"
		}
	case bridge.ProbeUnsupported:
		o.Status = result.StatusSkipped
		o.Message = pr.Detail
		meta[result.MetaFailure] = string(result.FailureUnsupported)
	case bridge.ProbeNoInstance:
		o.Status = result.StatusError
		o.Err = pr.Detail
		meta[result.MetaFailure] = string(result.FailureInstanceNotFound)
	default:
		o.Status = result.StatusFailed
		o.Err = pr.Detail
		meta[result.MetaFailure] = string(result.FailureUnreachable)
	}

	return o
}
