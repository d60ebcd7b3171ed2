package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakeExecutor scripts pod listing and exec results for the bridge.
type fakeExecutor struct {
	mu sync.Mutex

	pods    []string
	listErr error
	listFn  func(call int32) ([]string, error)
	lists   atomic.Int32

	execResult ExecResult
	execErr    error
	execFn     func(command []string) (ExecResult, error)
	commands   [][]string
}

func (f *fakeExecutor) ListRunningPods(_ context.Context, _, _ string) ([]string, error) {
	call := f.lists.Add(1)
	if f.listFn != nil {
		return f.listFn(call)
	}
	return f.pods, f.listErr
}

func (f *fakeExecutor) Exec(_ context.Context, _, _ string, command []string) (ExecResult, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	f.mu.Unlock()

	if f.execFn != nil {
		return f.execFn(command)
	}
	return f.execResult, f.execErr
}

func newTestBridge(executor PodExecutor) *Bridge {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return NewBridge(executor, log, 2*time.Second)
}

func TestLocateCachesResolution(t *testing.T) {
	t.Parallel()

	executor := &fakeExecutor{pods: []string{"core-api-abc"}}
	b := newTestBridge(executor)

	for range 5 {
		pod, err := b.Locate(context.Background(), "apps", "app=core-api")
		require.NoError(t, err)
		require.Equal(t, "core-api-abc", pod)
	}

	require.Equal(t, int32(1), executor.lists.Load())
}

func TestLocateKeepsFirstResolutionAcrossPodChurn(t *testing.T) {
	t.Parallel()

	// The pod behind the selector is replaced between lookups; the bridge
	// must keep reporting the pod it resolved first.
	executor := &fakeExecutor{
		listFn: func(call int32) ([]string, error) {
			if call == 1 {
				return []string{"mapper-old"}, nil
			}
			return []string{"mapper-new"}, nil
		},
	}
	b := newTestBridge(executor)

	first, err := b.Locate(context.Background(), "apps", "app=mapper")
	require.NoError(t, err)

	second, err := b.Locate(context.Background(), "apps", "app=mapper")
	require.NoError(t, err)

	require.Equal(t, "mapper-old", first)
	require.Equal(t, first, second)
	require.Equal(t, int32(1), executor.lists.Load())
}

func TestLocateFailureIsNotCached(t *testing.T) {
	t.Parallel()

	executor := &fakeExecutor{
		listFn: func(call int32) ([]string, error) {
			if call == 1 {
				return nil, nil
			}
			return []string{"worker-1"}, nil
		},
	}
	b := newTestBridge(executor)

	_, err := b.Locate(context.Background(), "apps", "app=worker")
	require.ErrorIs(t, err, ErrInstanceNotFound)

	pod, err := b.Locate(context.Background(), "apps", "app=worker")
	require.NoError(t, err)
	require.Equal(t, "worker-1", pod)
}

func TestLocateConcurrentCallersShareOneLookup(t *testing.T) {
	t.Parallel()

	executor := &fakeExecutor{pods: []string{"core-api-abc"}}
	b := newTestBridge(executor)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			pod, err := b.Locate(context.Background(), "apps", "app=core-api")
			require.NoError(t, err)
			require.Equal(t, "core-api-abc", pod)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), executor.lists.Load())
}

func TestLocatePicksFirstOfMultipleMatches(t *testing.T) {
	t.Parallel()

	executor := &fakeExecutor{pods: []string{"worker-1", "worker-2", "worker-3"}}
	b := newTestBridge(executor)

	pod, err := b.Locate(context.Background(), "apps", "app=worker")
	require.NoError(t, err)
	require.Equal(t, "worker-1", pod)
}

func TestLocateNoPodIsInstanceNotFound(t *testing.T) {
	t.Parallel()

	executor := &fakeExecutor{pods: nil}
	b := newTestBridge(executor)

	_, err := b.Locate(context.Background(), "apps", "app=gone")
	require.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestProbeTCPClassifiesExitCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		res  ExecResult
		want ProbeStatus
	}{
		{name: "exit 0 reachable", res: ExecResult{ExitCode: 0}, want: ProbeReachable},
		{name: "exit 1 unreachable", res: ExecResult{ExitCode: 1, Stderr: "connection refused"}, want: ProbeUnreachable},
		{name: "exit 124 timeout unreachable", res: ExecResult{ExitCode: 124}, want: ProbeUnreachable},
		{name: "exit 126 not executable unsupported", res: ExecResult{ExitCode: 126}, want: ProbeUnsupported},
		{name: "exit 127 missing shell unsupported", res: ExecResult{ExitCode: 127}, want: ProbeUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			executor := &fakeExecutor{pods: []string{"pod-1"}, execResult: tt.res}
			b := newTestBridge(executor)

			pr := b.ProbeTCP(context.Background(), "apps", "app=x", "kafka.qa", 9093)
			require.Equal(t, tt.want, pr.Status)
			require.Equal(t, "pod-1", pr.Pod)
		})
	}
}

func TestProbeTCPUsesDevTCP(t *testing.T) {
	t.Parallel()

	executor := &fakeExecutor{pods: []string{"pod-1"}}
	b := newTestBridge(executor)

	b.ProbeTCP(context.Background(), "apps", "app=x", "pg-core.qa", 5432)

	require.Len(t, executor.commands, 1)
	require.Equal(t, "bash", executor.commands[0][0])
	require.Contains(t, executor.commands[0][2], "/dev/tcp/pg-core.qa/5432")
}

func TestProbeTCPNoInstance(t *testing.T) {
	t.Parallel()

	executor := &fakeExecutor{pods: nil}
	b := newTestBridge(executor)

	pr := b.ProbeTCP(context.Background(), "apps", "app=gone", "kafka.qa", 9093)
	require.Equal(t, ProbeNoInstance, pr.Status)
	require.Empty(t, pr.Pod)
}

func TestProbeTCPExecErrorIsUnreachable(t *testing.T) {
	t.Parallel()

	executor := &fakeExecutor{pods: []string{"pod-1"}, execErr: errors.New("connection to api server lost")}
	b := newTestBridge(executor)

	pr := b.ProbeTCP(context.Background(), "apps", "app=x", "kafka.qa", 9093)
	require.Equal(t, ProbeUnreachable, pr.Status)
}

func TestProbeHTTPClassifiesStatusCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		res  ExecResult
		want ProbeStatus
	}{
		{name: "200 reachable", res: ExecResult{Stdout: "200"}, want: ProbeReachable},
		{name: "204 reachable", res: ExecResult{Stdout: "204"}, want: ProbeReachable},
		{name: "503 unreachable", res: ExecResult{Stdout: "503"}, want: ProbeUnreachable},
		{name: "curl network failure", res: ExecResult{ExitCode: 7, Stdout: "000"}, want: ProbeUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			executor := &fakeExecutor{pods: []string{"pod-1"}, execResult: tt.res}
			b := newTestBridge(executor)

			pr := b.ProbeHTTP(context.Background(), "apps", "app=x", "http://core-api.apps.svc:8080/health")
			require.Equal(t, tt.want, pr.Status)
		})
	}
}

func TestProbeHTTPFallsBackToTCPWhenCurlMissing(t *testing.T) {
	t.Parallel()

	executor := &fakeExecutor{pods: []string{"pod-1"}}
	executor.execFn = func(command []string) (ExecResult, error) {
		if command[0] == "curl" {
			return ExecResult{ExitCode: 127, Stderr: "curl: not found"}, nil
		}
		return ExecResult{ExitCode: 0}, nil
	}

	b := newTestBridge(executor)

	pr := b.ProbeHTTP(context.Background(), "apps", "app=x", "http://core-api.apps.svc:8080/health")
	require.Equal(t, ProbeReachable, pr.Status)
	require.Contains(t, pr.Detail, "tcp fallback")

	require.Len(t, executor.commands, 2)
	require.Equal(t, "curl", executor.commands[0][0])
	require.Equal(t, "bash", executor.commands[1][0])
	require.Contains(t, executor.commands[1][2], "/dev/tcp/core-api.apps.svc/8080")
}

func TestHostPortFromURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url      string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{url: "http://svc:8080/health", wantHost: "svc", wantPort: 8080},
		{url: "http://svc/health", wantHost: "svc", wantPort: 80},
		{url: "https://svc/health", wantHost: "svc", wantPort: 443},
		{url: "not a url", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			t.Parallel()

			host, port, err := hostPortFromURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.wantHost, host)
			require.Equal(t, tt.wantPort, port)
		})
	}
}

func TestDelegateForwardsScope(t *testing.T) {
	t.Parallel()

	executor := &fakeExecutor{pods: []string{"pod-1"}}
	b := newTestBridge(executor)

	d := &Delegate{Bridge: b, Namespace: "apps", Selector: "app=core-api"}

	pr := d.ProbeTCP(context.Background(), "kafka.qa", 9093)
	require.Equal(t, ProbeReachable, pr.Status)
	require.Equal(t, "pod-1", pr.Pod)
}

func TestProbeTCPTimeoutArgumentMatchesBridgeTimeout(t *testing.T) {
	t.Parallel()

	executor := &fakeExecutor{pods: []string{"pod-1"}}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	b := NewBridge(executor, log, 7*time.Second)
	b.ProbeTCP(context.Background(), "apps", "app=x", "host", 1234)

	require.Len(t, executor.commands, 1)
	require.True(t, strings.HasPrefix(executor.commands[0][2], fmt.Sprintf("timeout %d ", 7)))
}
