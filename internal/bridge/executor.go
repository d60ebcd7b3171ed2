// Package bridge executes logical probes inside a target workload's pod.
// It is the reduced-capability execution path used by in-context mode.
package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	kexec "k8s.io/client-go/util/exec"
)

// ExecResult is the raw outcome of one command executed inside a pod.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// PodExecutor is the opaque capability the bridge needs from the host
// orchestration platform: list candidate pods and run a command in one.
type PodExecutor interface {
	ListRunningPods(ctx context.Context, namespace, selector string) ([]string, error)
	Exec(ctx context.Context, namespace, pod string, command []string) (ExecResult, error)
}

// kubeExecutor implements PodExecutor with client-go.
type kubeExecutor struct {
	client     kubernetes.Interface
	restConfig *rest.Config
}

// NewKubeExecutor builds a PodExecutor from a kubeconfig path. An empty path
// falls back to in-cluster config, then to the default loading rules.
func NewKubeExecutor(kubeconfig string) (PodExecutor, error) {
	restConfig, err := buildRestConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("building rest config: %w", err)
	}

	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}

	return &kubeExecutor{client: client, restConfig: restConfig}, nil
}

func buildRestConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}

	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}

	rules := clientcmd.NewDefaultClientConfigLoadingRules()

	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
}

// ListRunningPods returns the names of running pods matching a label
// selector, in the order the API server returns them.
func (k *kubeExecutor) ListRunningPods(ctx context.Context, namespace, selector string) ([]string, error) {
	pods, err := k.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector,
		FieldSelector: "status.phase=Running",
	})
	if err != nil {
		return nil, fmt.Errorf("listing pods in %s with selector %q: %w", namespace, selector, err)
	}

	names := make([]string, 0, len(pods.Items))
	for i := range pods.Items {
		names = append(names, pods.Items[i].Name)
	}

	return names, nil
}

// Exec runs a command inside a pod and captures its output. A non-zero exit
// status is reported through ExecResult.ExitCode, not as an error.
func (k *kubeExecutor) Exec(ctx context.Context, namespace, pod string, command []string) (ExecResult, error) {
	req := k.client.CoreV1().RESTClient().
		Post().
		Resource("pods").
		Name(pod).
		Namespace(namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Command: command,
			Stdout:  true,
			Stderr:  true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(k.restConfig, "POST", req.URL())
	if err != nil {
		return ExecResult{}, fmt.Errorf("creating executor: %w", err)
	}

	var stdout, stderr bytes.Buffer
	streamErr := executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})

	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}

	if streamErr != nil {
		var exitErr kexec.CodeExitError
		if errors.As(streamErr, &exitErr) {
			res.ExitCode = exitErr.Code
			return res, nil
		}

		return res, fmt.Errorf("exec in %s/%s: %w", namespace, pod, streamErr)
	}

	return res, nil
}
