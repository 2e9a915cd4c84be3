// Package kube runs sandbox units as Kubernetes pods, each fronted by a
// ClusterIP service.
package kube

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/obot-platform/buildbox/server/internal/agent"
	"github.com/obot-platform/buildbox/server/internal/config"
	"github.com/obot-platform/buildbox/server/internal/logger"
	"github.com/obot-platform/buildbox/server/internal/sandbox/cluster"
)

const (
	// ContainerName is the sandbox container within a unit's pod.
	ContainerName = "sandbox"

	labelComponent = "app.kubernetes.io/component"
	labelManagedBy = "app.kubernetes.io/managed-by"
	labelSandboxID = "buildbox.sandbox.id"

	pollInterval = time.Second
	sandboxUID   = 1000
)

// Options configures the Kubernetes runtime.
type Options struct {
	Namespace  string
	Kubeconfig string
}

// OptionsFromConfig derives Options from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{Namespace: cfg.KubeNamespace, Kubeconfig: cfg.KubeConfig}
}

// execFunc runs a command in the sandbox container of pod.
type execFunc func(ctx context.Context, pod string, cmd []string, streams remotecommand.StreamOptions) error

// Runtime implements cluster.Runtime on a Kubernetes namespace.
type Runtime struct {
	client    kubernetes.Interface
	namespace string
	exec      execFunc
	log       *logger.Logger
}

var _ cluster.Runtime = (*Runtime)(nil)

// New connects to the cluster, preferring in-cluster configuration and
// falling back to a kubeconfig file.
func New(ctx context.Context, opts Options, log *logger.Logger) (*Runtime, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		path := opts.Kubeconfig
		if path == "" {
			path = clientcmd.RecommendedHomeFile
		}
		restCfg, err = clientcmd.BuildConfigFromFlags("", path)
		if err != nil {
			return nil, fmt.Errorf("building kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}

	r := NewWithClient(clientset, opts, log)
	r.exec = spdyExec(clientset, restCfg, r.namespace)

	if _, err := clientset.CoreV1().Namespaces().Get(ctx, r.namespace, metav1.GetOptions{}); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("sandbox namespace %q does not exist", r.namespace)
		}
		return nil, fmt.Errorf("checking sandbox namespace: %w", err)
	}
	return r, nil
}

// NewWithClient returns a Runtime over an existing clientset. Commands
// cannot be executed until an exec transport is set.
func NewWithClient(client kubernetes.Interface, opts Options, log *logger.Logger) *Runtime {
	if log == nil {
		log = logger.Nop()
	}
	ns := opts.Namespace
	if ns == "" {
		ns = "default"
	}
	return &Runtime{
		client:    client,
		namespace: ns,
		exec: func(context.Context, string, []string, remotecommand.StreamOptions) error {
			return errors.New("exec transport not configured")
		},
		log: log.Component("kubernetes"),
	}
}

func spdyExec(client kubernetes.Interface, restCfg *rest.Config, namespace string) execFunc {
	return func(ctx context.Context, pod string, cmd []string, streams remotecommand.StreamOptions) error {
		req := client.CoreV1().RESTClient().Post().
			Resource("pods").
			Name(pod).
			Namespace(namespace).
			SubResource("exec").
			VersionedParams(&corev1.PodExecOptions{
				Container: ContainerName,
				Command:   cmd,
				Stdin:     streams.Stdin != nil,
				Stdout:    streams.Stdout != nil,
				Stderr:    streams.Stderr != nil,
			}, scheme.ParameterCodec)

		exec, err := remotecommand.NewSPDYExecutor(restCfg, "POST", req.URL())
		if err != nil {
			return fmt.Errorf("creating executor: %w", err)
		}
		return exec.StreamWithContext(ctx, streams)
	}
}

// Name implements cluster.Runtime.
func (r *Runtime) Name() string { return config.RuntimeKubernetes }

func (r *Runtime) labels(spec cluster.UnitSpec) map[string]string {
	labels := map[string]string{
		labelComponent: "sandbox",
		labelManagedBy: "buildbox",
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels[labelSandboxID] = spec.SandboxID
	return labels
}

// podSpec builds the pod for spec.
func (r *Runtime) podSpec(spec cluster.UnitSpec) *corev1.Pod {
	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for _, k := range slices.Sorted(maps.Keys(spec.Env)) {
		env = append(env, corev1.EnvVar{Name: k, Value: spec.Env[k]})
	}

	limits := corev1.ResourceList{}
	if spec.MemoryBytes > 0 {
		limits[corev1.ResourceMemory] = *resource.NewQuantity(spec.MemoryBytes, resource.BinarySI)
	}
	if spec.NanoCPUs > 0 {
		limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(spec.NanoCPUs/1_000_000, resource.DecimalSI)
	}

	uid := int64(sandboxUID)
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: r.namespace,
			Labels:    r.labels(spec),
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                 corev1.RestartPolicyNever,
			TerminationGracePeriodSeconds: ptr(int64(30)),
			AutomountServiceAccountToken:  ptr(false),
			SecurityContext: &corev1.PodSecurityContext{
				RunAsNonRoot:   ptr(true),
				RunAsUser:      &uid,
				FSGroup:        &uid,
				SeccompProfile: &corev1.SeccompProfile{Type: corev1.SeccompProfileTypeRuntimeDefault},
			},
			Containers: []corev1.Container{{
				Name:            ContainerName,
				Image:           spec.Image,
				ImagePullPolicy: corev1.PullIfNotPresent,
				WorkingDir:      cluster.WorkspaceDir,
				Env:             env,
				Ports: []corev1.ContainerPort{{
					Name:          "preview",
					ContainerPort: cluster.ContainerPort,
				}},
				Resources: corev1.ResourceRequirements{Limits: limits},
				VolumeMounts: []corev1.VolumeMount{{
					Name:      "workspace",
					MountPath: cluster.WorkspaceDir,
				}},
				SecurityContext: &corev1.SecurityContext{
					AllowPrivilegeEscalation: ptr(false),
					Privileged:               ptr(false),
					Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
				},
			}},
			Volumes: []corev1.Volume{{
				Name:         "workspace",
				VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
			}},
		},
	}
}

// serviceSpec builds the service for spec. The service listens on the
// sandbox's allocated port and forwards to the preview server.
func (r *Runtime) serviceSpec(spec cluster.UnitSpec) *corev1.Service {
	port := int32(spec.HostPort)
	if port == 0 {
		port = cluster.ContainerPort
	}
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: r.namespace,
			Labels:    r.labels(spec),
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: map[string]string{labelSandboxID: spec.SandboxID},
			Ports: []corev1.ServicePort{{
				Name:       "preview",
				Port:       port,
				TargetPort: intstr.FromInt32(cluster.ContainerPort),
			}},
		},
	}
}

// Create implements cluster.Runtime.
func (r *Runtime) Create(ctx context.Context, spec cluster.UnitSpec) (*cluster.Unit, error) {
	if spec.Image == "" {
		return nil, errors.New("sandbox image is not configured")
	}

	pod, err := r.client.CoreV1().Pods(r.namespace).Create(ctx, r.podSpec(spec), metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create pod %s: %w", spec.Name, err)
	}
	if _, err := r.client.CoreV1().Services(r.namespace).Create(ctx, r.serviceSpec(spec), metav1.CreateOptions{}); err != nil {
		if derr := r.deletePod(context.WithoutCancel(ctx), spec.Name); derr != nil {
			r.log.Warn("failed to remove pod after service error", "unit", spec.Name, "error", derr)
		}
		return nil, fmt.Errorf("failed to create service %s: %w", spec.Name, err)
	}

	r.log.Info("created pod", "unit", spec.Name, "namespace", r.namespace)
	return &cluster.Unit{Name: spec.Name, ID: string(pod.UID), Phase: string(pod.Status.Phase)}, nil
}

// WaitReady implements cluster.Runtime. Failed init containers and pods
// that stop running end the wait early.
func (r *Runtime) WaitReady(ctx context.Context, name string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		pod, err := r.client.CoreV1().Pods(r.namespace).Get(ctx, name, metav1.GetOptions{})
		switch {
		case apierrors.IsNotFound(err):
			return fmt.Errorf("%w: pod %s was deleted", cluster.ErrUnitFailed, name)
		case err != nil:
			if ctx.Err() == nil {
				r.log.Warn("failed to read pod status", "unit", name, "error", err)
			}
		default:
			ready, err := podReadiness(pod)
			if err != nil || ready {
				return err
			}
			r.log.Debug("waiting for pod", "unit", name, "phase", pod.Status.Phase)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: pod %s after %s", cluster.ErrNotReady, name, timeout)
		case <-ticker.C:
		}
	}
}

// podReadiness reports whether pod is ready, or why it never will be.
func podReadiness(pod *corev1.Pod) (bool, error) {
	if msg := initContainerError(pod); msg != "" {
		return false, fmt.Errorf("%w: pod %s: %s", cluster.ErrUnitFailed, pod.Name, msg)
	}
	switch pod.Status.Phase {
	case corev1.PodFailed:
		return false, fmt.Errorf("%w: pod %s failed: %s", cluster.ErrUnitFailed, pod.Name, pod.Status.Message)
	case corev1.PodSucceeded:
		return false, fmt.Errorf("%w: pod %s completed unexpectedly", cluster.ErrUnitFailed, pod.Name)
	case corev1.PodRunning:
		return podReady(pod), nil
	}
	return false, nil
}

func podReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, c := range pod.Status.Conditions {
		if c.Type == corev1.PodReady && c.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

func initContainerError(pod *corev1.Pod) string {
	for _, s := range pod.Status.InitContainerStatuses {
		if t := s.State.Terminated; t != nil && t.ExitCode != 0 {
			return fmt.Sprintf("init container %q failed with exit code %d", s.Name, t.ExitCode)
		}
		if w := s.State.Waiting; w != nil && (w.Reason == "Error" || w.Reason == "CrashLoopBackOff") {
			return fmt.Sprintf("init container %q is in %s state: %s", s.Name, w.Reason, w.Message)
		}
	}
	return ""
}

// Describe implements cluster.Runtime.
func (r *Runtime) Describe(ctx context.Context, name string) (*cluster.Unit, error) {
	pod, err := r.client.CoreV1().Pods(r.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s", cluster.ErrUnitNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pod: %w", err)
	}
	return &cluster.Unit{
		Name:    name,
		ID:      string(pod.UID),
		Running: podReady(pod),
		Phase:   string(pod.Status.Phase),
		Message: pod.Status.Message,
	}, nil
}

// Exec implements cluster.Runtime.
func (r *Runtime) Exec(ctx context.Context, name string, req cluster.ExecRequest) (*cluster.ExecResult, error) {
	var stdout, stderr bytes.Buffer
	err := r.exec(ctx, name, req.Cmd, remotecommand.StreamOptions{
		Stdin:  req.Stdin,
		Stdout: &stdout,
		Stderr: &stderr,
	})
	code, err := exitCode(err)
	if err != nil {
		return nil, fmt.Errorf("exec in %s: %w", name, err)
	}
	return &cluster.ExecResult{ExitCode: code, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

// exitCode separates a command's non-zero exit from a transport failure.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr interface{ ExitStatus() int }
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, err
}

// Stream implements cluster.Runtime.
func (r *Runtime) Stream(ctx context.Context, name string, cmd []string) (agent.Process, error) {
	ctx, cancel := context.WithCancel(ctx)
	stdoutReader, stdoutWriter := io.Pipe()
	stderrReader, stderrWriter := io.Pipe()
	p := &streamProcess{
		cancel: cancel,
		stdout: stdoutReader,
		stderr: stderrReader,
		done:   make(chan struct{}),
	}

	go func() {
		defer cancel()
		defer close(p.done)
		err := r.exec(ctx, name, cmd, remotecommand.StreamOptions{
			Stdout: stdoutWriter,
			Stderr: stderrWriter,
		})
		p.code, p.err = exitCode(err)
		if p.err != nil && ctx.Err() != nil {
			p.err = nil
		}
		stdoutWriter.Close()
		stderrWriter.Close()
	}()
	return p, nil
}

// CopyTo implements cluster.Runtime by piping the archive into tar.
func (r *Runtime) CopyTo(ctx context.Context, name, destDir string, tarStream io.Reader) error {
	res, err := r.Exec(ctx, name, cluster.ExecRequest{
		Cmd:   []string{"tar", "-xf", "-", "-C", destDir},
		Stdin: tarStream,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("tar exited with code %d: %s", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

// Endpoint implements cluster.Runtime. The unit's service listens on the
// allocated port.
func (r *Runtime) Endpoint(name string, hostPort int) string {
	return fmt.Sprintf("%s.%s.svc.cluster.local:%d", name, r.namespace, hostPort)
}

// Delete implements cluster.Runtime. The service goes first so no traffic
// reaches a terminating pod.
func (r *Runtime) Delete(ctx context.Context, name string) error {
	err := r.client.CoreV1().Services(r.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete service %s: %w", name, err)
	}
	return r.deletePod(ctx, name)
}

func (r *Runtime) deletePod(ctx context.Context, name string) error {
	err := r.client.CoreV1().Pods(r.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete pod %s: %w", name, err)
	}
	return nil
}

// streamProcess is a running exec whose output is piped to the caller.
type streamProcess struct {
	cancel context.CancelFunc
	stdout io.Reader
	stderr io.Reader

	done chan struct{}
	code int
	err  error
}

func (p *streamProcess) Stdout() io.Reader { return p.stdout }

func (p *streamProcess) Stderr() io.Reader { return p.stderr }

// Terminate ends the exec session. The command itself is signalled by the
// caller through a separate exec.
func (p *streamProcess) Terminate() error {
	p.cancel()
	return nil
}

func (p *streamProcess) Kill() error {
	p.cancel()
	return nil
}

func (p *streamProcess) Wait() (int, error) {
	<-p.done
	return p.code, p.err
}

func ptr[T any](v T) *T { return &v }
