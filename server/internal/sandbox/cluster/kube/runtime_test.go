package kube

import (
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"

	"github.com/obot-platform/buildbox/server/internal/sandbox/cluster"
)

const testNamespace = "buildbox-sandboxes"

func testSpec() cluster.UnitSpec {
	return cluster.UnitSpec{
		Name:        "sandbox-0f8fad5b",
		SandboxID:   "0f8fad5b-d9cb-469f-a165-70867728950e",
		TenantID:    "public",
		Image:       "ghcr.io/obot-platform/buildbox-sandbox:latest",
		HostPort:    3011,
		Env:         map[string]string{"SANDBOX_ID": "0f8fad5b", "PORT": "3000"},
		Labels:      map[string]string{"buildbox.tenant.id": "public"},
		MemoryBytes: 1 << 30,
		NanoCPUs:    500_000_000,
	}
}

func newTestRuntime(t *testing.T) (*Runtime, *fake.Clientset) {
	t.Helper()
	client := fake.NewClientset()
	return NewWithClient(client, Options{Namespace: testNamespace}, nil), client
}

func TestCreate_PodAndService(t *testing.T) {
	ctx := context.Background()
	r, client := newTestRuntime(t)
	spec := testSpec()

	if _, err := r.Create(ctx, spec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	pod, err := client.CoreV1().Pods(testNamespace).Get(ctx, spec.Name, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("pod not created: %v", err)
	}
	if got := pod.Labels[labelSandboxID]; got != spec.SandboxID {
		t.Errorf("sandbox label = %q, want %q", got, spec.SandboxID)
	}
	if got := pod.Labels["buildbox.tenant.id"]; got != "public" {
		t.Errorf("tenant label = %q, want public", got)
	}
	c := pod.Spec.Containers[0]
	if c.Image != spec.Image {
		t.Errorf("Image = %q, want %q", c.Image, spec.Image)
	}
	if got := c.Resources.Limits.Memory().String(); got != "1Gi" {
		t.Errorf("memory limit = %s, want 1Gi", got)
	}
	if got := c.Resources.Limits.Cpu().String(); got != "500m" {
		t.Errorf("cpu limit = %s, want 500m", got)
	}
	if len(c.Ports) != 1 || c.Ports[0].ContainerPort != cluster.ContainerPort {
		t.Errorf("Ports = %v", c.Ports)
	}
	var names []string
	for _, e := range c.Env {
		names = append(names, e.Name)
	}
	if want := []string{"PORT", "SANDBOX_ID"}; !slices.Equal(names, want) {
		t.Errorf("env = %v, want %v", names, want)
	}
	if pod.Spec.SecurityContext == nil || pod.Spec.SecurityContext.RunAsNonRoot == nil || !*pod.Spec.SecurityContext.RunAsNonRoot {
		t.Error("pod does not run as non-root")
	}

	svc, err := client.CoreV1().Services(testNamespace).Get(ctx, spec.Name, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("service not created: %v", err)
	}
	if svc.Spec.Selector[labelSandboxID] != spec.SandboxID {
		t.Errorf("selector = %v", svc.Spec.Selector)
	}
	p := svc.Spec.Ports[0]
	if p.Port != 3011 || p.TargetPort.IntValue() != cluster.ContainerPort {
		t.Errorf("service port = %d -> %s, want 3011 -> 3000", p.Port, p.TargetPort.String())
	}
}

func TestCreate_ServiceFailureRemovesPod(t *testing.T) {
	ctx := context.Background()
	r, client := newTestRuntime(t)
	client.PrependReactor("create", "services", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("quota exceeded")
	})

	if _, err := r.Create(ctx, testSpec()); err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("Create() error = %v, want service failure", err)
	}
	if _, err := client.CoreV1().Pods(testNamespace).Get(ctx, testSpec().Name, metav1.GetOptions{}); !apierrors.IsNotFound(err) {
		t.Errorf("pod survived a failed create: %v", err)
	}
}

func TestPodReadiness(t *testing.T) {
	ready := corev1.PodCondition{Type: corev1.PodReady, Status: corev1.ConditionTrue}
	tests := []struct {
		name      string
		status    corev1.PodStatus
		wantReady bool
		wantErr   bool
	}{
		{"pending", corev1.PodStatus{Phase: corev1.PodPending}, false, false},
		{"running not ready", corev1.PodStatus{Phase: corev1.PodRunning}, false, false},
		{"running and ready", corev1.PodStatus{Phase: corev1.PodRunning, Conditions: []corev1.PodCondition{ready}}, true, false},
		{"failed", corev1.PodStatus{Phase: corev1.PodFailed, Message: "OOMKilled"}, false, true},
		{"succeeded", corev1.PodStatus{Phase: corev1.PodSucceeded}, false, true},
		{
			name: "init container exited non-zero",
			status: corev1.PodStatus{
				Phase: corev1.PodPending,
				InitContainerStatuses: []corev1.ContainerStatus{{
					Name:  "file-sync",
					State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{ExitCode: 1}},
				}},
			},
			wantErr: true,
		},
		{
			name: "init container crash looping",
			status: corev1.PodStatus{
				Phase: corev1.PodPending,
				InitContainerStatuses: []corev1.ContainerStatus{{
					Name:  "file-sync",
					State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff"}},
				}},
			},
			wantErr: true,
		},
		{
			name: "init container completed",
			status: corev1.PodStatus{
				Phase: corev1.PodPending,
				InitContainerStatuses: []corev1.ContainerStatus{{
					Name:  "file-sync",
					State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{ExitCode: 0}},
				}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "sandbox-1"}, Status: tt.status}
			got, err := podReadiness(pod)
			if got != tt.wantReady {
				t.Errorf("ready = %v, want %v", got, tt.wantReady)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, cluster.ErrUnitFailed) {
				t.Errorf("error = %v, want ErrUnitFailed", err)
			}
		})
	}
}

func TestWaitReady(t *testing.T) {
	ctx := context.Background()
	r, client := newTestRuntime(t)
	spec := testSpec()
	if _, err := r.Create(ctx, spec); err != nil {
		t.Fatal(err)
	}

	if err := r.WaitReady(ctx, spec.Name, 50*time.Millisecond); !errors.Is(err, cluster.ErrNotReady) {
		t.Errorf("WaitReady(pending) error = %v, want ErrNotReady", err)
	}

	pod, err := client.CoreV1().Pods(testNamespace).Get(ctx, spec.Name, metav1.GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	pod.Status.Phase = corev1.PodRunning
	pod.Status.Conditions = []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}}
	if _, err := client.CoreV1().Pods(testNamespace).UpdateStatus(ctx, pod, metav1.UpdateOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := r.WaitReady(ctx, spec.Name, time.Second); err != nil {
		t.Errorf("WaitReady(ready) error = %v", err)
	}

	if err := r.WaitReady(ctx, "sandbox-missing", time.Second); !errors.Is(err, cluster.ErrUnitFailed) {
		t.Errorf("WaitReady(missing) error = %v, want ErrUnitFailed", err)
	}
}

func TestDescribeAndDelete(t *testing.T) {
	ctx := context.Background()
	r, client := newTestRuntime(t)
	spec := testSpec()
	if _, err := r.Create(ctx, spec); err != nil {
		t.Fatal(err)
	}

	u, err := r.Describe(ctx, spec.Name)
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if u.Running {
		t.Error("pending pod reported running")
	}

	if err := r.Delete(ctx, spec.Name); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := r.Delete(ctx, spec.Name); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
	if _, err := client.CoreV1().Services(testNamespace).Get(ctx, spec.Name, metav1.GetOptions{}); !apierrors.IsNotFound(err) {
		t.Errorf("service survived Delete: %v", err)
	}
	if _, err := r.Describe(ctx, spec.Name); !errors.Is(err, cluster.ErrUnitNotFound) {
		t.Errorf("Describe() after delete error = %v, want ErrUnitNotFound", err)
	}
}

func TestExec(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRuntime(t)

	var gotPod string
	var gotCmd []string
	r.exec = func(_ context.Context, pod string, cmd []string, streams remotecommand.StreamOptions) error {
		gotPod, gotCmd = pod, cmd
		_, _ = io.WriteString(streams.Stdout, "out")
		_, _ = io.WriteString(streams.Stderr, "err")
		return utilexec.CodeExitError{Err: errors.New("command terminated with exit code 3"), Code: 3}
	}

	res, err := r.Exec(ctx, "sandbox-1", cluster.ExecRequest{Cmd: []string{"ls", "/workspace"}})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if gotPod != "sandbox-1" || !slices.Equal(gotCmd, []string{"ls", "/workspace"}) {
		t.Errorf("exec pod = %q cmd = %v", gotPod, gotCmd)
	}
	if res.ExitCode != 3 || string(res.Stdout) != "out" || string(res.Stderr) != "err" {
		t.Errorf("Exec() = %+v", res)
	}

	r.exec = func(context.Context, string, []string, remotecommand.StreamOptions) error {
		return errors.New("upgrade failed")
	}
	if _, err := r.Exec(ctx, "sandbox-1", cluster.ExecRequest{Cmd: []string{"true"}}); err == nil {
		t.Error("Exec() error = nil for a transport failure")
	}
}

func TestCopyTo(t *testing.T) {
	r, _ := newTestRuntime(t)
	var gotCmd []string
	var gotStdin string
	r.exec = func(_ context.Context, _ string, cmd []string, streams remotecommand.StreamOptions) error {
		gotCmd = cmd
		data, err := io.ReadAll(streams.Stdin)
		gotStdin = string(data)
		return err
	}

	if err := r.CopyTo(context.Background(), "sandbox-1", "/workspace", strings.NewReader("archive")); err != nil {
		t.Fatalf("CopyTo() error = %v", err)
	}
	if !slices.Equal(gotCmd, []string{"tar", "-xf", "-", "-C", "/workspace"}) {
		t.Errorf("cmd = %v", gotCmd)
	}
	if gotStdin != "archive" {
		t.Errorf("stdin = %q, want archive", gotStdin)
	}
}

func TestStream(t *testing.T) {
	r, _ := newTestRuntime(t)
	r.exec = func(_ context.Context, _ string, _ []string, streams remotecommand.StreamOptions) error {
		_, _ = io.WriteString(streams.Stdout, "line\n")
		return nil
	}

	proc, err := r.Stream(context.Background(), "sandbox-1", []string{"tar", "-cf", "-"})
	if err != nil {
		t.Fatal(err)
	}
	go func() { _, _ = io.Copy(io.Discard, proc.Stderr()) }()
	out, err := io.ReadAll(proc.Stdout())
	if err != nil || string(out) != "line\n" {
		t.Errorf("stdout = %q, %v", out, err)
	}
	if code, err := proc.Wait(); code != 0 || err != nil {
		t.Errorf("Wait() = %d, %v", code, err)
	}
}

func TestStream_KillEndsSession(t *testing.T) {
	r, _ := newTestRuntime(t)
	r.exec = func(ctx context.Context, _ string, _ []string, _ remotecommand.StreamOptions) error {
		<-ctx.Done()
		return ctx.Err()
	}

	proc, err := r.Stream(context.Background(), "sandbox-1", []string{"sleep", "60"})
	if err != nil {
		t.Fatal(err)
	}
	if err := proc.Kill(); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		code, err := proc.Wait()
		if code != -1 || err != nil {
			t.Errorf("Wait() = %d, %v; want -1, nil", code, err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait() did not return after Kill")
	}
}

func TestEndpoint(t *testing.T) {
	r, _ := newTestRuntime(t)
	if got := r.Endpoint("sandbox-1", 3011); got != "sandbox-1.buildbox-sandboxes.svc.cluster.local:3011" {
		t.Errorf("Endpoint() = %q", got)
	}
}
