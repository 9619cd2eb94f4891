package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"poolplane/internal/jobspec"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sruntime "k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const BackendKubernetes = "kubernetes"

// KubernetesConfig holds configuration for the Kubernetes runtime.
type KubernetesConfig struct {
	// Namespace where jobs are created unless the manifest names one
	Namespace string
	// ServiceAccount for job pods (optional)
	ServiceAccount string
	// Default resource limits for jobs
	DefaultCPULimit    string
	DefaultMemoryLimit string
}

// KubernetesRuntime submits resolved specs as batch/v1 Jobs.
type KubernetesRuntime struct {
	clientset kubernetes.Interface
	config    KubernetesConfig

	// Namespaces jobs have been created in, beyond the configured one.
	// nsChanged is closed and replaced whenever a namespace is added.
	nsMu       sync.Mutex
	namespaces map[string]struct{}
	nsChanged  chan struct{}
}

// homeDir returns the user's home directory.
func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE") // Windows
}

// NewKubernetesRuntime creates a new Kubernetes-based runtime.
// Tries in-cluster configuration first, falls back to kubeconfig for local development.
func NewKubernetesRuntime(cfg KubernetesConfig) (*KubernetesRuntime, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		slog.Info("in-cluster config not available, trying kubeconfig", "error", err)
		kubeconfig := filepath.Join(homeDir(), ".kube", "config")
		if env := os.Getenv("KUBECONFIG"); env != "" {
			kubeconfig = env
		}
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
		slog.Info("using kubeconfig", "path", kubeconfig)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}
	return NewKubernetesRuntimeWithClient(clientset, cfg), nil
}

// NewKubernetesRuntimeWithClient wraps an existing clientset.
func NewKubernetesRuntimeWithClient(clientset kubernetes.Interface, cfg KubernetesConfig) *KubernetesRuntime {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.DefaultCPULimit == "" {
		cfg.DefaultCPULimit = "500m"
	}
	if cfg.DefaultMemoryLimit == "" {
		cfg.DefaultMemoryLimit = "256Mi"
	}
	return &KubernetesRuntime{
		clientset:  clientset,
		config:     cfg,
		namespaces: map[string]struct{}{cfg.Namespace: {}},
		nsChanged:  make(chan struct{}),
	}
}

// rememberNamespace records a namespace named by a manifest so Lookup and
// Watch cover it. The worker only needs namespace-scoped RBAC.
func (k *KubernetesRuntime) rememberNamespace(ns string) {
	k.nsMu.Lock()
	defer k.nsMu.Unlock()
	if _, ok := k.namespaces[ns]; ok {
		return
	}
	k.namespaces[ns] = struct{}{}
	close(k.nsChanged)
	k.nsChanged = make(chan struct{})
}

// knownNamespaces returns the configured namespace first, then the rest sorted.
func (k *KubernetesRuntime) knownNamespaces() ([]string, <-chan struct{}) {
	k.nsMu.Lock()
	defer k.nsMu.Unlock()
	others := make([]string, 0, len(k.namespaces))
	for ns := range k.namespaces {
		if ns != k.config.Namespace {
			others = append(others, ns)
		}
	}
	slices.Sort(others)
	return append([]string{k.config.Namespace}, others...), k.nsChanged
}

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// JobName derives the Job name from an idempotency token, so a retried
// create collides with the job that already landed.
func JobName(token string) string {
	name := "poolplane-" + invalidNameChars.ReplaceAllString(strings.ToLower(token), "-")
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.TrimRight(name, "-")
}

// Create implements Runtime.
func (k *KubernetesRuntime) Create(ctx context.Context, spec *jobspec.ResolvedJobSpec) (Handle, error) {
	job, err := k.jobFromSpec(spec)
	if err != nil {
		return Handle{}, Permanent(fmt.Errorf("invalid job manifest for pool %s: %w", spec.Pool, err))
	}
	k.rememberNamespace(job.Namespace)

	created, err := k.clientset.BatchV1().Jobs(job.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return Handle{}, fmt.Errorf("failed to create kubernetes job %s: %w", job.Name, classifyKubernetesError(err))
	}

	slog.Info("created kubernetes job", "job", created.Name, "namespace", created.Namespace, "pool", spec.Pool)
	return k.handle(created), nil
}

// Lookup implements Runtime. It searches the configured namespace and every
// namespace a manifest has targeted, never the whole cluster.
func (k *KubernetesRuntime) Lookup(ctx context.Context, token string) (Handle, error) {
	selector := fmt.Sprintf("%s=%s", LabelToken, sanitizeLabelValue(token))
	namespaces, _ := k.knownNamespaces()

	var lastErr error
	for _, ns := range namespaces {
		list, err := k.clientset.BatchV1().Jobs(ns).List(ctx, metav1.ListOptions{LabelSelector: selector})
		if err != nil {
			lastErr = fmt.Errorf("failed to look up job for token %s in %s: %w", token, ns, classifyKubernetesError(err))
			continue
		}
		if len(list.Items) > 0 {
			return k.handle(&list.Items[0]), nil
		}
	}
	if lastErr != nil {
		return Handle{}, lastErr
	}
	return Handle{}, fmt.Errorf("token %s: %w", token, ErrNotFound)
}

// Status implements Runtime.
func (k *KubernetesRuntime) Status(ctx context.Context, h Handle) (RawStatus, error) {
	job, err := k.clientset.BatchV1().Jobs(h.Namespace).Get(ctx, h.Name, metav1.GetOptions{})
	if err != nil {
		return RawStatus{}, fmt.Errorf("failed to get job %s: %w", h.Name, classifyKubernetesError(err))
	}

	status := jobStatus(job)
	if status.Phase == PhaseFailed {
		if code, ok := k.podExitCode(ctx, job.Namespace, job.Name); ok {
			status.ExitCode = &code
		}
	}
	return status, nil
}

// Cancel suspends the job, which terminates its pods, and marks it cancelled.
func (k *KubernetesRuntime) Cancel(ctx context.Context, h Handle) error {
	patch, err := json.Marshal(map[string]any{
		"metadata": map[string]any{
			"annotations": map[string]string{AnnotationCancelled: "true"},
		},
		"spec": map[string]any{"suspend": true},
	})
	if err != nil {
		return err
	}

	_, err = k.clientset.BatchV1().Jobs(h.Namespace).Patch(ctx, h.Name, types.MergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to cancel job %s: %w", h.Name, classifyKubernetesError(err))
	}
	slog.Info("cancelled kubernetes job", "job", h.Name, "namespace", h.Namespace)
	return nil
}

// Delete removes the Job with foreground propagation so its pods go too.
func (k *KubernetesRuntime) Delete(ctx context.Context, h Handle) error {
	propagation := metav1.DeletePropagationForeground
	err := k.clientset.BatchV1().Jobs(h.Namespace).Delete(ctx, h.Name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to delete job %s: %w", h.Name, classifyKubernetesError(err))
	}
	slog.Info("deleted kubernetes job", "job", h.Name, "namespace", h.Namespace)
	return nil
}

// Watch implements Watcher for jobs in the configured namespace and every
// namespace a manifest has targeted. Namespaces added later get their own
// stream. The channel closes as soon as any stream breaks.
func (k *KubernetesRuntime) Watch(ctx context.Context) (<-chan StatusEvent, error) {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan StatusEvent)
	watched := make(map[string]bool)
	var wg sync.WaitGroup

	start := func(ns string) error {
		w, err := k.clientset.BatchV1().Jobs(ns).Watch(ctx, metav1.ListOptions{
			LabelSelector: fmt.Sprintf("%s=%s", LabelManagedBy, managedBy),
		})
		if err != nil {
			return fmt.Errorf("failed to watch jobs in %s: %w", ns, classifyKubernetesError(err))
		}
		watched[ns] = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			k.forward(ctx, w, out)
		}()
		return nil
	}

	namespaces, changed := k.knownNamespaces()
	for _, ns := range namespaces {
		if err := start(ns); err != nil {
			cancel()
			wg.Wait()
			return nil, err
		}
	}

	go func() {
		defer close(out)
		defer wg.Wait()
		for {
			select {
			case <-ctx.Done():
				return
			case <-changed:
				var all []string
				all, changed = k.knownNamespaces()
				for _, ns := range all {
					if watched[ns] {
						continue
					}
					if err := start(ns); err != nil {
						slog.Warn("closing job watch", "error", err)
						cancel()
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// forward relays one namespace's watch events until it breaks or ctx is done.
func (k *KubernetesRuntime) forward(ctx context.Context, w watch.Interface, out chan<- StatusEvent) {
	defer w.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.ResultChan():
			if !ok || event.Type == watch.Error {
				return
			}
			job, ok := event.Object.(*batchv1.Job)
			if !ok {
				continue
			}

			status := jobStatus(job)
			if event.Type == watch.Deleted && !status.Phase.IsTerminal() {
				status.Phase = PhaseFailed
				status.Reason = "Deleted"
				status.Message = "job was deleted before it finished"
			}

			select {
			case out <- StatusEvent{Handle: k.handle(job), Status: status}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// StreamLogs returns a follow stream of the job pod's first container.
func (k *KubernetesRuntime) StreamLogs(ctx context.Context, h Handle) (io.ReadCloser, error) {
	podName, err := k.waitForPod(ctx, h.Namespace, h.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to find pod for job %s: %w", h.Name, err)
	}

	pod, err := k.waitForContainerReady(ctx, h.Namespace, podName)
	if err != nil {
		return nil, err
	}

	opts := &corev1.PodLogOptions{Follow: true}
	if len(pod.Spec.Containers) > 0 {
		opts.Container = pod.Spec.Containers[0].Name
	}
	return k.clientset.CoreV1().Pods(h.Namespace).GetLogs(podName, opts).Stream(ctx)
}

func (k *KubernetesRuntime) handle(job *batchv1.Job) Handle {
	return Handle{
		Backend:   BackendKubernetes,
		Namespace: job.Namespace,
		Name:      job.Name,
		Token:     job.Labels[LabelToken],
	}
}

// jobFromSpec turns the rendered manifest into a Job. A manifest holding a
// "job_manifest" document is decoded as a full batch/v1 Job; otherwise the
// job is assembled from the image, command, env, cpu and memory fields.
func (k *KubernetesRuntime) jobFromSpec(spec *jobspec.ResolvedJobSpec) (*batchv1.Job, error) {
	m := spec.Manifest
	job := &batchv1.Job{}

	if raw, ok := m["job_manifest"].(map[string]any); ok {
		if err := k8sruntime.DefaultUnstructuredConverter.FromUnstructured(raw, job); err != nil {
			return nil, fmt.Errorf("decode job_manifest: %w", err)
		}
		if len(job.Spec.Template.Spec.Containers) == 0 {
			return nil, errors.New("job_manifest has no containers")
		}
	} else {
		container, err := k.containerFromManifest(m)
		if err != nil {
			return nil, err
		}
		job.Spec.Template.Spec.Containers = []corev1.Container{container}
		if sa := stringField(m, "service_account_name"); sa != "" {
			job.Spec.Template.Spec.ServiceAccountName = sa
		}
	}

	job.Name = JobName(spec.Token)
	job.Namespace = stringField(m, "namespace")
	if job.Namespace == "" {
		job.Namespace = k.config.Namespace
	}

	labels := map[string]string{
		LabelManagedBy: managedBy,
		LabelToken:     sanitizeLabelValue(spec.Token),
		LabelPool:      sanitizeLabelValue(spec.Pool),
	}
	if job.Labels == nil {
		job.Labels = map[string]string{}
	}
	if job.Spec.Template.Labels == nil {
		job.Spec.Template.Labels = map[string]string{}
	}
	for key, value := range labels {
		job.Labels[key] = value
		job.Spec.Template.Labels[key] = value
	}

	// No retries on the cluster side; failures are reported upstream.
	if job.Spec.BackoffLimit == nil {
		backoffLimit := int32(0)
		job.Spec.BackoffLimit = &backoffLimit
	}
	if job.Spec.Template.Spec.RestartPolicy == "" {
		job.Spec.Template.Spec.RestartPolicy = corev1.RestartPolicyNever
	}
	if job.Spec.Template.Spec.ServiceAccountName == "" && k.config.ServiceAccount != "" {
		job.Spec.Template.Spec.ServiceAccountName = k.config.ServiceAccount
	}
	return job, nil
}

func (k *KubernetesRuntime) containerFromManifest(m map[string]any) (corev1.Container, error) {
	image := stringField(m, "image")
	if image == "" {
		return corev1.Container{}, errors.New("manifest has no image")
	}

	command, err := stringSlice(m["command"])
	if err != nil {
		return corev1.Container{}, fmt.Errorf("command: %w", err)
	}

	cpu := stringField(m, "cpu")
	if cpu == "" {
		cpu = k.config.DefaultCPULimit
	}
	memory := stringField(m, "memory")
	if memory == "" {
		memory = k.config.DefaultMemoryLimit
	}
	cpuQty, err := resource.ParseQuantity(cpu)
	if err != nil {
		return corev1.Container{}, fmt.Errorf("cpu %q: %w", cpu, err)
	}
	memQty, err := resource.ParseQuantity(memory)
	if err != nil {
		return corev1.Container{}, fmt.Errorf("memory %q: %w", memory, err)
	}

	return corev1.Container{
		Name:    "job",
		Image:   image,
		Command: command,
		Env:     envVars(m["env"]),
		Resources: corev1.ResourceRequirements{
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:    cpuQty,
				corev1.ResourceMemory: memQty,
			},
		},
	}, nil
}

// jobStatus maps Job conditions to a phase. Conditions win over the
// cancelled annotation; a job with active pods counts as running.
func jobStatus(job *batchv1.Job) RawStatus {
	status := RawStatus{Phase: PhasePending, ObservedAt: time.Now()}

	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			status.Phase = PhaseSucceeded
			status.ExitCode = exitCode(0)
			return status
		case batchv1.JobFailed:
			status.Phase = PhaseFailed
			status.Reason = cond.Reason
			status.Message = cond.Message
			return status
		}
	}

	if job.Annotations[AnnotationCancelled] == "true" {
		status.Phase = PhaseCancelled
		status.Reason = "Cancelled"
		return status
	}
	if job.Status.Active > 0 {
		status.Phase = PhaseRunning
	}
	return status
}

func (k *KubernetesRuntime) podExitCode(ctx context.Context, namespace, jobName string) (int, bool) {
	pods, err := k.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("job-name=%s", jobName),
	})
	if err != nil {
		return 0, false
	}
	for _, pod := range pods.Items {
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.State.Terminated != nil {
				return int(cs.State.Terminated.ExitCode), true
			}
		}
	}
	return 0, false
}

// waitForPod waits for the job's pod to be created and returns its name.
func (k *KubernetesRuntime) waitForPod(ctx context.Context, namespace, jobName string) (string, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			pods, err := k.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
				LabelSelector: fmt.Sprintf("job-name=%s", jobName),
			})
			if err != nil {
				return "", err
			}
			if len(pods.Items) > 0 {
				return pods.Items[0].Name, nil
			}
		}
	}
}

// waitForContainerReady waits for the pod to start (or complete).
func (k *KubernetesRuntime) waitForContainerReady(ctx context.Context, namespace, podName string) (*corev1.Pod, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			pod, err := k.clientset.CoreV1().Pods(namespace).Get(ctx, podName, metav1.GetOptions{})
			if err != nil {
				return nil, err
			}
			switch pod.Status.Phase {
			case corev1.PodRunning, corev1.PodSucceeded, corev1.PodFailed:
				return pod, nil
			}
		}
	}
}

// classifyKubernetesError maps API errors onto the runtime taxonomy.
// Forbidden covers exceeded resource quotas.
func classifyKubernetesError(err error) error {
	switch {
	case apierrors.IsAlreadyExists(err):
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	case apierrors.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case apierrors.IsInvalid(err),
		apierrors.IsBadRequest(err),
		apierrors.IsForbidden(err),
		apierrors.IsUnauthorized(err),
		apierrors.IsMethodNotSupported(err),
		apierrors.IsRequestEntityTooLargeError(err):
		return Permanent(err)
	}
	return err
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func stringSlice(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		if t == "" {
			return nil, nil
		}
		return strings.Fields(t), nil
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprint(item))
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported type %T", v)
}

// envVars converts an env mapping to a list sorted by name.
func envVars(v any) []corev1.EnvVar {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)

	env := make([]corev1.EnvVar, 0, len(names))
	for _, name := range names {
		env = append(env, corev1.EnvVar{Name: name, Value: stringField(m, name)})
	}
	return env
}

var invalidLabelChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

func sanitizeLabelValue(v string) string {
	v = invalidLabelChars.ReplaceAllString(v, "-")
	if len(v) > 63 {
		v = v[:63]
	}
	return strings.Trim(v, "-_.")
}
