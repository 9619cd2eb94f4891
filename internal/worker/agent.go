// Package worker contains the worker loop that claims job requests, submits
// them to the control plane and reports their terminal state upstream.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"poolplane/internal/jobspec"
	"poolplane/internal/logger"
	"poolplane/internal/observability"
	"poolplane/internal/store"
	"poolplane/internal/worker/runtime"
	"poolplane/internal/worker/tracker"
	"poolplane/internal/workpool"
	"poolplane/pkg/api"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// DetailShutdown is the detail of jobs cancelled because the worker stopped.
const DetailShutdown = "worker shutdown"

// Reporter receives terminal states at the orchestration boundary.
type Reporter interface {
	ReportTerminal(ctx context.Context, id uuid.UUID, state store.JobState, detail string) error
}

// StateRecorder is optionally implemented by a Reporter that also wants the
// intermediate SUBMITTED and RUNNING states.
type StateRecorder interface {
	UpdateJobState(ctx context.Context, id uuid.UUID, state store.JobState) error
}

// Resolver returns the current definition of a work pool.
type Resolver interface {
	Resolve(ctx context.Context, name string) (store.WorkPool, error)
}

// Submitter realizes resolved specs on the control plane.
type Submitter interface {
	Submit(ctx context.Context, spec *jobspec.ResolvedJobSpec) (runtime.Handle, error)
	Status(ctx context.Context, h runtime.Handle) (runtime.RawStatus, error)
	Cancel(ctx context.Context, h runtime.Handle) error
	Runtime() runtime.Runtime
}

// AgentConfig holds configuration for the worker agent.
type AgentConfig struct {
	ID                  string
	Pools               []string // Pools to claim from; empty means all
	Concurrency         int
	PollInterval        time.Duration
	ControllerURL       string
	SystemSecret        string
	MaxBackoff          time.Duration // Maximum backoff when queue is empty (default: 30s)
	HeartbeatInterval   time.Duration // Interval between heartbeat calls (default: 2m)
	VisibilityExtension time.Duration // How long to extend visibility on heartbeat (default: 5m)
	ShutdownGracePeriod time.Duration // How long in-flight jobs get to finish on shutdown (default: 30s)
	RequeueDelay        time.Duration // Delay before a request with stale pool config is retried (default: 30s)

	Tracker tracker.Options
	Logger  *slog.Logger
	Metrics *observability.WorkerMetrics
}

// Agent is the main worker agent that runs the claim loop.
type Agent struct {
	queue      store.Queue
	reporter   Reporter
	resolver   Resolver
	submitter  Submitter
	tracker    *tracker.Tracker
	config     AgentConfig
	logger     *slog.Logger
	metrics    *observability.WorkerMetrics
	httpClient *http.Client
	now        func() time.Time

	// A slot is held from claim until the terminal state is acknowledged.
	sem     chan struct{}
	pollNow chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]context.CancelFunc

	claimFailing  atomic.Bool
	reportFailing atomic.Bool
	done          chan struct{}
}

// New creates a new worker agent.
func New(q store.Queue, reporter Reporter, resolver Resolver, submitter Submitter, config AgentConfig) (*Agent, error) {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}

	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 2 * time.Minute
	}

	if config.VisibilityExtension <= 0 {
		config.VisibilityExtension = 5 * time.Minute
	}

	if config.ShutdownGracePeriod <= 0 {
		config.ShutdownGracePeriod = 30 * time.Second
	}

	if config.RequeueDelay <= 0 {
		config.RequeueDelay = 30 * time.Second
	}

	if config.Logger == nil {
		config.Logger = logger.New()
	}

	config.ControllerURL = strings.TrimSuffix(config.ControllerURL, "/")

	a := &Agent{
		queue:     q,
		reporter:  reporter,
		resolver:  resolver,
		submitter: submitter,
		config:    config,
		logger:    config.Logger.With("worker_id", config.ID),
		metrics:   config.Metrics,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		now:      time.Now,
		sem:      make(chan struct{}, config.Concurrency),
		pollNow:  make(chan struct{}, 1),
		inflight: make(map[string]context.CancelFunc),
		done:     make(chan struct{}),
	}

	trackerOpts := config.Tracker
	trackerOpts.Logger = a.logger
	trackerOpts.Observer = a.onTransition
	tr, err := tracker.New(submitter, trackerOpts)
	if err != nil {
		return nil, err
	}
	if w, ok := submitter.Runtime().(runtime.Watcher); ok {
		tr.WithWatcher(w)
	}
	a.tracker = tr

	return a, nil
}

// Run starts the claim loop. It blocks until the context is cancelled.
// On cancellation it stops claiming, gives in-flight jobs the grace period
// to finish and cancels the rest.
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.done)

	a.logger.Info("agent starting", "concurrency", a.config.Concurrency, "pools", a.config.Pools)

	// Background work outlives ctx so shutdown can still observe and report.
	bg := context.WithoutCancel(ctx)

	taskCtx, cancelTasks := context.WithCancel(bg)
	defer cancelTasks()

	trackerCtx, stopTracker := context.WithCancel(bg)
	trackerDone := make(chan struct{})
	go func() {
		defer close(trackerDone)
		a.tracker.Run(trackerCtx)
	}()
	defer func() {
		stopTracker()
		<-trackerDone
	}()

	heartbeatCtx, stopHeartbeat := context.WithCancel(bg)
	defer stopHeartbeat()
	go a.runHeartbeat(heartbeatCtx)

	drainTicker := time.NewTicker(a.config.PollInterval)
	defer drainTicker.Stop()

	// The poll timer is the only clock driving claims. It is re-armed after
	// every claim attempt, so other select cases never postpone it.
	backoff := a.config.PollInterval
	pollTimer := time.NewTimer(backoff)
	defer pollTimer.Stop()

	a.triggerPoll()

	for {
		select {
		case <-ctx.Done():
			a.shutdown(bg, cancelTasks)
			return ctx.Err()

		case <-pollTimer.C:
			a.triggerPoll()

		case <-a.tracker.Ready():
			a.drain(bg)

		case <-drainTicker.C:
			a.drain(bg)

		case <-a.pollNow:
			backoff = a.poll(ctx, taskCtx, backoff)
			pollTimer.Reset(backoff)
		}
	}
}

// poll claims up to the free slot count and dispatches what it got. It
// returns the delay before the next timed poll: PollInterval after work was
// found, doubled up to MaxBackoff after an empty or failed claim.
func (a *Agent) poll(ctx, taskCtx context.Context, backoff time.Duration) time.Duration {
	free := a.config.Concurrency - len(a.sem)
	if free <= 0 {
		// A release triggers the next poll.
		return a.config.PollInterval
	}

	items, err := a.queue.Claim(ctx, a.config.Pools, free)
	if err != nil {
		if ctx.Err() != nil {
			return backoff
		}
		if !a.claimFailing.Swap(true) {
			a.logger.Error("claim failed, worker degraded", "error", err)
		}
		return a.nextBackoff(backoff)
	}
	if a.claimFailing.Swap(false) {
		a.logger.Info("claims recovered")
	}

	if len(items) == 0 {
		return a.nextBackoff(backoff)
	}

	a.logger.Info("claimed job requests", "count", len(items))
	for _, item := range items {
		a.dispatch(taskCtx, item)
	}
	return a.config.PollInterval
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Healthy returns an error while claims or terminal reports are failing.
func (a *Agent) Healthy() error {
	if a.claimFailing.Load() {
		return errors.New("queue claims are failing")
	}
	if a.reportFailing.Load() {
		return errors.New("terminal state reports are failing")
	}
	return nil
}

// TrackerMode reports whether jobs are currently watched or polled.
func (a *Agent) TrackerMode() tracker.Mode {
	return a.tracker.Mode()
}

// InFlight returns the number of claimed jobs not yet reported terminal.
func (a *Agent) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inflight)
}

func metricPool(pool string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("pool", pool))
}

func (a *Agent) triggerPoll() {
	select {
	case a.pollNow <- struct{}{}:
	default:
		// Already a poll pending
	}
}

func (a *Agent) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > a.config.MaxBackoff {
		next = a.config.MaxBackoff
	}
	return next
}

// dispatch registers a claimed request with the tracker and starts its task.
func (a *Agent) dispatch(ctx context.Context, req store.JobRequest) {
	id := req.ID.String()
	if err := a.tracker.Add(id, id, req.PoolName); err != nil {
		// Still held by this worker from an earlier claim.
		a.logger.Warn("skipping request already in flight", "job_id", id, "error", err)
		return
	}

	a.sem <- struct{}{}
	taskCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.inflight[id] = cancel
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.Claimed.Add(ctx, 1, metricPool(req.PoolName))
		a.metrics.InFlight.Add(ctx, 1)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.process(taskCtx, req)
	}()
}

// release frees the slot held by id and stops its task.
func (a *Agent) release(id string) {
	a.mu.Lock()
	cancel, ok := a.inflight[id]
	delete(a.inflight, id)
	a.mu.Unlock()
	if !ok {
		return
	}

	cancel()
	<-a.sem
	if a.metrics != nil {
		a.metrics.InFlight.Add(context.Background(), -1)
	}
	// Signal that a slot is now available - trigger immediate re-poll
	a.triggerPoll()
}

func (a *Agent) inflightIDs() []uuid.UUID {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(a.inflight))
	for id := range a.inflight {
		if parsed, err := uuid.Parse(id); err == nil {
			ids = append(ids, parsed)
		}
	}
	return ids
}

// process resolves, builds and submits one claimed request. Everything after
// submission is driven by the tracker.
func (a *Agent) process(ctx context.Context, req store.JobRequest) {
	id := req.ID.String()
	ctx = logger.WithJobID(ctx, id)
	log := logger.FromContext(ctx, a.logger).With("pool", req.PoolName)

	ctx, span := otel.Tracer("poolplane-worker").Start(ctx, "process_job",
		trace.WithAttributes(
			attribute.String("job.id", id),
			attribute.String("pool.name", req.PoolName),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	pool, err := a.resolver.Resolve(ctx, req.PoolName)
	if err != nil {
		var stale *workpool.StaleConfigError
		if errors.As(err, &stale) {
			a.requeue(ctx, req, err, log)
			return
		}
		a.fail(id, err, log, span)
		return
	}

	spec, err := jobspec.Build(pool, id, req.Variables)
	if err != nil {
		a.fail(id, err, log, span)
		return
	}

	handle, err := a.submitter.Submit(ctx, spec)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown took over this job.
			log.Warn("submission abandoned", "error", err)
			return
		}
		a.fail(id, err, log, span)
		return
	}

	if err := a.tracker.MarkSubmitted(id, handle); err != nil {
		// The record already reached a terminal state, so nothing would
		// track this job. Stop it rather than leave it running unobserved.
		log.Error("failed to record submission, cancelling job", "error", err, "name", handle.Name)
		if cerr := a.submitter.Cancel(context.WithoutCancel(ctx), handle); cerr != nil {
			log.Error("failed to cancel untracked job", "error", cerr)
		}
		return
	}
	span.SetAttributes(attribute.String("job.handle", handle.Name))
	log.Info("job submitted", "backend", handle.Backend, "name", handle.Name)

	if streamer, ok := a.submitter.Runtime().(runtime.LogStreamer); ok && a.config.ControllerURL != "" {
		a.streamLogs(ctx, req.ID, streamer, handle, log)
	}
}

func (a *Agent) fail(id string, err error, log *slog.Logger, span trace.Span) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	log.Error("job failed", "error", err)
	if err := a.tracker.Fail(id, err.Error()); err != nil {
		log.Error("failed to record failure", "error", err)
	}
}

// requeue hands a request back to the queue when its pool definition cannot
// be trusted right now. Nothing is reported; another claim retries it.
func (a *Agent) requeue(ctx context.Context, req store.JobRequest, cause error, log *slog.Logger) {
	log.Warn("pool definition stale, returning request to queue", "error", cause, "retry_in", a.config.RequeueDelay)

	visibleAfter := a.now().Add(a.config.RequeueDelay)
	if err := a.queue.SetVisibleAfter(ctx, nil, req.ID, visibleAfter); err != nil {
		log.Error("failed to delay request", "error", err)
	}
	a.tracker.Forget(req.ID.String())
	a.release(req.ID.String())
}

// drain reports every undelivered terminal event. Events whose report fails
// stay in the outbox and are retried on the next drain.
func (a *Agent) drain(ctx context.Context) {
	for _, ev := range a.tracker.Drain() {
		id, err := uuid.Parse(ev.ID)
		if err != nil {
			a.logger.Error("dropping event with invalid job id", "job_id", ev.ID, "error", err)
			a.tracker.Ack(ev.ID)
			a.release(ev.ID)
			continue
		}

		reportCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = a.reporter.ReportTerminal(reportCtx, id, ev.To, ev.Detail)
		cancel()
		if err != nil {
			if !a.reportFailing.Swap(true) {
				a.logger.Error("failed to report terminal state", "job_id", ev.ID, "state", ev.To, "error", err)
			}
			continue
		}
		a.reportFailing.Store(false)

		a.tracker.Ack(ev.ID)
		a.metrics.RecordTerminal(ctx, string(ev.To))
		a.logger.Info("job reported", "job_id", ev.ID, "pool", ev.Pool, "state", ev.To, "detail", ev.Detail)
		a.release(ev.ID)
	}
}

// onTransition forwards intermediate states to the reporter when it keeps them.
func (a *Agent) onTransition(ev tracker.Event) {
	if ev.To.IsTerminal() {
		return
	}
	recorder, ok := a.reporter.(StateRecorder)
	if !ok {
		return
	}
	id, err := uuid.Parse(ev.ID)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := recorder.UpdateJobState(ctx, id, ev.To); err != nil {
		a.logger.Warn("failed to record job state", "job_id", ev.ID, "state", ev.To, "error", err)
	}
}

// shutdown waits up to the grace period for in-flight jobs, then cancels
// the rest on the backend and reports them CANCELLED.
func (a *Agent) shutdown(ctx context.Context, cancelTasks context.CancelFunc) {
	a.logger.Info("stopped claiming, waiting for in-flight jobs", "inflight", a.InFlight(), "grace_period", a.config.ShutdownGracePeriod)

	grace := time.NewTimer(a.config.ShutdownGracePeriod)
	defer grace.Stop()
	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()

wait:
	for a.InFlight() > 0 {
		select {
		case <-grace.C:
			break wait
		case <-a.tracker.Ready():
			a.drain(ctx)
		case <-ticker.C:
			a.drain(ctx)
		}
	}

	cancelTasks()
	a.wg.Wait()

	for _, rec := range a.tracker.Active() {
		if rec.Handle.Name != "" {
			cancelCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := a.submitter.Cancel(cancelCtx, rec.Handle); err != nil {
				a.logger.Error("failed to cancel job on shutdown", "job_id", rec.ID, "error", err)
			}
			cancel()
		}
		if err := a.tracker.Finish(rec.ID, store.JobStateCancelled, DetailShutdown); err != nil {
			a.logger.Error("failed to mark job cancelled", "job_id", rec.ID, "error", err)
		}
	}

	a.drain(ctx)
	if n := a.InFlight(); n > 0 {
		a.logger.Warn("exiting with unreported jobs, they will be reclaimed", "count", n)
	}
	a.logger.Info("agent stopped")
}

// runHeartbeat refreshes the visibility timeout of every in-flight request
// so long-running jobs are not claimed by another worker.
func (a *Agent) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			visibleAfter := a.now().Add(a.config.VisibilityExtension)
			for _, id := range a.inflightIDs() {
				if err := a.queue.SetVisibleAfter(ctx, nil, id, visibleAfter); err != nil {
					a.logger.Warn("heartbeat failed", "job_id", id, "error", err)
				}
			}
		}
	}
}

func (a *Agent) streamLogs(ctx context.Context, jobID uuid.UUID, streamer runtime.LogStreamer, handle runtime.Handle, log *slog.Logger) {
	const (
		logBatchSize     = 100         // Max lines per batch
		logBatchBytes    = 512 << 10   // Stays under the controller's 1 MiB chunk limit
		logFlushInterval = time.Second // Flush at least every second
	)

	rc, err := streamer.StreamLogs(ctx, handle)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("failed to get log stream", "error", err)
		}
		return
	}
	defer rc.Close()

	var batch []string
	batchBytes := 0
	flushTicker := time.NewTicker(logFlushInterval)
	defer flushTicker.Stop()

	lineChan := make(chan string, 100)

	go func() {
		defer close(lineChan)
		scanner := bufio.NewScanner(rc)
		for scanner.Scan() {
			// Postgres rejects \x00
			line := strings.ReplaceAll(scanner.Text(), "\x00", "")
			select {
			case lineChan <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Ship the tail even when the task was just cancelled.
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := a.sendLogs(sendCtx, jobID, strings.Join(batch, "\n")); err != nil {
			log.Warn("failed to ship logs", "error", err)
		}
		batch = batch[:0]
		batchBytes = 0
	}

	for {
		select {
		case line, ok := <-lineChan:
			if !ok {
				flush()
				return
			}
			batch = append(batch, line)
			batchBytes += len(line) + 1
			if len(batch) >= logBatchSize || batchBytes >= logBatchBytes {
				flush()
			}
		case <-flushTicker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}

func (a *Agent) sendLogs(ctx context.Context, jobID uuid.UUID, content string) error {
	url := fmt.Sprintf("%s/internal/jobs/%s/logs", a.config.ControllerURL, jobID)

	reqBody, err := json.Marshal(api.AddLogRequest{Content: content})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.config.SystemSecret != "" {
		req.Header.Set("Authorization", "Bearer "+a.config.SystemSecret)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("api returned status %d", resp.StatusCode)
	}

	return nil
}
