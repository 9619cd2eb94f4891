// Package submission wraps a runtime backend with retries, idempotent
// resubmission and client-side rate limiting.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"poolplane/internal/jobspec"
	"poolplane/internal/logger"
	"poolplane/internal/observability"
	"poolplane/internal/worker/runtime"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Options configures the retry policy and rate limit of a Client.
type Options struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	AttemptTimeout time.Duration

	// Control plane calls per second (0 disables limiting) and burst
	RateLimit float64
	RateBurst int

	Logger  *slog.Logger
	Metrics *observability.WorkerMetrics
}

// Client submits resolved specs to a runtime.
type Client struct {
	rt      runtime.Runtime
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a client over rt.
func New(rt runtime.Runtime, opts Options) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 10 * time.Second
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.New()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return &Client{
		rt:      rt,
		opts:    opts,
		limiter: limiter,
		logger:  opts.Logger,
		sleep:   sleepContext,
	}
}

// Runtime returns the backend the client submits to.
func (c *Client) Runtime() runtime.Runtime {
	return c.rt
}

// Submit realizes spec on the control plane.
//
// Transient failures are retried with exponential backoff. Before every
// retry the client looks the job up by its idempotency token, so a create
// that landed but timed out is never duplicated. If the caller's context is
// cancelled, any job that landed under the token is cancelled before return.
func (c *Client) Submit(ctx context.Context, spec *jobspec.ResolvedJobSpec) (runtime.Handle, error) {
	ctx, span := otel.Tracer("poolplane-submission").Start(ctx, "submit_job",
		trace.WithAttributes(
			attribute.String("job.token", spec.Token),
			attribute.String("pool.name", spec.Pool),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	log := logger.FromContext(ctx, c.logger).With("token", spec.Token, "pool", spec.Pool)

	h, attempts, err := c.submit(ctx, spec, log)
	span.SetAttributes(attribute.Int("submit.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			c.abandon(spec.Token, log)
		}
		return runtime.Handle{}, err
	}
	if c.opts.Metrics != nil {
		c.opts.Metrics.Submitted.Add(ctx, 1)
	}
	return h, nil
}

func (c *Client) submit(ctx context.Context, spec *jobspec.ResolvedJobSpec, log *slog.Logger) (runtime.Handle, int, error) {
	var lastErr error

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.backoff(attempt-1)); err != nil {
				return runtime.Handle{}, attempt - 1, err
			}

			// The previous attempt may have landed before it failed.
			h, err := c.lookup(ctx, spec.Token)
			if err == nil {
				log.Info("previous submission attempt landed", "attempt", attempt-1, "job", h.Name)
				return h, attempt - 1, nil
			}
			if !errors.Is(err, runtime.ErrNotFound) {
				if ctx.Err() != nil {
					return runtime.Handle{}, attempt - 1, ctx.Err()
				}
				if !runtime.IsTransient(err) {
					return runtime.Handle{}, attempt - 1, &RejectedError{Err: err}
				}
				// Creating now could duplicate the job; spend the attempt.
				log.Warn("idempotency lookup failed", "attempt", attempt, "error", err)
				lastErr = err
				continue
			}
		}

		h, err := c.create(ctx, spec)
		if err == nil {
			return h, attempt, nil
		}
		if errors.Is(err, runtime.ErrAlreadyExists) {
			if h, lerr := c.lookup(ctx, spec.Token); lerr == nil {
				log.Info("job already exists for token", "job", h.Name)
				return h, attempt, nil
			}
		}
		if ctx.Err() != nil {
			return runtime.Handle{}, attempt, ctx.Err()
		}
		if !runtime.IsTransient(err) {
			return runtime.Handle{}, attempt, &RejectedError{Err: err}
		}

		log.Warn("submission attempt failed", "attempt", attempt, "max_attempts", c.opts.MaxAttempts, "error", err)
		lastErr = err
	}

	return runtime.Handle{}, c.opts.MaxAttempts, &SubmissionFailedError{Attempts: c.opts.MaxAttempts, Err: lastErr}
}

// MaxDuration is the longest Submit can keep retrying, ignoring rate limit
// waits. A record awaiting submission should not be expired before it.
func (c *Client) MaxDuration() time.Duration {
	return time.Duration(c.opts.MaxAttempts) * (c.opts.AttemptTimeout + c.opts.BackoffMax)
}

func (c *Client) create(ctx context.Context, spec *jobspec.ResolvedJobSpec) (runtime.Handle, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return runtime.Handle{}, err
	}
	if c.opts.Metrics != nil {
		c.opts.Metrics.SubmitAttempts.Add(ctx, 1)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
	defer cancel()
	return c.rt.Create(attemptCtx, spec)
}

func (c *Client) lookup(ctx context.Context, token string) (runtime.Handle, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return runtime.Handle{}, err
	}
	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
	defer cancel()
	return c.rt.Lookup(attemptCtx, token)
}

// abandon cancels whatever landed under token after the caller gave up.
func (c *Client) abandon(token string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.AttemptTimeout)
	defer cancel()

	h, err := c.rt.Lookup(ctx, token)
	if err != nil {
		return
	}
	if err := c.rt.Cancel(ctx, h); err != nil {
		log.Error("failed to cancel abandoned job", "job", h.Name, "error", err)
		return
	}
	log.Info("cancelled job abandoned during submission", "job", h.Name)
}

// Status reads the job state once.
func (c *Client) Status(ctx context.Context, h runtime.Handle) (runtime.RawStatus, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return runtime.RawStatus{}, err
	}
	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
	defer cancel()
	return c.rt.Status(attemptCtx, h)
}

// Cancel stops the job. A job that no longer exists counts as cancelled.
func (c *Client) Cancel(ctx context.Context, h runtime.Handle) error {
	return c.retry(ctx, "cancel", func(ctx context.Context) error {
		return c.rt.Cancel(ctx, h)
	})
}

// Delete removes the job. A job that no longer exists counts as deleted.
func (c *Client) Delete(ctx context.Context, h runtime.Handle) error {
	return c.retry(ctx, "delete", func(ctx context.Context) error {
		return c.rt.Delete(ctx, h)
	})
}

func (c *Client) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.backoff(attempt-1)); err != nil {
				return err
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil || errors.Is(err, runtime.ErrNotFound) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !runtime.IsTransient(err) {
			return &RejectedError{Err: err}
		}
		lastErr = err
	}
	return &SubmissionFailedError{Attempts: c.opts.MaxAttempts, Err: fmt.Errorf("%s: %w", op, lastErr)}
}

// backoff returns the wait before retry n (1-based): base * 2^(n-1), capped.
func (c *Client) backoff(n int) time.Duration {
	d := c.opts.BackoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.opts.BackoffMax {
			return c.opts.BackoffMax
		}
	}
	if d > c.opts.BackoffMax {
		return c.opts.BackoffMax
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
