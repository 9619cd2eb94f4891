// Package tracker follows submitted jobs to a terminal state. It watches the
// backend when it can, falls back to polling when the watch breaks, and
// delivers each terminal transition at least once until acknowledged.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"poolplane/internal/logger"
	"poolplane/internal/store"
	"poolplane/internal/worker/runtime"

	"github.com/hashicorp/go-memdb"
)

// DetailUnknown is the detail of jobs whose outcome could not be determined.
const DetailUnknown = "Unknown"

// Mode is how the tracker currently observes the backend.
type Mode int32

const (
	ModePoll Mode = iota
	ModeWatch
)

func (m Mode) String() string {
	if m == ModeWatch {
		return "watch"
	}
	return "poll"
}

// StatusSource reads job status from the control plane.
type StatusSource interface {
	Status(ctx context.Context, h runtime.Handle) (runtime.RawStatus, error)
}

// Event is a state transition of one record.
type Event struct {
	ID       string
	Pool     string
	From     store.JobState
	To       store.JobState
	Detail   string
	ExitCode *int
	At       time.Time
}

// Options configures a Tracker.
type Options struct {
	PollInterval    time.Duration
	RewatchInterval time.Duration
	TerminalTimeout time.Duration
	// PendingTimeout bounds how long a record may wait for its submission
	// to land. It should cover the submitter's full retry budget.
	// Defaults to TerminalTimeout.
	PendingTimeout time.Duration
	Logger         *slog.Logger

	// Observer, if set, is called after every transition.
	Observer func(Event)
}

// Tracker owns the records of in-flight jobs.
type Tracker struct {
	source  StatusSource
	watcher runtime.Watcher
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	db   *memdb.MemDB
	mode atomic.Int32

	mu     sync.Mutex
	outbox map[string]Event
	ready  chan struct{}
}

// New creates a tracker. When source also implements runtime.Watcher the
// tracker starts in watch mode.
func New(source StatusSource, opts Options) (*Tracker, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.RewatchInterval <= 0 {
		opts.RewatchInterval = 30 * time.Second
	}
	if opts.TerminalTimeout <= 0 {
		opts.TerminalTimeout = 10 * time.Minute
	}
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = opts.TerminalTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.New()
	}

	db, err := newRecordsDB()
	if err != nil {
		return nil, fmt.Errorf("failed to create record table: %w", err)
	}

	t := &Tracker{
		source: source,
		opts:   opts,
		logger: opts.Logger,
		now:    time.Now,
		db:     db,
		outbox: make(map[string]Event),
		ready:  make(chan struct{}, 1),
	}
	if w, ok := source.(runtime.Watcher); ok {
		t.watcher = w
	}
	return t, nil
}

// WithWatcher sets the watch stream explicitly.
func (t *Tracker) WithWatcher(w runtime.Watcher) *Tracker {
	t.watcher = w
	return t
}

// Mode reports the current observation mode.
func (t *Tracker) Mode() Mode {
	return Mode(t.mode.Load())
}

// Ready is signalled whenever a terminal event is added to the outbox.
func (t *Tracker) Ready() <-chan struct{} {
	return t.ready
}

// Add creates a PENDING record for a claimed job.
func (t *Tracker) Add(id, token, pool string) error {
	tx := t.db.Txn(true)
	defer tx.Abort()

	existing, err := firstRecord(tx, "id", id)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("tracker: record %s already exists", id)
	}

	now := t.now()
	rec := &Record{
		ID:           id,
		Token:        token,
		Pool:         pool,
		State:        store.JobStatePending,
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := tx.Insert(recordsTable, rec); err != nil {
		return fmt.Errorf("tracker: failed inserting record: %w", err)
	}
	tx.Commit()
	return nil
}

// MarkSubmitted attaches the backend handle and moves the record to SUBMITTED.
func (t *Tracker) MarkSubmitted(id string, h runtime.Handle) error {
	_, err := t.transition(id, change{
		next:     store.JobStateSubmitted,
		activity: true,
		mutate: func(r *Record) {
			r.Handle = h
			at := t.now()
			r.SubmittedAt = &at
		},
	})
	return err
}

// Fail moves the record to FAILED with detail.
func (t *Tracker) Fail(id, detail string) error {
	_, err := t.transition(id, change{next: store.JobStateFailed, detail: detail})
	return err
}

// Finish forces a terminal state, e.g. CANCELLED on shutdown.
func (t *Tracker) Finish(id string, state store.JobState, detail string) error {
	if !state.IsTerminal() {
		return fmt.Errorf("tracker: %s is not a terminal state", state)
	}
	_, err := t.transition(id, change{next: state, detail: detail})
	return err
}

// Get returns a copy of the record for id.
func (t *Tracker) Get(id string) (Record, bool) {
	tx := t.db.Txn(false)
	defer tx.Abort()

	rec, err := firstRecord(tx, "id", id)
	if err != nil || rec == nil {
		return Record{}, false
	}
	return *rec, true
}

// Active returns the records that have not reached a terminal state.
func (t *Tracker) Active() []Record {
	tx := t.db.Txn(false)
	defer tx.Abort()

	recs, err := recordsInStates(tx, store.JobStatePending, store.JobStateSubmitted, store.JobStateRunning)
	if err != nil {
		t.logger.Error("failed to list active records", "error", err)
		return nil
	}
	return recs
}

// Drain returns the undelivered terminal events, ordered by record id.
// Events stay in the outbox until acknowledged.
func (t *Tracker) Drain() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	events := make([]Event, 0, len(t.outbox))
	for _, ev := range t.outbox {
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events
}

// Ack confirms delivery of the terminal event for id and archives the record.
func (t *Tracker) Ack(id string) {
	t.mu.Lock()
	delete(t.outbox, id)
	t.mu.Unlock()

	tx := t.db.Txn(true)
	defer tx.Abort()
	rec, err := firstRecord(tx, "id", id)
	if err != nil || rec == nil {
		return
	}
	if err := tx.Delete(recordsTable, rec); err != nil {
		t.logger.Error("failed to archive record", "job_id", id, "error", err)
		return
	}
	tx.Commit()
}

// Forget drops the record for id without emitting an event. It is used when
// a claimed job is handed back to the queue.
func (t *Tracker) Forget(id string) {
	t.Ack(id)
}

// Observe applies a status observation for the record identified by id.
func (t *Tracker) Observe(id string, status runtime.RawStatus) {
	state, ok := stateForPhase(status.Phase)
	if !ok {
		return
	}

	detail := status.Reason
	if status.Message != "" {
		if detail != "" {
			detail += ": "
		}
		detail += status.Message
	}
	if detail == "" && state == store.JobStateFailed && status.ExitCode != nil {
		detail = fmt.Sprintf("exit code %d", *status.ExitCode)
	}

	_, err := t.transition(id, change{
		next:     state,
		detail:   detail,
		exitCode: status.ExitCode,
		activity: true,
		// Backend observations only count once the job was handed over.
		when: func(r *Record) bool { return r.State != store.JobStatePending },
	})
	if err != nil {
		t.logger.Error("failed to apply status", "job_id", id, "error", err)
	}
}

// observeToken applies a watch event, which identifies jobs by token.
func (t *Tracker) observeToken(token string, status runtime.RawStatus) {
	tx := t.db.Txn(false)
	rec, err := firstRecord(tx, "token", token)
	tx.Abort()
	if err != nil || rec == nil {
		return
	}
	t.Observe(rec.ID, status)
}

func stateForPhase(p runtime.Phase) (store.JobState, bool) {
	switch p {
	case runtime.PhasePending:
		return store.JobStateSubmitted, true
	case runtime.PhaseRunning:
		return store.JobStateRunning, true
	case runtime.PhaseSucceeded:
		return store.JobStateSucceeded, true
	case runtime.PhaseFailed:
		return store.JobStateFailed, true
	case runtime.PhaseCancelled:
		return store.JobStateCancelled, true
	}
	return "", false
}

type change struct {
	next     store.JobState
	detail   string
	exitCode *int
	// activity refreshes the record's last activity even without a state change.
	activity bool
	mutate   func(*Record)
	// when, if set, must hold for the change to apply.
	when func(*Record) bool
}

// transition applies c to record id if that keeps the lifecycle monotonic.
// Terminal transitions are queued in the outbox.
func (t *Tracker) transition(id string, c change) (bool, error) {
	tx := t.db.Txn(true)
	defer tx.Abort()

	cur, err := firstRecord(tx, "id", id)
	if err != nil {
		return false, err
	}
	if cur == nil || cur.State.IsTerminal() {
		return false, nil
	}
	if c.when != nil && !c.when(cur) {
		return false, nil
	}

	now := t.now()
	rec := *cur
	if c.activity {
		rec.LastActivity = now
	}
	if c.mutate != nil {
		c.mutate(&rec)
	}

	changed := cur.State.CanTransitionTo(c.next)
	if changed {
		rec.State = c.next
		if c.exitCode != nil {
			rec.ExitCode = c.exitCode
		}
		if c.next.IsTerminal() {
			rec.TerminalAt = &now
			rec.Detail = c.detail
		}
	}
	if !changed && !c.activity && c.mutate == nil {
		return false, nil
	}

	if err := tx.Insert(recordsTable, &rec); err != nil {
		return false, fmt.Errorf("tracker: failed updating record: %w", err)
	}
	tx.Commit()

	if !changed {
		return false, nil
	}

	ev := Event{ID: rec.ID, Pool: rec.Pool, From: cur.State, To: c.next, Detail: rec.Detail, ExitCode: rec.ExitCode, At: now}
	t.logger.Info("job state changed", "job_id", rec.ID, "from", cur.State, "to", c.next, "detail", rec.Detail)

	if c.next.IsTerminal() {
		t.mu.Lock()
		if _, queued := t.outbox[rec.ID]; !queued {
			t.outbox[rec.ID] = ev
		}
		t.mu.Unlock()
		select {
		case t.ready <- struct{}{}:
		default:
		}
	}
	if t.opts.Observer != nil {
		t.opts.Observer(ev)
	}
	return true, nil
}

// Run observes the backend until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	if t.watcher == nil {
		t.mode.Store(int32(ModePoll))
		t.pollUntil(ctx, nil)
		return ctx.Err()
	}

	for {
		events, err := t.watcher.Watch(ctx)
		if err == nil {
			t.mode.Store(int32(ModeWatch))
			t.logger.Info("tracker watching backend")
			// Resync anything that changed while the stream was down.
			t.pollAll(ctx)
			t.consume(ctx, events)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		t.mode.Store(int32(ModePoll))
		t.logger.Warn("watch unavailable, falling back to polling", "error", err, "rewatch_in", t.opts.RewatchInterval)
		t.pollAll(ctx)

		rewatch := time.NewTimer(t.opts.RewatchInterval)
		t.pollUntil(ctx, rewatch.C)
		rewatch.Stop()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// consume applies watch events until the stream closes. Timeouts are swept
// every poll interval and all records are re-polled every rewatch interval.
func (t *Tracker) consume(ctx context.Context, events <-chan runtime.StatusEvent) {
	sweep := time.NewTicker(t.opts.PollInterval)
	defer sweep.Stop()
	resync := time.NewTicker(t.opts.RewatchInterval)
	defer resync.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			t.observeToken(ev.Handle.Token, ev.Status)
		case <-sweep.C:
			t.SweepTimeouts()
		case <-resync.C:
			t.pollAll(ctx)
		}
	}
}

// pollUntil polls every record each poll interval until ctx is done or stop fires.
func (t *Tracker) pollUntil(ctx context.Context, stop <-chan time.Time) {
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			t.pollAll(ctx)
			t.SweepTimeouts()
		}
	}
}

// pollAll reads the status of every submitted or running record once.
func (t *Tracker) pollAll(ctx context.Context) {
	tx := t.db.Txn(false)
	recs, err := recordsInStates(tx, store.JobStateSubmitted, store.JobStateRunning)
	tx.Abort()
	if err != nil {
		t.logger.Error("failed to list records for polling", "error", err)
		return
	}

	for _, rec := range recs {
		if ctx.Err() != nil {
			return
		}
		status, err := t.source.Status(ctx, rec.Handle)
		if err != nil {
			if errors.Is(err, runtime.ErrNotFound) {
				if err := t.Fail(rec.ID, "job no longer exists on the backend"); err != nil {
					t.logger.Error("failed to fail vanished job", "job_id", rec.ID, "error", err)
				}
				continue
			}
			t.logger.Warn("status poll failed", "job_id", rec.ID, "error", err)
			continue
		}
		t.Observe(rec.ID, status)
	}
}

// SweepTimeouts fails every non-terminal record whose last activity is older
// than the terminal timeout. Records still waiting on submission get the
// pending timeout instead.
func (t *Tracker) SweepTimeouts() {
	now := t.now()
	expired := func(r *Record) bool {
		limit := t.opts.TerminalTimeout
		if r.State == store.JobStatePending {
			limit = t.opts.PendingTimeout
		}
		return now.Sub(r.LastActivity) >= limit
	}

	for _, rec := range t.Active() {
		if !expired(&rec) {
			continue
		}
		changed, err := t.transition(rec.ID, change{next: store.JobStateFailed, detail: DetailUnknown, when: expired})
		if err != nil {
			t.logger.Error("failed to expire record", "job_id", rec.ID, "error", err)
			continue
		}
		if changed {
			t.logger.Warn("job outcome unknown after timeout", "job_id", rec.ID, "last_activity", rec.LastActivity)
		}
	}
}
