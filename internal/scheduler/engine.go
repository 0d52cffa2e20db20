package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/aristath/taskrunner/internal/events"
)

// Config holds the engine tunables. Build it from DefaultConfig.
type Config struct {
	Workers           int
	PromotionInterval time.Duration // Promotion loop period
	StatsInterval     time.Duration // QueueStatsEvent period
	AdmissionBackoff  time.Duration // Worker sleep after a resource denial
	IdlePoll          time.Duration // Worker sleep when the queue is empty and nothing wakes it
	DefaultTimeout    time.Duration // Applied to tasks submitted without a timeout
	Retry             RetryPolicy   // Applied to tasks submitted without a policy
	CoalesceMissed    bool          // Skip recurrence occurrences already in the past
	Classification    ClassificationTable
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		PromotionInterval: time.Second,
		StatsInterval:     2 * time.Second,
		AdmissionBackoff:  500 * time.Millisecond,
		IdlePoll:          time.Second,
		DefaultTimeout:    5 * time.Minute,
		Retry:             DefaultRetryPolicy(),
		CoalesceMissed:    true,
	}
}

// ResourceUsage is the latest resource sample seen by the admission gate.
type ResourceUsage struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
	SampledAt     time.Time
}

// Admitter gates workers before they claim a task.
type Admitter interface {
	IsAdmissible() bool
	Usage() ResourceUsage
}

// Options carries the collaborators of an Engine. Store is required.
type Options struct {
	Store    Store
	Breakers *Breakers        // Defaults to DefaultBreakerSettings for every service
	Admitter Admitter         // nil admits everything
	Bus      *events.EventBus // nil disables events
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Engine is the public façade over the registry, queue and worker pool.
type Engine struct {
	cfg      Config
	registry *Registry
	queue    *Queue
	handlers *Handlers
	breakers *Breakers
	admitter Admitter
	bus      *events.EventBus
	logger   zerolog.Logger
	now      func() time.Time

	wake    chan struct{} // queue received work
	promote chan struct{} // a task finished; dependents may be eligible

	running  atomic.Bool
	inflight atomic.Int64
	denials  atomic.Uint64
	denyLog  rate.Sometimes
}

// NewEngine creates an engine. Register handlers before calling Run.
func NewEngine(cfg Config, opts Options) *Engine {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PromotionInterval <= 0 {
		cfg.PromotionInterval = def.PromotionInterval
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = def.StatsInterval
	}
	if cfg.AdmissionBackoff <= 0 {
		cfg.AdmissionBackoff = def.AdmissionBackoff
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = def.IdlePoll
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	cfg.Retry = cfg.Retry.withDefaults(def.Retry)

	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger.With().Str("comp", "engine").Logger()
	if opts.Breakers == nil {
		opts.Breakers = NewBreakers(DefaultBreakerSettings(), opts.Logger)
	}

	e := &Engine{
		cfg:      cfg,
		registry: NewRegistry(opts.Store, opts.Now),
		queue:    NewQueue(),
		handlers: newHandlers(),
		breakers: opts.Breakers,
		admitter: opts.Admitter,
		bus:      opts.Bus,
		logger:   logger,
		now:      opts.Now,
		wake:     make(chan struct{}, cfg.Workers),
		promote:  make(chan struct{}, 1),
		denyLog:  rate.Sometimes{Interval: 10 * time.Second},
	}
	e.breakers.OnStateChange(func(service string, from, to CircuitState) {
		e.publish(events.TopicEngine, events.CircuitStateEvent{
			Service:   service,
			From:      string(from),
			To:        string(to),
			Timestamp: e.now(),
		})
	})
	return e
}

// Handlers returns the handler registry.
func (e *Engine) Handlers() *Handlers { return e.handlers }

// Registry exposes the underlying task registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Queue exposes the priority queue.
func (e *Engine) Queue() *Queue { return e.queue }

// SubmitRequest describes a new task.
type SubmitRequest struct {
	ID            string // Optional preset ID, required when batch members reference each other
	Name          string
	Description   string
	Handler       string
	Args          any // JSON-serializable; json.RawMessage passes through
	Priority      Priority
	ScheduledTime time.Time // Zero means now
	Recurrence    Recurrence
	Dependencies  []string
	Timeout       time.Duration // Zero means Config.DefaultTimeout
	Retry         *RetryPolicy  // nil means Config.Retry
	Service       string        // Circuit breaker key
	Resources     ResourceRequirements
}

func (e *Engine) buildTask(req SubmitRequest) (*Task, error) {
	if req.Name == "" {
		return nil, errors.New("task name is required")
	}
	if _, err := e.handlers.Lookup(req.Handler); err != nil {
		return nil, err
	}
	if err := ValidateRecurrence(req.Recurrence); err != nil {
		return nil, err
	}
	if req.Priority < PriorityLow || req.Priority > PriorityCritical {
		return nil, fmt.Errorf("invalid priority %d", int(req.Priority))
	}

	args, err := marshalArgs(req.Args)
	if err != nil {
		return nil, fmt.Errorf("task %q: failed to encode args: %w", req.Name, err)
	}

	policy := e.cfg.Retry
	if req.Retry != nil {
		policy = req.Retry.withDefaults(e.cfg.Retry)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	return &Task{
		ID:            req.ID,
		Name:          req.Name,
		Description:   req.Description,
		Handler:       req.Handler,
		Args:          args,
		ScheduledTime: req.ScheduledTime,
		Recurrence:    req.Recurrence,
		Timeout:       timeout,
		Priority:      req.Priority,
		Dependencies:  uniqueIDs(req.Dependencies),
		Retry:         policy,
		Resources:     req.Resources,
		Service:       req.Service,
	}, nil
}

func marshalArgs(v any) (json.RawMessage, error) {
	switch a := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(a) {
			return nil, errors.New("args are not valid JSON")
		}
		return a, nil
	default:
		return json.Marshal(v)
	}
}

// Submit registers one task and returns its ID.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	ids, err := e.SubmitBatch(ctx, []SubmitRequest{req})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// SubmitBatch registers a group of tasks atomically. Members may depend on
// each other through preset IDs; the whole batch is rejected on any cycle,
// unknown dependency or duplicate ID.
func (e *Engine) SubmitBatch(ctx context.Context, reqs []SubmitRequest) ([]string, error) {
	tasks := make([]*Task, 0, len(reqs))
	for _, req := range reqs {
		t, err := e.buildTask(req)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	ids, err := e.registry.SubmitBatch(ctx, tasks)
	if err != nil {
		return nil, err
	}

	for _, t := range tasks {
		e.logger.Debug().Str("task", t.ID).Str("name", t.Name).Str("priority", t.Priority.String()).Time("at", t.ScheduledTime).Msg("task submitted")
		e.announce(t)
	}
	e.triggerPromotion()
	return ids, nil
}

// Cancel cancels a PENDING or QUEUED task. Returns false, nil when the task
// is already running or finished.
func (e *Engine) Cancel(ctx context.Context, id string) (bool, error) {
	t, err := e.registry.UpdateStatus(ctx, id, StatusCancelled, nil, "cancelled")
	if errors.Is(err, ErrInvalidTransition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	e.queue.Remove(id)
	e.logger.Info().Str("task", id).Str("name", t.Name).Msg("task cancelled")
	e.publish(events.TopicTask, events.TaskCancelledEvent{ID: id, Name: t.Name, Timestamp: t.CompletedAt})
	return true, nil
}

// TaskStatus is the caller-facing view of one task.
type TaskStatus struct {
	ID            string
	Name          string
	Handler       string
	Status        Status
	Priority      Priority
	ScheduledTime time.Time
	CreatedAt     time.Time
	StartedAt     time.Time
	CompletedAt   time.Time
	Attempt       int
	Result        json.RawMessage
	Error         *TaskError
	BlockedBy     []string // Dependencies that can never complete
	RetryOf       string
	RetriedBy     string
	Previous      string
}

// Status returns the current view of a task.
func (e *Engine) Status(ctx context.Context, id string) (TaskStatus, error) {
	t, err := e.registry.Get(ctx, id)
	if err != nil {
		return TaskStatus{}, err
	}

	st := TaskStatus{
		ID:            t.ID,
		Name:          t.Name,
		Handler:       t.Handler,
		Status:        t.Status,
		Priority:      t.Priority,
		ScheduledTime: t.ScheduledTime,
		CreatedAt:     t.CreatedAt,
		StartedAt:     t.StartedAt,
		CompletedAt:   t.CompletedAt,
		Attempt:       t.Attempt,
		Result:        t.Result,
		Error:         t.Error,
		RetryOf:       t.RetryOf,
		RetriedBy:     t.RetriedBy,
		Previous:      t.Previous,
	}

	if t.Status == StatusPending && len(t.Dependencies) > 0 {
		blocked, err := e.registry.BlockedBy(ctx, t)
		if err != nil {
			return TaskStatus{}, err
		}
		if len(blocked) > 0 {
			st.BlockedBy = blocked
			st.Error = &TaskError{
				Kind:    KindDependencyUnreachable,
				Message: fmt.Sprintf("dependencies can never complete: %v", blocked),
			}
		}
	}
	return st, nil
}

// ListFilter selects tasks for List.
type ListFilter struct {
	Statuses   []Status
	NamePrefix string
	Limit      int
}

// TaskSummary is one row of List.
type TaskSummary struct {
	ID            string
	Name          string
	Status        Status
	Priority      Priority
	ScheduledTime time.Time
	Attempt       int
	ErrorKind     ErrorKind
}

// List returns tasks matching f in submission order.
func (e *Engine) List(ctx context.Context, f ListFilter) ([]TaskSummary, error) {
	tasks, err := e.registry.Query(ctx, TaskFilter{Statuses: f.Statuses, NamePrefix: f.NamePrefix, Limit: f.Limit})
	if err != nil {
		return nil, err
	}

	out := make([]TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		s := TaskSummary{
			ID:            t.ID,
			Name:          t.Name,
			Status:        t.Status,
			Priority:      t.Priority,
			ScheduledTime: t.ScheduledTime,
			Attempt:       t.Attempt,
		}
		if t.Error != nil {
			s.ErrorKind = t.Error.Kind
		}
		out = append(out, s)
	}
	return out, nil
}

// QueueStats is an engine-wide snapshot.
type QueueStats struct {
	Pending          int
	Queued           int
	Running          int
	Completed        int
	Failed           int
	Cancelled        int
	QueueLength      int // Tasks currently in the in-memory heap
	InFlight         int // Handlers currently executing
	Resources        ResourceUsage
	AdmissionDenials uint64
	Breakers         map[string]CircuitState
}

// Stats returns counts per status, resource usage and breaker states.
func (e *Engine) Stats(ctx context.Context) (QueueStats, error) {
	counts, err := e.registry.Counts(ctx)
	if err != nil {
		return QueueStats{}, err
	}

	st := QueueStats{
		Pending:          counts[StatusPending],
		Queued:           counts[StatusQueued],
		Running:          counts[StatusRunning],
		Completed:        counts[StatusCompleted],
		Failed:           counts[StatusFailed],
		Cancelled:        counts[StatusCancelled],
		QueueLength:      e.queue.Len(),
		InFlight:         int(e.inflight.Load()),
		AdmissionDenials: e.denials.Load(),
		Breakers:         e.breakers.States(),
	}
	if e.admitter != nil {
		st.Resources = e.admitter.Usage()
	}
	return st, nil
}

// BlockedTask is a PENDING task that can never become eligible.
type BlockedTask struct {
	ID        string
	Name      string
	BlockedBy []string
}

// Blocked lists tasks stuck behind failed or cancelled dependencies.
func (e *Engine) Blocked(ctx context.Context) ([]BlockedTask, error) {
	blocked, err := e.registry.Blocked(ctx)
	if err != nil {
		return nil, err
	}

	pending, err := e.registry.Query(ctx, TaskFilter{Statuses: []Status{StatusPending}})
	if err != nil {
		return nil, err
	}
	var out []BlockedTask
	for _, t := range pending {
		if deps, ok := blocked[t.ID]; ok {
			out = append(out, BlockedTask{ID: t.ID, Name: t.Name, BlockedBy: deps})
		}
	}
	return out, nil
}

// Dependencies resolves each dependency of a task, following retries.
func (e *Engine) Dependencies(ctx context.Context, id string) ([]DependencyStatus, error) {
	t, err := e.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.registry.DependencyStatuses(ctx, t)
}

// History returns the execution log of a task.
func (e *Engine) History(ctx context.Context, id string) ([]ExecutionRecord, error) {
	return e.registry.History(ctx, id)
}

// Run starts the promotion loop, the worker pool and the stats publisher,
// and blocks until ctx is cancelled and every loop has exited. Tasks left
// QUEUED or RUNNING by a previous process are recovered first.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrEngineRunning
	}
	defer e.running.Store(false)

	e.handlers.seal()

	if err := e.recoverTasks(ctx); err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}

	e.logger.Info().Int("workers", e.cfg.Workers).Strs("handlers", e.handlers.Keys()).Msg("engine started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.promotionLoop(gctx) })
	g.Go(func() error { return e.statsLoop(gctx) })
	for i := 0; i < e.cfg.Workers; i++ {
		worker := i + 1
		g.Go(func() error { return e.workerLoop(gctx, worker) })
	}

	err := g.Wait()
	e.logger.Info().Msg("engine stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// recoverTasks re-enqueues QUEUED tasks and fails RUNNING ones, which can only
// be leftovers of a process that died mid-execution. It also repairs retry
// links left dangling by a crash between a failure and its retry insert.
func (e *Engine) recoverTasks(ctx context.Context) error {
	queued, err := e.registry.Query(ctx, TaskFilter{Statuses: []Status{StatusQueued}})
	if err != nil {
		return err
	}
	for _, t := range queued {
		e.enqueue(t)
	}

	running, err := e.registry.Query(ctx, TaskFilter{Statuses: []Status{StatusRunning}})
	if err != nil {
		return err
	}
	for _, t := range running {
		e.logger.Warn().Str("task", t.ID).Str("name", t.Name).Msg("task was running when the engine stopped")
		e.finishFailed(ctx, t, interruptedError{cause: errors.New("engine restarted")}, 0)
	}

	relinked, err := e.recoverLostRetries(ctx)
	if err != nil {
		return err
	}

	if len(queued)+len(running)+relinked > 0 {
		e.logger.Info().Int("queued", len(queued)).Int("interrupted", len(running)).Int("retries", relinked).Msg("recovered tasks")
	}
	return nil
}

// recoverLostRetries finds FAILED tasks whose retry copy was never inserted
// and schedules it under the recorded ID. If that fails the link is cleared,
// making the failure final.
func (e *Engine) recoverLostRetries(ctx context.Context) (int, error) {
	failed, err := e.registry.Query(ctx, TaskFilter{Statuses: []Status{StatusFailed}})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, t := range failed {
		if t.RetriedBy == "" {
			continue
		}
		_, err := e.registry.Get(ctx, t.RetriedBy)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return recovered, err
		}

		e.logger.Warn().Str("task", t.ID).Str("retry", t.RetriedBy).Msg("retry copy missing, rescheduling")
		if _, err := e.scheduleRetry(ctx, t, t.RetriedBy, t.Retry.withDefaults(e.cfg.Retry)); err != nil {
			e.logger.Error().Err(err).Str("task", t.ID).Msg("failed to reschedule retry")
			if _, err := e.registry.Annotate(ctx, t.ID, func(x *Task) { x.RetriedBy = "" }, "retry could not be scheduled"); err != nil {
				return recovered, err
			}
			continue
		}
		recovered++
	}
	return recovered, nil
}

func (e *Engine) statsLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.publishStats(ctx)
		}
	}
}

func (e *Engine) publishStats(ctx context.Context) {
	if e.bus == nil {
		return
	}
	st, err := e.Stats(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to collect stats")
		return
	}

	breakers := make(map[string]string, len(st.Breakers))
	for name, state := range st.Breakers {
		breakers[name] = string(state)
	}
	e.publish(events.TopicEngine, events.QueueStatsEvent{
		Pending:          st.Pending,
		Queued:           st.Queued,
		Running:          st.Running,
		Completed:        st.Completed,
		Failed:           st.Failed,
		Cancelled:        st.Cancelled,
		CPUPercent:       st.Resources.CPUPercent,
		MemoryPercent:    st.Resources.MemoryPercent,
		DiskPercent:      st.Resources.DiskPercent,
		AdmissionDenials: st.AdmissionDenials,
		Breakers:         breakers,
		Timestamp:        e.now(),
	})
}

func (e *Engine) publish(topic string, ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(topic, ev)
	}
}

// retryStore runs a registry operation, repeating it once on a store error.
// Lifecycle rejections are returned immediately.
func retryStore[T any](op func() (T, error)) (T, error) {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), 1)
	return backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) ||
			errors.Is(err, ErrDuplicateID) || errors.Is(err, ErrUnknownDependency) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, b)
}
