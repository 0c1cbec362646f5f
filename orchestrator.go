package coordinate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/avandros/coordinate/backoff"
	"github.com/avandros/coordinate/breaker"
	"github.com/avandros/coordinate/gateway"
	"github.com/avandros/coordinate/outbox"
)

// Lifecycle event types staged to the outbox alongside saga state changes.
const (
	EventSagaStarted     = "saga.started"
	EventSagaCompleted   = "saga.completed"
	EventSagaCompensated = "saga.compensated"
	EventSagaFailed      = "saga.failed"
)

// Config tunes orchestrator execution.
type Config struct {
	// StepTimeout bounds each step and compensation call. A step that
	// exceeds it is treated as failed, not hung. Steps may override it via
	// StepDefinition.Timeout.
	StepTimeout time.Duration
	// CompensationAttempts is the bounded retry budget per compensation
	// action. Exhaustion marks the saga FAILED.
	CompensationAttempts int
	// CompensationBaseDelay seeds the exponential backoff between
	// compensation attempts.
	CompensationBaseDelay time.Duration
}

const (
	defaultStepTimeout           = 30 * time.Second
	defaultCompensationAttempts  = 3
	defaultCompensationBaseDelay = 100 * time.Millisecond
)

// DefaultConfig returns the baseline orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		StepTimeout:           defaultStepTimeout,
		CompensationAttempts:  defaultCompensationAttempts,
		CompensationBaseDelay: defaultCompensationBaseDelay,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaults.StepTimeout
	}

	if cfg.CompensationAttempts <= 0 {
		cfg.CompensationAttempts = defaults.CompensationAttempts
	}

	if cfg.CompensationBaseDelay <= 0 {
		cfg.CompensationBaseDelay = defaults.CompensationBaseDelay
	}
}

// Orchestrator drives saga execution: it runs each declared step in order
// through the collaborator's circuit breaker, persists the result and the
// materialized compensation before advancing, and rolls back in reverse
// order when a step fails.
//
// Saga definitions are registered once at startup; instances of different
// sagas execute concurrently while steps within one instance are strictly
// sequential.
type Orchestrator struct {
	store       Store
	invoker     gateway.Invoker
	breakers    *breaker.Manager
	cfg         Config
	logger      *zap.Logger
	definitions *xsync.MapOf[string, *Definition]

	wg sync.WaitGroup
}

// New creates an orchestrator. A nil breaker manager gets default breaker
// settings; a nil logger is replaced with a no-op logger.
func New(store Store, invoker gateway.Invoker, breakers *breaker.Manager, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if invoker == nil {
		return nil, ErrInvokerRequired
	}

	cfg.normalize()

	if logger == nil {
		logger = zap.NewNop()
	}

	if breakers == nil {
		breakers = breaker.NewManager(breaker.DefaultConfig(), logger)
	}

	return &Orchestrator{
		store:       store,
		invoker:     invoker,
		breakers:    breakers,
		cfg:         cfg,
		logger:      logger,
		definitions: xsync.NewMapOf[string, *Definition](),
	}, nil
}

// Register adds a saga definition. Definitions are looked up by type both at
// start and when resuming persisted instances, so every type that may exist
// in storage must be registered before Recover runs.
func (o *Orchestrator) Register(def Definition) error {
	if err := def.validate(); err != nil {
		return err
	}

	if _, loaded := o.definitions.LoadOrStore(def.Type, &def); loaded {
		return fmt.Errorf("%w: %s", ErrDefinitionExists, def.Type)
	}

	return nil
}

// StartSaga creates and synchronously executes an instance of sagaType.
//
// The returned ID is valid even when the error is non-nil: a step failure
// followed by successful rollback returns a StepError with the instance left
// COMPENSATED, and a failed rollback returns a CompensationError with the
// instance left FAILED. GetSagaStatus reports the same outcome.
func (o *Orchestrator) StartSaga(ctx context.Context, sagaType string, input json.RawMessage) (uuid.UUID, error) {
	def, instance, err := o.create(ctx, sagaType, input)
	if err != nil {
		return uuid.Nil, err
	}

	return instance.ID, o.run(ctx, def, instance)
}

// StartSagaAsync creates an instance, durably persists it, and executes it
// in the background. The instance outcome is observable via GetSagaStatus
// and the staged lifecycle events.
func (o *Orchestrator) StartSagaAsync(ctx context.Context, sagaType string, input json.RawMessage) (uuid.UUID, error) {
	def, instance, err := o.create(ctx, sagaType, input)
	if err != nil {
		return uuid.Nil, err
	}

	// The background run must not die with the caller's request context.
	runCtx := context.WithoutCancel(ctx)

	o.wg.Add(1)

	go func() {
		defer o.wg.Done()

		if runErr := o.run(runCtx, def, instance); runErr != nil {
			o.logger.Error("saga finished unsuccessfully",
				zap.String("saga_id", instance.ID.String()),
				zap.String("saga_type", instance.Type),
				zap.Error(runErr))
		}
	}()

	return instance.ID, nil
}

// Wait blocks until all asynchronously started sagas have finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// GetSagaStatus returns the current status and per-step progress of a saga.
func (o *Orchestrator) GetSagaStatus(ctx context.Context, id uuid.UUID) (*View, error) {
	instance, err := o.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}

	return instance.view(), nil
}

// Recover resumes every persisted instance left in RUNNING or COMPENSATING
// by a previous process. RUNNING instances continue from the first step
// without a durable success; COMPENSATING instances finish their rollback.
// It returns the number of instances resumed.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	unfinished, err := o.store.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished sagas: %w", err)
	}

	resumed := 0

	for _, instance := range unfinished {
		def, ok := o.definitions.Load(instance.Type)
		if !ok {
			o.logger.Error("cannot resume saga of unregistered type",
				zap.String("saga_id", instance.ID.String()),
				zap.String("saga_type", instance.Type))

			continue
		}

		o.logger.Info("resuming saga",
			zap.String("saga_id", instance.ID.String()),
			zap.String("saga_type", instance.Type),
			zap.String("status", instance.Status))

		resumed++

		var runErr error

		switch instance.Status {
		case StatusRunning:
			runErr = o.run(ctx, def, instance)
		case StatusCompensating:
			runErr = o.compensate(ctx, instance)
		}

		if runErr != nil {
			o.logger.Error("resumed saga finished unsuccessfully",
				zap.String("saga_id", instance.ID.String()),
				zap.Error(runErr))
		}
	}

	return resumed, nil
}

func (o *Orchestrator) create(ctx context.Context, sagaType string, input json.RawMessage) (*Definition, *Instance, error) {
	def, ok := o.definitions.Load(sagaType)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, sagaType)
	}

	now := time.Now().UTC()

	instance := &Instance{
		ID:        uuid.New(),
		Type:      sagaType,
		Status:    StatusRunning,
		Input:     append(json.RawMessage(nil), input...),
		Steps:     make([]*StepRecord, len(def.Steps)),
		CreatedAt: now,
		UpdatedAt: now,
	}

	for i, step := range def.Steps {
		instance.Steps[i] = &StepRecord{Name: step.Name, Status: StepPending}
	}

	started, err := lifecycleEvent(instance, EventSagaStarted)
	if err != nil {
		return nil, nil, err
	}

	if err := o.store.CreateInstance(ctx, instance, started); err != nil {
		return nil, nil, fmt.Errorf("create saga instance: %w", err)
	}

	o.logger.Info("saga started",
		zap.String("saga_id", instance.ID.String()),
		zap.String("saga_type", sagaType),
		zap.Int("steps", len(def.Steps)))

	return def, instance, nil
}

// run executes the instance's steps in declaration order, starting after the
// last durably succeeded step. A step failure flips the instance into
// COMPENSATING and hands off to compensate.
func (o *Orchestrator) run(ctx context.Context, def *Definition, instance *Instance) error {
	for i, record := range instance.Steps {
		if record.Status == StepSucceeded {
			continue
		}

		step := def.Steps[i]

		if err := o.executeStep(ctx, step, instance.Input, record); err != nil {
			// A succeeded record with an error means the remote call
			// committed but its undo request could not be built. Rolling
			// back would skip this step's side effect and report a clean
			// rollback that never happened, so the saga stops as FAILED
			// with the step left SUCCEEDED for operator resolution.
			if record.Status == StepSucceeded {
				record.Error = err.Error()
				instance.Status = StatusFailed

				o.logger.Error("saga step succeeded but its compensation could not be materialized",
					zap.String("saga_id", instance.ID.String()),
					zap.String("step", step.Name),
					zap.Error(err))

				failed, evErr := lifecycleEvent(instance, EventSagaFailed)
				if evErr != nil {
					return evErr
				}

				if persistErr := o.store.UpdateInstance(ctx, instance, failed); persistErr != nil {
					return fmt.Errorf("persist saga failure: %w", persistErr)
				}

				return &CompensationError{SagaID: instance.ID, Step: step.Name, Err: err}
			}

			record.Status = StepFailed
			record.Error = err.Error()
			instance.Status = StatusCompensating

			o.logger.Warn("saga step failed",
				zap.String("saga_id", instance.ID.String()),
				zap.String("step", step.Name),
				zap.Error(err))

			if persistErr := o.store.UpdateInstance(ctx, instance); persistErr != nil {
				return fmt.Errorf("persist step failure: %w", persistErr)
			}

			stepErr := &StepError{SagaID: instance.ID, Step: step.Name, Err: err}

			if compErr := o.compensate(ctx, instance); compErr != nil {
				return compErr
			}

			return stepErr
		}

		// The result and its compensation must be durable before the next
		// step runs; a crash here resumes after this step instead of
		// re-executing its side effect.
		if err := o.store.UpdateInstance(ctx, instance); err != nil {
			return fmt.Errorf("persist step result: %w", err)
		}
	}

	instance.Status = StatusCompleted

	completed, err := lifecycleEvent(instance, EventSagaCompleted)
	if err != nil {
		return err
	}

	if err := o.store.UpdateInstance(ctx, instance, completed); err != nil {
		return fmt.Errorf("persist saga completion: %w", err)
	}

	o.logger.Info("saga completed", zap.String("saga_id", instance.ID.String()))

	return nil
}

func (o *Orchestrator) executeStep(ctx context.Context, step StepDefinition, input json.RawMessage, record *StepRecord) error {
	if record.Request == nil {
		request, err := step.BuildRequest(input)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}

		record.Request = request
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = o.cfg.StepTimeout
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	record.Attempts++

	response, err := o.breakers.Execute(step.ServiceKey, func() (any, error) {
		return o.invoker.Invoke(stepCtx, step.ServiceKey, record.Request)
	})
	if err != nil {
		return err
	}

	result, _ := response.([]byte)
	record.Result = json.RawMessage(result)
	record.Status = StepSucceeded
	record.Error = ""

	if step.Compensation != nil {
		compRequest, err := step.Compensation.BuildRequest(record.Request, record.Result)
		if err != nil {
			return fmt.Errorf("build compensation request: %w", err)
		}

		record.Compensation = &CompensationAction{
			ServiceKey: step.Compensation.ServiceKey,
			Request:    compRequest,
		}
	}

	return nil
}

// compensate undoes succeeded steps in strict reverse order. Rollback keeps
// going even if the caller's context is cancelled; abandoning it midway
// would strand reserved resources.
func (o *Orchestrator) compensate(ctx context.Context, instance *Instance) error {
	ctx = context.WithoutCancel(ctx)

	for i := len(instance.Steps) - 1; i >= 0; i-- {
		record := instance.Steps[i]
		if record.Status != StepSucceeded {
			continue
		}

		if record.Compensation != nil {
			if err := o.invokeCompensation(ctx, record.Compensation); err != nil {
				record.Error = err.Error()
				instance.Status = StatusFailed

				o.logger.Error("saga compensation exhausted retries",
					zap.String("saga_id", instance.ID.String()),
					zap.String("step", record.Name),
					zap.Int("attempts", record.Compensation.Attempts),
					zap.Error(err))

				failed, evErr := lifecycleEvent(instance, EventSagaFailed)
				if evErr != nil {
					return evErr
				}

				if persistErr := o.store.UpdateInstance(ctx, instance, failed); persistErr != nil {
					return fmt.Errorf("persist saga failure: %w", persistErr)
				}

				return &CompensationError{SagaID: instance.ID, Step: record.Name, Err: err}
			}
		}

		record.Status = StepCompensated

		if err := o.store.UpdateInstance(ctx, instance); err != nil {
			return fmt.Errorf("persist compensation: %w", err)
		}
	}

	instance.Status = StatusCompensated

	compensated, err := lifecycleEvent(instance, EventSagaCompensated)
	if err != nil {
		return err
	}

	if err := o.store.UpdateInstance(ctx, instance, compensated); err != nil {
		return fmt.Errorf("persist saga compensation: %w", err)
	}

	o.logger.Info("saga compensated", zap.String("saga_id", instance.ID.String()))

	return nil
}

// invokeCompensation retries one undo call with bounded exponential backoff.
// The call goes through the collaborator's breaker like any other outbound
// call; a fast-fail still consumes an attempt so a wedged collaborator
// cannot hold the rollback open forever.
func (o *Orchestrator) invokeCompensation(ctx context.Context, action *CompensationAction) error {
	var lastErr error

	for attempt := 0; attempt < o.cfg.CompensationAttempts; attempt++ {
		if attempt > 0 {
			if err := backoff.Sleep(ctx, backoff.ExponentialWithJitter(o.cfg.CompensationBaseDelay, attempt)); err != nil {
				return err
			}
		}

		action.Attempts++

		callCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)

		_, err := o.breakers.Execute(action.ServiceKey, func() (any, error) {
			return o.invoker.Invoke(callCtx, action.ServiceKey, action.Request)
		})

		cancel()

		if err == nil {
			return nil
		}

		lastErr = err

		if gateway.IsPermanent(err) {
			break
		}
	}

	return lastErr
}

func lifecycleEvent(instance *Instance, eventType string) (*outbox.Record, error) {
	payload, err := json.Marshal(struct {
		SagaID   string `json:"saga_id"`
		SagaType string `json:"saga_type"`
		Status   string `json:"status"`
	}{
		SagaID:   instance.ID.String(),
		SagaType: instance.Type,
		Status:   instance.Status,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal lifecycle event: %w", err)
	}

	return outbox.NewRecord(instance.ID.String(), eventType, payload)
}
