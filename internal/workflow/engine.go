// Package workflow runs workflow instances: it starts them, applies guarded
// transitions atomically, answers history queries and fires SLA driven
// auto-triggers.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/kazi/internal/definition"
	"github.com/pitabwire/kazi/internal/observability"
	"github.com/pitabwire/kazi/model"
)

const (
	defaultSweepBatch = 100
	defaultRelayDelay = 30 * time.Second
)

// Transition outcomes used for metrics.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// Engine manages the lifecycle of workflow instances.
type Engine struct {
	registry   *definition.Registry
	store      Store
	publisher  IntentPublisher
	recorder   Recorder
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
	sweepBatch int
	relayDelay time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher sets where notification intents are delivered after commit.
func WithPublisher(p IntentPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides how ids are minted.
func WithIDGenerator(f func() string) Option {
	return func(e *Engine) { e.newID = f }
}

// WithSweepBatchSize bounds how many due instances one sweep examines.
func WithSweepBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sweepBatch = n
		}
	}
}

// WithRelayDelay sets how old an unpublished intent must be before the relay
// retries it.
func WithRelayDelay(d time.Duration) Option {
	return func(e *Engine) { e.relayDelay = d }
}

// NewEngine creates a new workflow engine.
func NewEngine(registry *definition.Registry, store Store, opts ...Option) *Engine {
	e := &Engine{
		registry:   registry,
		store:      store,
		recorder:   noopRecorder{},
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return uuid.New().String() },
		sweepBatch: defaultSweepBatch,
		relayDelay: defaultRelayDelay,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start creates a new instance of the named definition for an entity, in the
// definition's initial state.
func (e *Engine) Start(
	ctx context.Context,
	rctx *model.RequestContext,
	req model.StartRequest,
) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.start",
		observability.AttrDefinition.String(req.DefinitionName),
		observability.AttrEntityType.String(string(req.EntityType)),
	)
	defer func() { observability.FinishSpan(span, err) }()

	// 1. Validate the request.
	if err := validateActor(rctx); err != nil {
		return model.WorkflowInstance{}, err
	}
	if !req.EntityType.Valid() {
		return model.WorkflowInstance{}, model.NewBadRequestError(fmt.Sprintf("unknown entity type %q", req.EntityType))
	}
	// Entity ids are stored trimmed, matching how every lookup normalizes them.
	req.EntityID = strings.TrimSpace(req.EntityID)
	if req.EntityID == "" {
		return model.WorkflowInstance{}, model.NewBadRequestError("entity_id is required")
	}

	// 2. Look up the active definition.
	def, err := e.registry.Get(ctx, rctx.TenantID, req.DefinitionName)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if def.EntityType != req.EntityType {
		return model.WorkflowInstance{}, model.NewBadRequestError(
			fmt.Sprintf("definition %q runs on %s, not %s", def.Name, def.EntityType, req.EntityType),
		)
	}
	initial, ok := def.InitialState()
	if !ok {
		return model.WorkflowInstance{}, model.NewInvalidDefinitionError(
			fmt.Sprintf("definition %q has no initial state", def.Name), nil,
		)
	}

	// 3. Build the instance and its creation event.
	now := e.now()
	inst = model.WorkflowInstance{
		ID:             e.newID(),
		TenantID:       rctx.TenantID,
		DefinitionID:   def.ID,
		DefinitionName: def.Name,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		CurrentState:   initial.Name,
		StartedAt:      now,
		DueAt:          initial.DueAt(now),
		AssignedTo:     req.AssignedTo,
		Metadata:       mergeMetadata(nil, req.Metadata),
		Version:        1,
		UpdatedAt:      now,
	}
	span.SetAttributes(
		observability.AttrInstanceID.String(inst.ID),
		observability.AttrTenantID.String(inst.TenantID),
	)
	event := model.WorkflowEvent{
		ID:          e.newID(),
		InstanceID:  inst.ID,
		TenantID:    inst.TenantID,
		Sequence:    inst.Version,
		ToState:     initial.Name,
		Trigger:     model.StartTrigger,
		TriggeredBy: rctx.SubjectID,
		CreatedAt:   now,
	}
	intents := e.intentsFor(inst, event, initial)

	// 4. Persist atomically.
	if err := e.store.CreateInstance(ctx, inst, event, intents); err != nil {
		return model.WorkflowInstance{}, err
	}

	e.recorder.RecordWorkflowStart(def.Name)
	observability.LoggerFrom(ctx, e.logger).Info("workflow started",
		zap.String("definition", def.Name),
		zap.String("instance_id", inst.ID),
		zap.String("entity_type", string(inst.EntityType)),
		zap.String("entity_id", inst.EntityID),
		zap.String("state", inst.CurrentState),
	)
	e.publish(ctx, intents)

	return inst, nil
}

// Transition fires a trigger on the entity's instance. Guard failures come
// back as typed errors; nothing is written unless every check passes.
func (e *Engine) Transition(
	ctx context.Context,
	rctx *model.RequestContext,
	req model.TransitionRequest,
) (model.TransitionResult, error) {
	return e.transition(ctx, rctx, req, nil)
}

// precondition lets internal callers reject an instance after it is loaded
// but before anything is written.
type precondition func(inst model.WorkflowInstance) error

func (e *Engine) transition(
	ctx context.Context,
	rctx *model.RequestContext,
	req model.TransitionRequest,
	pre precondition,
) (result model.TransitionResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.transition",
		observability.AttrEntityType.String(string(req.EntityType)),
		observability.AttrTrigger.String(req.Trigger),
	)
	started := time.Now()
	defName := "unknown"
	defer func() {
		observability.FinishSpan(span, err)
		e.recorder.RecordTransition(defName, req.Trigger, outcome(err), time.Since(started))
	}()

	if err := validateActor(rctx); err != nil {
		return model.FailedTransition(err), err
	}
	if !req.EntityType.Valid() {
		err := model.NewBadRequestError(fmt.Sprintf("unknown entity type %q", req.EntityType))
		return model.FailedTransition(err), err
	}
	if strings.TrimSpace(req.Trigger) == "" {
		err := model.NewBadRequestError("trigger is required")
		return model.FailedTransition(err), err
	}

	// 1. Load the instance.
	req.EntityID = strings.TrimSpace(req.EntityID)
	inst, err := e.store.GetInstance(ctx, rctx.TenantID, req.EntityType, req.EntityID)
	if err != nil {
		return model.FailedTransition(err), err
	}
	def, err := e.registry.GetByID(ctx, inst.TenantID, inst.DefinitionID)
	if err != nil {
		return model.FailedTransition(err), err
	}
	defName = def.Name
	span.SetAttributes(
		observability.AttrDefinition.String(def.Name),
		observability.AttrInstanceID.String(inst.ID),
		observability.AttrTenantID.String(inst.TenantID),
	)
	if inst.IsCompleted() || def.IsTerminalState(inst.CurrentState) {
		err := model.NewInstanceTerminatedError(inst.CurrentState)
		return model.FailedTransition(err), err
	}
	if pre != nil {
		if err := pre(inst); err != nil {
			return model.FailedTransition(err), err
		}
	}

	// 2. Resolve the edge selected by the trigger.
	tr, ok := def.FindTransition(inst.CurrentState, req.Trigger)
	if !ok {
		err := model.NewTransitionNotAllowedError(inst.CurrentState, req.Trigger)
		return model.FailedTransition(err), err
	}

	// 3a. Role guard. Auto-trigger edges fired by the scheduler skip it.
	if !rctx.MayFire(tr) {
		err := model.NewUnauthorizedError(tr.Trigger, tr.AllowedRoles)
		return model.FailedTransition(err), err
	}

	// 3b. Comment guard.
	comment := strings.TrimSpace(req.Comment)
	if tr.RequiresComment && comment == "" {
		err := model.NewCommentRequiredError(tr.Trigger)
		return model.FailedTransition(err), err
	}

	to, ok := def.State(tr.ToState)
	if !ok {
		err := model.NewInvalidDefinitionError(
			fmt.Sprintf("definition %q has no state %q", def.Name, tr.ToState), nil,
		)
		return model.FailedTransition(err), err
	}

	// 4. Build and apply the commit.
	now := e.now()
	if now.Before(inst.UpdatedAt) {
		// Keep event timestamps in sequence order even if the clock steps back.
		now = inst.UpdatedAt
	}
	next := inst.Clone()
	next.CurrentState = to.Name
	next.DueAt = to.DueAt(now)
	if to.IsTerminal {
		next.CompletedAt = &now
	}
	next.Metadata = mergeMetadata(next.Metadata, req.Metadata)
	if req.AssignTo != "" {
		next.AssignedTo = req.AssignTo
	}
	next.Version = inst.Version + 1
	next.UpdatedAt = now

	event := model.WorkflowEvent{
		ID:          e.newID(),
		InstanceID:  inst.ID,
		TenantID:    inst.TenantID,
		Sequence:    next.Version,
		FromState:   inst.CurrentState,
		ToState:     to.Name,
		Trigger:     tr.Trigger,
		TriggeredBy: rctx.SubjectID,
		Comment:     comment,
		CreatedAt:   now,
	}
	intents := e.intentsFor(next, event, to)

	err = e.store.ApplyTransition(ctx, Commit{
		ExpectedState:   inst.CurrentState,
		ExpectedVersion: inst.Version,
		Instance:        next,
		Event:           event,
		Intents:         intents,
	})
	if err != nil {
		return model.FailedTransition(err), err
	}

	// 5. Report.
	log := observability.LoggerFrom(ctx, e.logger)
	log.Info("workflow transitioned",
		zap.String("definition", def.Name),
		zap.String("instance_id", inst.ID),
		zap.String("trigger", tr.Trigger),
		zap.String("from", inst.CurrentState),
		zap.String("to", to.Name),
		zap.String("actor", rctx.SubjectID),
		zap.Bool("system", rctx.System),
	)
	if len(req.Metadata) > 0 {
		log.Debug("transition metadata merged",
			zap.String("instance_id", inst.ID),
			zap.Any("metadata", observability.RedactMetadata(req.Metadata)),
		)
	}
	if to.IsTerminal {
		e.recorder.RecordWorkflowCompletion(def.Name, to.Name)
	}
	e.publish(ctx, intents)

	return model.TransitionResult{
		Success:   true,
		EventID:   event.ID,
		FromState: inst.CurrentState,
		ToState:   to.Name,
		Instance:  &next,
	}, nil
}

// intentsFor builds one notification intent per role notified on entering
// state.
func (e *Engine) intentsFor(inst model.WorkflowInstance, event model.WorkflowEvent, state model.StateDefinition) []model.NotificationIntent {
	if len(state.NotifyRoles) == 0 {
		return nil
	}
	intents := make([]model.NotificationIntent, 0, len(state.NotifyRoles))
	for _, role := range state.NotifyRoles {
		intents = append(intents, model.NotificationIntent{
			ID:             e.newID(),
			TenantID:       inst.TenantID,
			InstanceID:     inst.ID,
			EventID:        event.ID,
			DefinitionName: inst.DefinitionName,
			EntityType:     inst.EntityType,
			EntityID:       inst.EntityID,
			Role:           role,
			State:          state.Name,
			CreatedAt:      event.CreatedAt,
		})
	}
	return intents
}

// publish hands committed intents to the publisher. Failures are logged and
// left in the outbox for the relay; they never fail the transition.
func (e *Engine) publish(ctx context.Context, intents []model.NotificationIntent) {
	if e.publisher == nil || len(intents) == 0 {
		return
	}
	log := observability.LoggerFrom(ctx, e.logger)

	if err := e.publisher.Publish(ctx, intents); err != nil {
		e.recorder.RecordNotificationIntents("failed", len(intents))
		log.Warn("failed to publish notification intents, relay will retry",
			zap.Int("count", len(intents)),
			zap.Error(err),
		)
		return
	}
	e.recorder.RecordNotificationIntents("published", len(intents))

	ids := make([]string, len(intents))
	for i, in := range intents {
		ids[i] = in.ID
	}
	if err := e.store.MarkIntentsPublished(ctx, ids, e.now()); err != nil {
		log.Warn("failed to mark notification intents published", zap.Error(err))
	}
}

func validateActor(rctx *model.RequestContext) error {
	if rctx == nil {
		return model.NewUnauthenticatedError("no actor on request")
	}
	if err := rctx.Validate(); err != nil {
		return model.NewUnauthenticatedError(err.Error())
	}
	return nil
}

// mergeMetadata overlays updates onto a copy of base. The engine never
// interprets metadata.
func mergeMetadata(base, updates map[string]any) map[string]any {
	if len(base) == 0 && len(updates) == 0 {
		return base
	}
	out := make(map[string]any, len(base)+len(updates))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range updates {
		out[k] = v
	}
	return out
}

func outcome(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	env, ok := model.AsEnvelope(err)
	if !ok {
		return OutcomeError
	}
	switch env.Code {
	case model.ErrConcurrentModification:
		return OutcomeConflict
	case model.ErrInternalError, model.ErrStoreUnavailable, model.ErrTimeout:
		return OutcomeError
	default:
		return OutcomeRejected
	}
}
