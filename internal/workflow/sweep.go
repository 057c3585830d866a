package workflow

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/pitabwire/kazi/internal/observability"
	"github.com/pitabwire/kazi/model"
)

// SweepReport summarises one pass over overdue instances.
type SweepReport struct {
	Scanned int `json:"scanned"`
	Fired   int `json:"fired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// errNoLongerDue signals that an instance left its overdue state between the
// scan and the transition attempt.
var errNoLongerDue = errors.New("instance no longer due")

// SweepDue fires the first auto-trigger transition of every instance whose
// current state's SLA has elapsed. Instances that moved on, completed, or were
// claimed by a concurrent sweep are skipped, so running it repeatedly is safe.
func (e *Engine) SweepDue(ctx context.Context) (report SweepReport, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.sweep")
	defer func() { observability.FinishSpan(span, err) }()

	now := e.now()
	due, err := e.store.FindDue(ctx, now, e.sweepBatch)
	if err != nil {
		return SweepReport{}, err
	}
	log := observability.LoggerFrom(ctx, e.logger)

	for _, inst := range due {
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
		report.Scanned++

		def, derr := e.registry.GetByID(ctx, inst.TenantID, inst.DefinitionID)
		if derr != nil {
			report.Failed++
			log.Error("sweep: load definition", zap.String("instance_id", inst.ID), zap.Error(derr))
			continue
		}
		trigger := firstAutoTrigger(def, inst.CurrentState)
		if trigger == "" {
			report.Skipped++
			continue
		}

		expected := inst.CurrentState
		_, terr := e.transition(ctx, model.SystemContext(inst.TenantID), model.TransitionRequest{
			EntityType: inst.EntityType,
			EntityID:   inst.EntityID,
			Trigger:    trigger,
		}, func(cur model.WorkflowInstance) error {
			if cur.ID != inst.ID || cur.CurrentState != expected {
				return errNoLongerDue
			}
			if cur.DueAt == nil || cur.DueAt.After(now) {
				return errNoLongerDue
			}
			return nil
		})

		switch {
		case terr == nil:
			report.Fired++
		case skippable(terr):
			report.Skipped++
			log.Debug("sweep: skipped", zap.String("instance_id", inst.ID), zap.Error(terr))
		default:
			report.Failed++
			log.Error("sweep: auto transition failed",
				zap.String("instance_id", inst.ID),
				zap.String("trigger", trigger),
				zap.Error(terr),
			)
		}
	}

	e.recorder.RecordSweep(report.Fired, report.Skipped, report.Failed)
	if report.Scanned > 0 {
		log.Info("sla sweep finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("fired", report.Fired),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed),
		)
	}
	return report, err
}

func firstAutoTrigger(def model.WorkflowDefinition, state string) string {
	for _, tr := range def.TransitionsFrom(state) {
		if tr.AutoTrigger {
			return tr.Trigger
		}
	}
	return ""
}

func skippable(err error) bool {
	if errors.Is(err, errNoLongerDue) {
		return true
	}
	return model.IsCode(err, model.ErrInstanceTerminated) ||
		model.IsCode(err, model.ErrTransitionNotAllowed) ||
		model.IsCode(err, model.ErrConcurrentModification) ||
		model.IsCode(err, model.ErrInstanceNotFound)
}

// RelayPendingIntents republishes committed intents that were not delivered
// right after their transition. It returns how many were published.
func (e *Engine) RelayPendingIntents(ctx context.Context) (int, error) {
	if e.publisher == nil {
		return 0, nil
	}
	pending, err := e.store.PendingIntents(ctx, e.now().Add(-e.relayDelay), e.sweepBatch)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	if err := e.publisher.Publish(ctx, pending); err != nil {
		e.recorder.RecordNotificationIntents("failed", len(pending))
		return 0, err
	}
	ids := make([]string, len(pending))
	for i, in := range pending {
		ids[i] = in.ID
	}
	if err := e.store.MarkIntentsPublished(ctx, ids, e.now()); err != nil {
		return 0, err
	}
	e.recorder.RecordNotificationIntents("relayed", len(pending))
	observability.LoggerFrom(ctx, e.logger).Info("relayed notification intents", zap.Int("count", len(pending)))
	return len(pending), nil
}
