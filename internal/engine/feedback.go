package engine

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"buildtuner/internal/dispatch"
	"buildtuner/internal/domain"
	"buildtuner/internal/events"
	"buildtuner/internal/metrics"
	"buildtuner/internal/store"
)

// FeedbackOptions is a status report posted by a benchmark workflow.
type FeedbackOptions struct {
	ExperimentID  string
	Status        domain.Status
	Metrics       map[string]any
	WorkflowRunID string
	Build         domain.BuildMetrics
}

// RecordFeedback stores the report and, when it carries the three required
// build measurements, advances the experiment by one iteration. Only the
// status write can fail the call; every later step logs and stops.
//
// A reported completed or failed describes the workflow run, not the
// experiment, and is stored as updated, as is any unknown label. Experiments
// finish only when their budget is used up or an operator marks them failed.
// The store also keeps an experiment without an action out of running.
func (e Engine) RecordFeedback(ctx context.Context, opts FeedbackOptions) error {
	id := strings.TrimSpace(opts.ExperimentID)
	if id == "" {
		return ValidationError{Field: "experiment_id", Message: "experiment_id is required"}
	}
	status := opts.Status
	if !status.Valid() || status.Terminal() {
		status = domain.StatusUpdated
	}
	u := store.Update{Status: &status, Metrics: opts.Metrics}
	if opts.WorkflowRunID != "" {
		u.WorkflowRunID = &opts.WorkflowRunID
	}
	applied, err := e.Store.Update(ctx, id, u, e.now())
	if err != nil {
		return err
	}
	learning := opts.Build.Complete()
	metrics.RecordFeedback(learning)
	e.record(ctx, events.FeedbackReceived, id, events.EventPayload{
		"status":          string(applied),
		"reported_status": string(opts.Status),
		"workflow_run_id": opts.WorkflowRunID,
		"learning":        learning,
	})
	if learning {
		e.advance(ctx, id, opts.Build)
	}
	return nil
}

// advance runs one step of continuous learning for experiment id.
func (e Engine) advance(ctx context.Context, id string, build domain.BuildMetrics) {
	log := e.log().With(zap.String("experiment_id", id))

	exp, err := e.Store.Get(ctx, id)
	if err != nil {
		log.Error("reload experiment failed", zap.Error(err))
		return
	}
	if exp.Exhausted() {
		e.complete(ctx, exp, len(exp.Variants))
		return
	}
	if exp.Status.Terminal() {
		log.Info("experiment already finished, feedback recorded only", zap.String("status", string(exp.Status)))
		return
	}
	if exp.RLAction == nil {
		log.Warn("no action stored, feedback cannot be attributed")
		return
	}
	action := *exp.RLAction

	result, err := e.Policy.SubmitFeedback(ctx, id, action, build)
	if err != nil {
		metrics.RecordPolicyCall("send-feedback", metrics.OutcomeUnavailable)
		log.Warn("send feedback to policy failed", zap.Error(err))
		return
	}
	metrics.RecordPolicyCall("send-feedback", metrics.OutcomeSuccess)

	count := len(exp.Variants)
	if result.CalculatedReward != nil && (result.BestAction != nil || !e.Options.AppendRequiresBestAction) {
		variant := domain.NewVariant(action, *result.CalculatedReward, build, e.now())
		count, err = e.Store.AppendVariant(ctx, id, variant, result.BestAction, e.now())
		switch {
		case errors.Is(err, store.ErrBudgetExhausted):
			e.complete(ctx, exp, count)
			return
		case err != nil:
			log.Error("append variant failed", zap.Error(err))
			return
		}
		metrics.RecordVariant()
		log.Info("variant recorded",
			zap.String("variant_id", variant.VariantID),
			zap.Float64("reward", variant.Reward),
			zap.Int("iteration", count),
			zap.Int("max_iterations", exp.Budget()))
		e.record(ctx, events.VariantRecorded, id, events.EventPayload{
			"variant_id": variant.VariantID,
			"reward":     variant.Reward,
			"iteration":  count,
		})
	}
	if count >= exp.Budget() {
		e.complete(ctx, exp, count)
		return
	}

	next, err := e.requestAction(ctx, id)
	if err != nil {
		log.Warn("next action unavailable, iteration stalls", zap.Error(err))
		return
	}
	running := domain.StatusRunning
	applied, err := e.Store.Update(ctx, id, store.Update{RLAction: next, Status: &running}, e.now())
	if err != nil {
		log.Error("store next action failed", zap.Error(err))
		return
	}
	if applied.Terminal() {
		log.Info("experiment finished before next dispatch", zap.String("status", string(applied)))
		return
	}

	params := dispatch.BuildParams(exp, next)
	if err := e.Dispatcher.Dispatch(ctx, params); err != nil {
		metrics.RecordDispatch("feedback", metrics.OutcomeFailure)
		log.Error("dispatch of next iteration failed", zap.Error(err))
		e.record(ctx, events.DispatchFailed, id, events.EventPayload{"error": err.Error()})
		return
	}
	metrics.RecordDispatch("feedback", metrics.OutcomeSuccess)
	e.record(ctx, events.DispatchSucceeded, id, events.EventPayload{"variant_id": next.VariantID()})
	log.Info("next iteration dispatched", zap.String("variant_id", next.VariantID()))
}

func (e Engine) complete(ctx context.Context, exp domain.Experiment, iterations int) {
	completed := domain.StatusCompleted
	msg := domain.CompletionMessage(iterations)
	if _, err := e.Store.Update(ctx, exp.ID, store.Update{Status: &completed, FinalMessage: &msg}, e.now()); err != nil {
		e.log().Error("complete experiment failed", zap.String("experiment_id", exp.ID), zap.Error(err))
		return
	}
	if err := e.Store.ReleaseActive(ctx, exp.ID); err != nil {
		e.log().Warn("release active experiment failed", zap.String("experiment_id", exp.ID), zap.Error(err))
	}
	if !exp.Status.Terminal() {
		metrics.RecordExperimentCompleted()
		e.record(ctx, events.ExperimentCompleted, exp.ID, events.EventPayload{"iterations": iterations})
	}
	e.log().Info("experiment completed", zap.String("experiment_id", exp.ID), zap.Int("iterations", iterations))
}
