package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"buildtuner/internal/config"
	"buildtuner/internal/dispatch"
	"buildtuner/internal/domain"
	"buildtuner/internal/events"
	"buildtuner/internal/logging"
	"buildtuner/internal/metrics"
	"buildtuner/internal/store"
)

// ActionClient is the optimization policy.
type ActionClient interface {
	RequestAction(ctx context.Context, experimentID string) (domain.RLAction, error)
	SubmitFeedback(ctx context.Context, experimentID string, action domain.RLAction, m domain.BuildMetrics) (domain.FeedbackResult, error)
}

// WorkflowDispatcher starts benchmark runs.
type WorkflowDispatcher interface {
	CheckCredentials() error
	Dispatch(ctx context.Context, params dispatch.Params) error
}

// EventSink receives the experiment audit trail. Failures are logged only.
type EventSink interface {
	Append(ctx context.Context, evtType, experimentID string, payload events.EventPayload) error
}

type Options struct {
	DefaultTask              string
	DefaultMaxIterations     int
	RecencyWindow            time.Duration
	AppendRequiresBestAction bool
	// IssuesURL is reported to callers while creation is disabled.
	IssuesURL string
}

type Engine struct {
	Store      store.ExperimentStore
	Policy     ActionClient
	Dispatcher WorkflowDispatcher
	Events     EventSink
	Log        *zap.Logger
	Options    Options
	// Enabled reports the experiments-enabled switch; nil means enabled.
	Enabled func() bool
	Now     func() time.Time
}

// OptionsFromConfig derives engine options from the loaded config.
func OptionsFromConfig(cfg *config.Config) Options {
	if cfg == nil {
		return Options{}
	}
	return Options{
		DefaultTask:              cfg.Experiments.DefaultTask,
		DefaultMaxIterations:     cfg.Experiments.DefaultMaxIterations,
		RecencyWindow:            cfg.Experiments.RecencyWindow,
		AppendRequiresBestAction: cfg.Experiments.AppendRequiresBestAction,
		IssuesURL:                fmt.Sprintf("https://github.com/%s/issues/new", cfg.Dispatch.Repository),
	}
}

func New(s store.ExperimentStore, p ActionClient, d WorkflowDispatcher, cfg *config.Config, log *zap.Logger) Engine {
	enabled := true
	if cfg != nil {
		enabled = cfg.Experiments.Enabled
	}
	return Engine{
		Store:      s,
		Policy:     p,
		Dispatcher: d,
		Log:        logging.OrNop(log),
		Options:    OptionsFromConfig(cfg),
		Enabled:    func() bool { return enabled },
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *zap.Logger {
	return logging.OrNop(e.Log)
}

// Guard returns the concurrency guard bound to the engine's store and clock.
func (e Engine) Guard() Guard {
	return Guard{Store: e.Store, Window: e.window(), Now: e.now}
}

func (e Engine) window() time.Duration {
	if e.Options.RecencyWindow > 0 {
		return e.Options.RecencyWindow
	}
	return DefaultRecencyWindow
}

func (e Engine) record(ctx context.Context, evtType, experimentID string, payload events.EventPayload) {
	if e.Events == nil {
		return
	}
	if err := e.Events.Append(ctx, evtType, experimentID, payload); err != nil {
		e.log().Warn("append event failed", zap.String("type", evtType), zap.String("experiment_id", experimentID), zap.Error(err))
	}
}

// ExperimentsEnabled reports whether new experiments may be created.
func (e Engine) ExperimentsEnabled() bool {
	if e.Enabled == nil {
		return true
	}
	return e.Enabled()
}

// CreateOptions are parameters for starting an experiment.
type CreateOptions struct {
	Repository      string
	Task            string
	SelectionMethod string
	MaxIterations   int
}

type CreateResult struct {
	ExperimentID   string
	Message        string
	WorkflowInputs dispatch.Params
	Experiment     domain.Experiment
}

// CreateExperiment admits, persists and dispatches the first run of a new
// experiment. An unavailable policy is tolerated; a failed dispatch is not.
func (e Engine) CreateExperiment(ctx context.Context, opts CreateOptions) (CreateResult, error) {
	log := e.log()
	if !e.ExperimentsEnabled() {
		metrics.RecordExperimentRejected("disabled")
		return CreateResult{}, DisabledError{IssuesURL: e.Options.IssuesURL}
	}
	repository := strings.TrimSpace(opts.Repository)
	if repository == "" {
		metrics.RecordExperimentRejected("validation")
		return CreateResult{}, ValidationError{Field: "repository", Message: "Repository is required"}
	}
	if err := e.Dispatcher.CheckCredentials(); err != nil {
		metrics.RecordExperimentRejected("configuration")
		log.Error("dispatch credential missing", zap.Error(err))
		return CreateResult{}, ConfigurationError{Err: err}
	}

	admission, err := e.Guard().Admit(ctx)
	if err != nil {
		return CreateResult{}, err
	}
	if !admission.Allowed {
		return CreateResult{}, e.conflict(admission.Conflicting)
	}

	now := e.now()
	exp := domain.Experiment{
		ID:              domain.ExperimentID(now),
		Repository:      repository,
		Task:            e.task(opts.Task),
		SelectionMethod: domain.SelectionMethod,
		MaxIterations:   e.maxIterations(opts.MaxIterations),
		Status:          domain.StatusCreated,
		Variants:        []domain.Variant{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	holder, err := e.Store.ClaimActive(ctx, exp.ID, now, e.window())
	if err != nil {
		return CreateResult{}, fmt.Errorf("claim active experiment: %w", err)
	}
	if holder != nil {
		return CreateResult{}, e.conflict(holder)
	}
	if err := e.Store.Create(ctx, exp); err != nil {
		if errors.Is(err, store.ErrExists) {
			return CreateResult{}, e.conflict(&exp)
		}
		if rerr := e.Store.ReleaseActive(ctx, exp.ID); rerr != nil {
			log.Warn("release active experiment failed", zap.String("experiment_id", exp.ID), zap.Error(rerr))
		}
		return CreateResult{}, fmt.Errorf("create experiment: %w", err)
	}
	metrics.RecordExperimentCreated()
	log.Info("experiment created",
		zap.String("experiment_id", exp.ID),
		zap.String("repository", exp.Repository),
		zap.String("task", exp.Task),
		zap.Int("max_iterations", exp.MaxIterations))
	e.record(ctx, events.ExperimentCreated, exp.ID, events.EventPayload{
		"repository":     exp.Repository,
		"task":           exp.Task,
		"max_iterations": exp.MaxIterations,
	})

	action, err := e.requestAction(ctx, exp.ID)
	if err != nil {
		log.Warn("policy unavailable, dispatching default configuration", zap.String("experiment_id", exp.ID), zap.Error(err))
	} else {
		if _, err := e.Store.Update(ctx, exp.ID, store.Update{RLAction: action}, e.now()); err != nil {
			return CreateResult{}, fmt.Errorf("store action: %w", err)
		}
		exp.RLAction = action
	}

	params := dispatch.BuildParams(exp, action)
	if err := e.Dispatcher.Dispatch(ctx, params); err != nil {
		metrics.RecordDispatch("create", metrics.OutcomeFailure)
		log.Error("workflow dispatch failed", zap.String("experiment_id", exp.ID), zap.Error(err))
		e.record(ctx, events.DispatchFailed, exp.ID, events.EventPayload{"error": err.Error()})
		if errors.Is(err, dispatch.ErrMissingCredential) {
			return CreateResult{}, ConfigurationError{Err: err}
		}
		return CreateResult{}, DispatchError{ExperimentID: exp.ID, Err: err}
	}
	metrics.RecordDispatch("create", metrics.OutcomeSuccess)
	e.record(ctx, events.DispatchSucceeded, exp.ID, events.EventPayload{"iterations": params["iterations"]})

	return CreateResult{
		ExperimentID:   exp.ID,
		Message:        fmt.Sprintf("Experiment started for %s", exp.Repository),
		WorkflowInputs: params,
		Experiment:     exp,
	}, nil
}

func (e Engine) conflict(exp *domain.Experiment) error {
	metrics.RecordExperimentRejected("conflict")
	e.log().Info("experiment creation blocked", zap.String("existing_experiment_id", exp.ID), zap.String("existing_status", string(exp.Status)))
	return ConflictError{ExperimentID: exp.ID, Status: exp.Status}
}

// requestAction asks the policy for an action and records the outcome. It
// returns an error for unavailable or incomplete actions.
func (e Engine) requestAction(ctx context.Context, experimentID string) (*domain.RLAction, error) {
	action, err := e.Policy.RequestAction(ctx, experimentID)
	if err != nil {
		metrics.RecordPolicyCall("get-action", metrics.OutcomeUnavailable)
		e.record(ctx, events.ActionUnavailable, experimentID, events.EventPayload{"error": err.Error()})
		return nil, err
	}
	if !action.Valid() {
		metrics.RecordPolicyCall("get-action", metrics.OutcomeInvalid)
		err := fmt.Errorf("invalid action from policy: %+v", action)
		e.record(ctx, events.ActionUnavailable, experimentID, events.EventPayload{"error": err.Error()})
		return nil, err
	}
	metrics.RecordPolicyCall("get-action", metrics.OutcomeSuccess)
	e.record(ctx, events.ActionIssued, experimentID, events.EventPayload{
		"variant_id": action.VariantID(),
		"rl_action":  action,
	})
	return &action, nil
}

func (e Engine) task(requested string) string {
	if t := strings.TrimSpace(requested); t != "" {
		return t
	}
	if e.Options.DefaultTask != "" {
		return e.Options.DefaultTask
	}
	return domain.DefaultTask
}

func (e Engine) maxIterations(requested int) int {
	if requested > 0 {
		return requested
	}
	if e.Options.DefaultMaxIterations > 0 {
		return e.Options.DefaultMaxIterations
	}
	return domain.DefaultMaxIterations
}

// GetExperiment returns one experiment with its variants.
func (e Engine) GetExperiment(ctx context.Context, id string) (domain.Experiment, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Experiment{}, ValidationError{Field: "experiment_id", Message: "experiment_id is required"}
	}
	return e.Store.Get(ctx, id)
}

// ListExperiments returns every experiment, newest first.
func (e Engine) ListExperiments(ctx context.Context) ([]domain.Experiment, error) {
	return e.Store.List(ctx)
}

// MarkFailed moves a non-terminal experiment to failed, freeing the active
// slot. It is how operators retire an orphan left by a failed dispatch.
func (e Engine) MarkFailed(ctx context.Context, id, reason string) (domain.Experiment, error) {
	exp, err := e.GetExperiment(ctx, id)
	if err != nil {
		return exp, err
	}
	if exp.Status.Terminal() {
		return exp, fmt.Errorf("experiment %s is already %s", id, exp.Status)
	}
	failed := domain.StatusFailed
	u := store.Update{Status: &failed}
	if reason != "" {
		u.FinalMessage = &reason
	}
	if _, err := e.Store.Update(ctx, id, u, e.now()); err != nil {
		return exp, err
	}
	if err := e.Store.ReleaseActive(ctx, id); err != nil {
		e.log().Warn("release active experiment failed", zap.String("experiment_id", id), zap.Error(err))
	}
	e.log().Info("experiment marked failed", zap.String("experiment_id", id), zap.String("reason", reason))
	return e.Store.Get(ctx, id)
}
