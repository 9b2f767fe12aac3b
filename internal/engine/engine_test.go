package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"buildtuner/internal/dispatch"
	"buildtuner/internal/domain"
	"buildtuner/internal/engine"
	"buildtuner/internal/events"
	"buildtuner/internal/policy"
	"buildtuner/internal/store"
)

var baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type fakePolicy struct {
	mu        sync.Mutex
	actions   []domain.RLAction
	actionErr error
	result    domain.FeedbackResult
	fbErr     error
	requests  int
	feedbacks []domain.RLAction
	// beforeAction runs ahead of every action request.
	beforeAction func()
}

func (p *fakePolicy) RequestAction(_ context.Context, _ string) (domain.RLAction, error) {
	p.mu.Lock()
	hook := p.beforeAction
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests++
	if p.actionErr != nil {
		return domain.RLAction{}, p.actionErr
	}
	if len(p.actions) == 0 {
		return domain.RLAction{MaxWorkers: 4, GradleHeapGB: 2, KotlinHeapGB: 1}, nil
	}
	a := p.actions[0]
	if len(p.actions) > 1 {
		p.actions = p.actions[1:]
	}
	return a, nil
}

func (p *fakePolicy) SubmitFeedback(_ context.Context, _ string, action domain.RLAction, _ domain.BuildMetrics) (domain.FeedbackResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.feedbacks = append(p.feedbacks, action)
	return p.result, p.fbErr
}

type fakeDispatcher struct {
	mu       sync.Mutex
	credErr  error
	err      error
	launched []dispatch.Params
}

func (d *fakeDispatcher) CheckCredentials() error { return d.credErr }

func (d *fakeDispatcher) Dispatch(_ context.Context, params dispatch.Params) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.launched = append(d.launched, params)
	return nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.launched)
}

type recordedEvent struct {
	Type         string
	ExperimentID string
}

type fakeSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (s *fakeSink) Append(_ context.Context, evtType, experimentID string, _ events.EventPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{Type: evtType, ExperimentID: experimentID})
	return nil
}

func (s *fakeSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	Engine     engine.Engine
	Store      *store.Memory
	Policy     *fakePolicy
	Dispatcher *fakeDispatcher
	Events     *fakeSink
	Ctx        context.Context
	clock      *time.Time
}

func (env *testEnv) advance(d time.Duration) { *env.clock = env.clock.Add(d) }

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	now := baseTime
	env := &testEnv{
		Store:      store.NewMemory(),
		Policy:     &fakePolicy{},
		Dispatcher: &fakeDispatcher{},
		Events:     &fakeSink{},
		Ctx:        context.Background(),
		clock:      &now,
	}
	env.Engine = engine.New(env.Store, env.Policy, env.Dispatcher, nil, nil)
	env.Engine.Events = env.Events
	env.Engine.Now = func() time.Time { return *env.clock }
	return env
}

func ptr(v float64) *float64 { return &v }

func completeBuild() domain.BuildMetrics {
	return domain.BuildMetrics{BuildTime: ptr(120), GradleGCTime: ptr(3), KotlinGCTime: ptr(1)}
}

func (env *testEnv) create(t *testing.T, maxIterations int) engine.CreateResult {
	t.Helper()
	res, err := env.Engine.CreateExperiment(env.Ctx, engine.CreateOptions{Repository: "acme/app", MaxIterations: maxIterations})
	require.NoError(t, err)
	return res
}

func TestCreateExperimentStoresActionAndDispatches(t *testing.T) {
	env := newTestEnv(t)
	env.Policy.actions = []domain.RLAction{{MaxWorkers: 8, GradleHeapGB: 4, KotlinHeapGB: 2}}

	res := env.create(t, 0)

	require.Equal(t, "experiment-1704110400000", res.ExperimentID)
	require.Equal(t, "Experiment started for acme/app", res.Message)
	exp, err := env.Store.Get(env.Ctx, res.ExperimentID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCreated, exp.Status)
	require.Equal(t, domain.DefaultMaxIterations, exp.MaxIterations)
	require.Equal(t, domain.DefaultTask, exp.Task)
	require.Equal(t, domain.SelectionMethod, exp.SelectionMethod)
	require.Empty(t, exp.Variants)
	require.Equal(t, &domain.RLAction{MaxWorkers: 8, GradleHeapGB: 4, KotlinHeapGB: 2}, exp.RLAction)

	require.Equal(t, 1, env.Dispatcher.count())
	params := env.Dispatcher.launched[0]
	require.Equal(t, "acme/app", params["repository"])
	require.Equal(t, res.ExperimentID, params["experiment_id"])
	require.Equal(t, "10", params["iterations"])
	require.JSONEq(t, `{"max_workers":8,"gradle_heap_gb":4,"kotlin_heap_gb":2}`, params["rl_actions"])
	require.Equal(t, params, res.WorkflowInputs)
	require.Equal(t, []string{events.ExperimentCreated, events.ActionIssued, events.DispatchSucceeded}, env.Events.types())
}

func TestCreateExperimentToleratesUnavailablePolicy(t *testing.T) {
	env := newTestEnv(t)
	env.Policy.actionErr = policy.ErrUnavailable

	res := env.create(t, 30)

	exp, err := env.Store.Get(env.Ctx, res.ExperimentID)
	require.NoError(t, err)
	require.Nil(t, exp.RLAction)
	require.Equal(t, 1, env.Dispatcher.count())
	require.Equal(t, "{}", env.Dispatcher.launched[0]["rl_actions"])
	require.Equal(t, "5", env.Dispatcher.launched[0]["iterations"])
}

func TestCreateExperimentRejectsInvalidAction(t *testing.T) {
	env := newTestEnv(t)
	env.Policy.actions = []domain.RLAction{{MaxWorkers: 4}}

	res := env.create(t, 0)

	exp, err := env.Store.Get(env.Ctx, res.ExperimentID)
	require.NoError(t, err)
	require.Nil(t, exp.RLAction)
	require.Contains(t, env.Events.types(), events.ActionUnavailable)
}

func TestCreateExperimentValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateExperiment(env.Ctx, engine.CreateOptions{Repository: "  "})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "repository", verr.Field)
	require.Equal(t, "Repository is required", verr.Error())

	list, err := env.Store.List(env.Ctx)
	require.NoError(t, err)
	require.Empty(t, list)
	require.Zero(t, env.Dispatcher.count())
}

func TestCreateExperimentDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Enabled = func() bool { return false }
	env.Engine.Options.IssuesURL = "https://github.com/acme/app/issues/new"

	_, err := env.Engine.CreateExperiment(env.Ctx, engine.CreateOptions{Repository: "acme/app"})
	var derr engine.DisabledError
	require.ErrorAs(t, err, &derr)
	require.Contains(t, derr.Message(), "https://github.com/acme/app/issues/new")
	require.False(t, env.Engine.ExperimentsEnabled())

	list, err := env.Store.List(env.Ctx)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestCreateExperimentMissingCredential(t *testing.T) {
	env := newTestEnv(t)
	env.Dispatcher.credErr = dispatch.ErrMissingCredential

	_, err := env.Engine.CreateExperiment(env.Ctx, engine.CreateOptions{Repository: "acme/app"})
	var cerr engine.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	require.ErrorIs(t, err, dispatch.ErrMissingCredential)

	list, err := env.Store.List(env.Ctx)
	require.NoError(t, err)
	require.Empty(t, list)
	require.Zero(t, env.Policy.requests)
}

func TestCreateExperimentDispatchFailureLeavesOrphan(t *testing.T) {
	env := newTestEnv(t)
	env.Dispatcher.err = &dispatch.Error{StatusCode: 422, Body: "bad inputs"}

	_, err := env.Engine.CreateExperiment(env.Ctx, engine.CreateOptions{Repository: "acme/app"})
	var derr engine.DispatchError
	require.ErrorAs(t, err, &derr)
	var gh *dispatch.Error
	require.ErrorAs(t, err, &gh)
	require.Equal(t, 422, gh.StatusCode)

	exp, err := env.Store.Get(env.Ctx, derr.ExperimentID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCreated, exp.Status)
	require.Contains(t, env.Events.types(), events.DispatchFailed)

	// The orphan blocks new experiments until it is retired.
	env.advance(time.Minute)
	env.Dispatcher.err = nil
	_, err = env.Engine.CreateExperiment(env.Ctx, engine.CreateOptions{Repository: "acme/app"})
	var conflict engine.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, derr.ExperimentID, conflict.ExperimentID)

	failed, err := env.Engine.MarkFailed(env.Ctx, derr.ExperimentID, "dispatch rejected")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, failed.Status)
	require.Equal(t, "dispatch rejected", failed.FinalMessage)

	env.advance(time.Minute)
	env.create(t, 0)
}

func TestGuardAdmission(t *testing.T) {
	cases := []struct {
		name    string
		status  domain.Status
		age     time.Duration
		allowed bool
	}{
		{name: "running recent", status: domain.StatusRunning, age: 5 * time.Minute, allowed: false},
		{name: "created recent", status: domain.StatusCreated, age: time.Hour, allowed: false},
		{name: "running stale", status: domain.StatusRunning, age: 3 * time.Hour, allowed: true},
		{name: "completed recent", status: domain.StatusCompleted, age: time.Minute, allowed: true},
		{name: "updated recent", status: domain.StatusUpdated, age: time.Minute, allowed: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := store.NewMemory()
			ctx := context.Background()
			created := baseTime.Add(-tc.age)
			require.NoError(t, s.Create(ctx, domain.Experiment{
				ID:         domain.ExperimentID(created),
				Repository: "acme/app",
				Status:     tc.status,
				CreatedAt:  created,
				UpdatedAt:  created,
			}))
			g := engine.Guard{Store: s, Now: func() time.Time { return baseTime }}
			adm, err := g.Admit(ctx)
			require.NoError(t, err)
			require.Equal(t, tc.allowed, adm.Allowed)
			if !tc.allowed {
				require.NotNil(t, adm.Conflicting)
				require.Equal(t, tc.status, adm.Conflicting.Status)
			}
		})
	}
}

func TestGuardAdmitsEmptyStore(t *testing.T) {
	g := engine.Guard{Store: store.NewMemory()}
	adm, err := g.Admit(context.Background())
	require.NoError(t, err)
	require.True(t, adm.Allowed)
	require.Nil(t, adm.Conflicting)
}

func TestGuardPicksLatestAcrossStatuses(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	older := baseTime.Add(-3 * time.Hour)
	newer := baseTime.Add(-10 * time.Minute)
	require.NoError(t, s.Create(ctx, domain.Experiment{ID: "old", Status: domain.StatusRunning, CreatedAt: older, UpdatedAt: older}))
	require.NoError(t, s.Create(ctx, domain.Experiment{ID: "new", Status: domain.StatusCreated, CreatedAt: newer, UpdatedAt: newer}))

	adm, err := engine.Guard{Store: s, Now: func() time.Time { return baseTime }}.Admit(ctx)
	require.NoError(t, err)
	require.False(t, adm.Allowed)
	require.Equal(t, "new", adm.Conflicting.ID)
}

func TestCreateExperimentConflict(t *testing.T) {
	env := newTestEnv(t)
	first := env.create(t, 0)

	env.advance(5 * time.Minute)
	_, err := env.Engine.CreateExperiment(env.Ctx, engine.CreateOptions{Repository: "acme/other"})
	var conflict engine.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, first.ExperimentID, conflict.ExperimentID)
	require.Equal(t, domain.StatusCreated, conflict.Status)
	require.Equal(t, 1, env.Dispatcher.count())

	env.advance(3 * time.Hour)
	second := env.create(t, 0)
	require.NotEqual(t, first.ExperimentID, second.ExperimentID)
}

func TestFeedbackWithoutBuildMetricsOnlyUpdatesStatus(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, 0)

	env.advance(time.Minute)
	err := env.Engine.RecordFeedback(env.Ctx, engine.FeedbackOptions{
		ExperimentID:  res.ExperimentID,
		Status:        domain.StatusRunning,
		Metrics:       map[string]any{"phase": "warmup"},
		WorkflowRunID: "991",
	})
	require.NoError(t, err)

	exp, err := env.Store.Get(env.Ctx, res.ExperimentID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, exp.Status)
	require.Equal(t, "991", exp.WorkflowRunID)
	require.Equal(t, map[string]any{"phase": "warmup"}, exp.Metrics)
	require.Equal(t, baseTime.Add(time.Minute), exp.UpdatedAt)
	require.Empty(t, env.Policy.feedbacks)
	require.Equal(t, 1, env.Dispatcher.count())
}

func TestFeedbackRunningWithoutActionStoredAsUpdated(t *testing.T) {
	env := newTestEnv(t)
	env.Policy.actionErr = policy.ErrUnavailable
	res := env.create(t, 0)

	require.NoError(t, env.Engine.RecordFeedback(env.Ctx, engine.FeedbackOptions{
		ExperimentID: res.ExperimentID,
		Status:       domain.StatusRunning,
	}))

	exp, err := env.Store.Get(env.Ctx, res.ExperimentID)
	require.NoError(t, err)
	require.Nil(t, exp.RLAction)
	require.Equal(t, domain.StatusUpdated, exp.Status)
}

func TestFeedbackDefaultsStatusToUpdated(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, 0)

	require.NoError(t, env.Engine.RecordFeedback(env.Ctx, engine.FeedbackOptions{ExperimentID: res.ExperimentID}))
	exp, err := env.Store.Get(env.Ctx, res.ExperimentID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusUpdated, exp.Status)
}

func TestFeedbackRequiresExperimentID(t *testing.T) {
	env := newTestEnv(t)
	err := env.Engine.RecordFeedback(env.Ctx, engine.FeedbackOptions{Build: completeBuild()})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "experiment_id", verr.Field)
}

func TestFeedbackUnknownExperiment(t *testing.T) {
	env := newTestEnv(t)
	err := env.Engine.RecordFeedback(env.Ctx, engine.FeedbackOptions{ExperimentID: "experiment-1"})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestFeedbackRecordsVariantAndDispatchesNext(t *testing.T) {
	env := newTestEnv(t)
	first := domain.RLAction{MaxWorkers: 4, GradleHeapGB: 2, KotlinHeapGB: 1}
	next := domain.RLAction{MaxWorkers: 8, GradleHeapGB: 4, KotlinHeapGB: 2}
	env.Policy.actions = []domain.RLAction{first, next}
	env.Policy.result = domain.FeedbackResult{CalculatedReward: ptr(0.75), BestAction: &first}
	res := env.create(t, 0)

	env.advance(time.Minute)
	require.NoError(t, env.Engine.RecordFeedback(env.Ctx, engine.FeedbackOptions{
		ExperimentID: res.ExperimentID,
		Status:       domain.StatusCompleted,
		Build:        completeBuild(),
	}))

	exp, err := env.Store.Get(env.Ctx, res.ExperimentID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, exp.Status)
	require.Len(t, exp.Variants, 1)
	require.Equal(t, "W4_G2_K1", exp.Variants[0].VariantID)
	require.Equal(t, 0.75, exp.Variants[0].Reward)
	require.Equal(t, &first, exp.BestAction)
	require.Equal(t, 0.75, *exp.Reward)
	require.Equal(t, &next, exp.RLAction)
	require.Equal(t, []domain.RLAction{first}, env.Policy.feedbacks)

	require.Equal(t, 2, env.Dispatcher.count())
	require.JSONEq(t, `{"max_workers":8,"gradle_heap_gb":4,"kotlin_heap_gb":2}`, env.Dispatcher.launched[1]["rl_actions"])
	require.Contains(t, env.Events.types(), events.VariantRecorded)
}

func TestFeedbackCompletesOnLastIteration(t *testing.T) {
	env := newTestEnv(t)
	env.Policy.result = domain.FeedbackResult{CalculatedReward: ptr(0.5)}
	res := env.create(t, 2)

	for i := 0; i < 2; i++ {
		env.advance(time.Minute)
		require.NoError(t, env.Engine.RecordFeedback(env.Ctx, engine.FeedbackOptions{
			ExperimentID: res.ExperimentID,
			Build:        completeBuild(),
		}))
	}

	exp, err := env.Store.Get(env.Ctx, res.ExperimentID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, exp.Status)
	require.Len(t, exp.Variants, 2)
	require.Equal(t, "Experiment completed after 2 iterations", exp.FinalMessage)
	// One action for creation and one after the first variant.
	require.Equal(t, 2, env.Policy.requests)
	require.Equal(t, 2, env.Dispatcher.count())
	require.Contains(t, env.Events.types(), events.ExperimentCompleted)

	// The finished experiment no longer blocks new ones.
	env.advance(time.Minute)
	env.create(t, 0)
}

func TestFeedbackAfterCompletionIsRecordedOnly(t *testing.T) {
	env := newTestEnv(t)
	env.Policy.result = domain.FeedbackResult{CalculatedReward: ptr(0.5)}
	res := env.create(t, 1)
	require.NoError(t, env.Engine.RecordFeedback(env.Ctx, engine.FeedbackOptions{ExperimentID: res.ExperimentID, Build: completeBuild()}))

	feedbacks := len(env.Policy.feedbacks)
	dispatches := env.Dispatcher.count()
	for i := 0; i < 3; i++ {
		require.NoError(t, env.Engine.RecordFeedback(env.Ctx, engine.FeedbackOptions{
			ExperimentID: res.ExperimentID,
			Status:       domain.StatusRunning,
			Build:        completeBuild(),
		}))
	}

	exp, err := env.Store.Get(env.Ctx, res.ExperimentID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, exp.Status)
	require.Len(t, exp.Variants, 1)
	require.Len(t, env.Policy.feedbacks, feedbacks)
	require.Equal(t, dispatches, env.Dispatcher.count())
}

func TestFeedbackPolicyUnavailableForNextAction(t *testing.T) {
	env := newTestEnv(t)
	env.Policy.result = domain.FeedbackResult{CalculatedReward: ptr(0.1)}
	res := env.create(t, 0)
	before, err := env.Store.Get(env.Ctx, res.ExperimentID)
	require.NoError(t, err)

	env.Policy.actionErr = policy.ErrUnavailable
	require.NoError(t, env.Engine.RecordFeedback(env.Ctx, engine.FeedbackOptions{
		ExperimentID: res.ExperimentID,
		Build:        completeBuild(),
	}))

	exp, err := env.Store.Get(env.Ctx, res.ExperimentID)
	require.NoError(t, err)
	require.Len(t, exp.Variants, 1)
	require.Equal(t, before.RLAction, exp.RLAction)
	require.Equal(t, domain.StatusUpdated, exp.Status)
	require.Equal(t, 1, env.Dispatcher.count())
}

func TestFeedbackSubmitFailureStops(t *testing.T) {
	env := newTestEnv(t)
	env.Policy.fbErr = policy.ErrUnavailable
	res := env.create(t, 0)

	require.NoError(t, env.Engine.RecordFeedback(env.Ctx, engine.FeedbackOptions{
		ExperimentID: res.ExperimentID,
		Build:        completeBuild(),
	}))

	exp, err := env.Store.Get(env.Ctx, res.ExperimentID)
	require.NoError(t, err)
	require.Empty(t, exp.Variants)
	require.Equal(t, 1, env.Policy.requests)
	require.Equal(t, 1, env.Dispatcher.count())
}

func TestFeedbackWithoutStoredAction(t *testing.T) {
	env := newTestEnv(t)
	env.Policy.actionErr = policy.ErrUnavailable
	res := env.create(t, 0)

	require.NoError(t, env.Engine.RecordFeedback(env.Ctx, engine.FeedbackOptions{
		ExperimentID: res.ExperimentID,
		Build:        completeBuild(),
	}))
	require.Empty(t, env.Policy.feedbacks)
	require.Equal(t, 1, env.Dispatcher.count())
}

func TestFeedbackAppendRequiresBestAction(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Options.AppendRequiresBestAction = true
	env.Policy.result = domain.FeedbackResult{CalculatedReward: ptr(0.4)}
	res := env.create(t, 0)

	require.NoError(t, env.Engine.RecordFeedback(env.Ctx, engine.FeedbackOptions{
		ExperimentID: res.ExperimentID,
		Build:        completeBuild(),
	}))

	exp, err := env.Store.Get(env.Ctx, res.ExperimentID)
	require.NoError(t, err)
	require.Empty(t, exp.Variants)
	require.Nil(t, exp.BestAction)
	// The loop still moves on to the next configuration.
	require.Equal(t, 2, env.Dispatcher.count())
}

func TestFeedbackNextDispatchFailureIsSwallowed(t *testing.T) {
	env := newTestEnv(t)
	env.Policy.result = domain.FeedbackResult{CalculatedReward: ptr(0.2)}
	res := env.create(t, 0)

	env.Dispatcher.err = errors.New("github down")
	require.NoError(t, env.Engine.RecordFeedback(env.Ctx, engine.FeedbackOptions{
		ExperimentID: res.ExperimentID,
		Build:        completeBuild(),
	}))

	exp, err := env.Store.Get(env.Ctx, res.ExperimentID)
	require.NoError(t, err)
	require.Len(t, exp.Variants, 1)
	require.Equal(t, domain.StatusRunning, exp.Status)
	require.Contains(t, env.Events.types(), events.DispatchFailed)
}

func TestFeedbackSkipsDispatchWhenFailedMeanwhile(t *testing.T) {
	env := newTestEnv(t)
	first := domain.RLAction{MaxWorkers: 4, GradleHeapGB: 2, KotlinHeapGB: 1}
	env.Policy.actions = []domain.RLAction{first, {MaxWorkers: 8, GradleHeapGB: 4, KotlinHeapGB: 2}}
	env.Policy.result = domain.FeedbackResult{CalculatedReward: ptr(0.3)}
	res := env.create(t, 0)

	env.Policy.beforeAction = func() {
		_, err := env.Engine.MarkFailed(env.Ctx, res.ExperimentID, "operator stop")
		require.NoError(t, err)
	}
	require.NoError(t, env.Engine.RecordFeedback(env.Ctx, engine.FeedbackOptions{
		ExperimentID: res.ExperimentID,
		Build:        completeBuild(),
	}))

	exp, err := env.Store.Get(env.Ctx, res.ExperimentID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, exp.Status)
	require.Equal(t, &first, exp.RLAction)
	require.Len(t, exp.Variants, 1)
	require.Equal(t, 1, env.Dispatcher.count())
}

func TestConcurrentFeedbackRespectsBudget(t *testing.T) {
	env := newTestEnv(t)
	env.Policy.result = domain.FeedbackResult{CalculatedReward: ptr(1)}
	res := env.create(t, 3)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = env.Engine.RecordFeedback(env.Ctx, engine.FeedbackOptions{
				ExperimentID: res.ExperimentID,
				Build:        completeBuild(),
			})
		}()
	}
	wg.Wait()

	exp, err := env.Store.Get(env.Ctx, res.ExperimentID)
	require.NoError(t, err)
	require.LessOrEqual(t, len(exp.Variants), 3)
}

func TestMarkFailedTerminal(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, 0)
	_, err := env.Engine.MarkFailed(env.Ctx, res.ExperimentID, "")
	require.NoError(t, err)

	_, err = env.Engine.MarkFailed(env.Ctx, res.ExperimentID, "again")
	require.Error(t, err)

	require.NoError(t, env.Engine.RecordFeedback(env.Ctx, engine.FeedbackOptions{ExperimentID: res.ExperimentID, Status: domain.StatusRunning}))
	exp, err := env.Store.Get(env.Ctx, res.ExperimentID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, exp.Status)
}

func TestGetAndListExperiments(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.GetExperiment(env.Ctx, "")
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = env.Engine.GetExperiment(env.Ctx, "experiment-404")
	require.ErrorIs(t, err, store.ErrNotFound)

	first := env.create(t, 0)
	_, err = env.Engine.MarkFailed(env.Ctx, first.ExperimentID, "")
	require.NoError(t, err)
	env.advance(time.Minute)
	second := env.create(t, 0)

	list, err := env.Engine.ListExperiments(env.Ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, second.ExperimentID, list[0].ID)
	require.Equal(t, first.ExperimentID, list[1].ID)

	got, err := env.Engine.GetExperiment(env.Ctx, second.ExperimentID)
	require.NoError(t, err)
	require.Equal(t, "acme/app", got.Repository)
}

func TestFeedbackUnknownStatusStoredAsUpdated(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, 0)

	require.NoError(t, env.Engine.RecordFeedback(env.Ctx, engine.FeedbackOptions{ExperimentID: res.ExperimentID, Status: "success"}))
	exp, err := env.Store.Get(env.Ctx, res.ExperimentID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusUpdated, exp.Status)
}
