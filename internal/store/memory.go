package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"buildtuner/internal/domain"
)

// Memory is an in-process ExperimentStore.
type Memory struct {
	mu          sync.Mutex
	experiments map[string]domain.Experiment
	active      string
	claimedAt   time.Time
}

func NewMemory() *Memory {
	return &Memory{experiments: map[string]domain.Experiment{}}
}

func (m *Memory) Create(_ context.Context, exp domain.Experiment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.experiments[exp.ID]; ok {
		return ErrExists
	}
	exp.Variants = append([]domain.Variant{}, exp.Variants...)
	m.experiments[exp.ID] = exp
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (domain.Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.experiments[id]
	if !ok {
		return domain.Experiment{}, ErrNotFound
	}
	return clone(exp), nil
}

func (m *Memory) Update(_ context.Context, id string, u Update, now time.Time) (domain.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.experiments[id]
	if !ok {
		return "", ErrNotFound
	}
	if u.RLAction != nil && !exp.Status.Terminal() {
		a := *u.RLAction
		exp.RLAction = &a
	}
	if u.Status != nil {
		exp.Status = domain.ResolveStatus(exp.Status, *u.Status, exp.RLAction != nil)
	}
	if u.BestAction != nil {
		a := *u.BestAction
		exp.BestAction = &a
	}
	if u.Reward != nil {
		r := *u.Reward
		exp.Reward = &r
	}
	if u.Metrics != nil {
		exp.Metrics = u.Metrics
	}
	if u.WorkflowRunID != nil {
		exp.WorkflowRunID = *u.WorkflowRunID
	}
	if u.FinalMessage != nil {
		exp.FinalMessage = *u.FinalMessage
	}
	exp.UpdatedAt = now.UTC()
	m.experiments[id] = exp
	return exp.Status, nil
}

func (m *Memory) AppendVariant(_ context.Context, id string, v domain.Variant, best *domain.RLAction, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.experiments[id]
	if !ok {
		return 0, ErrNotFound
	}
	if exp.Exhausted() {
		return len(exp.Variants), ErrBudgetExhausted
	}
	exp.Variants = append(exp.Variants, v)
	if best != nil {
		a := *best
		r := v.Reward
		exp.BestAction = &a
		exp.Reward = &r
	}
	exp.UpdatedAt = now.UTC()
	m.experiments[id] = exp
	return len(exp.Variants), nil
}

func (m *Memory) LatestByStatus(_ context.Context, status domain.Status) (*domain.Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.Experiment
	for _, exp := range m.experiments {
		if exp.Status != status {
			continue
		}
		if latest == nil || exp.CreatedAt.After(latest.CreatedAt) {
			c := clone(exp)
			latest = &c
		}
	}
	return latest, nil
}

func (m *Memory) List(_ context.Context) ([]domain.Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Experiment, 0, len(m.experiments))
	for _, exp := range m.experiments {
		out = append(out, clone(exp))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ClaimActive(_ context.Context, id string, now time.Time, window time.Duration) (*domain.Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != "" && m.active != id {
		var holder *domain.Experiment
		if exp, ok := m.experiments[m.active]; ok {
			c := clone(exp)
			holder = &c
		}
		if HolderBlocks(holder, m.claimedAt, now, window) {
			if holder == nil {
				holder = &domain.Experiment{ID: m.active, Status: domain.StatusCreated, CreatedAt: m.claimedAt}
			}
			return holder, nil
		}
	}
	m.active = id
	m.claimedAt = now
	return nil, nil
}

func (m *Memory) ReleaseActive(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == id {
		m.active = ""
		m.claimedAt = time.Time{}
	}
	return nil
}

func clone(exp domain.Experiment) domain.Experiment {
	exp.Variants = append([]domain.Variant{}, exp.Variants...)
	return exp
}
