package engine

import (
	"context"
	"fmt"
	"time"

	"buildtuner/internal/domain"
	"buildtuner/internal/store"
)

// DefaultRecencyWindow bounds how long an unfinished experiment blocks new ones.
const DefaultRecencyWindow = 2 * time.Hour

// Guard admits a new experiment only when no live experiment was created
// within Window. The check is advisory; Engine.CreateExperiment follows it
// with a claim on the store's active slot.
type Guard struct {
	Store  store.ExperimentStore
	Window time.Duration
	Now    func() time.Time
}

// Admission is the guard's verdict. Conflicting is set when Allowed is false.
type Admission struct {
	Allowed     bool
	Conflicting *domain.Experiment
}

func (g Guard) Admit(ctx context.Context) (Admission, error) {
	var latest *domain.Experiment
	for _, status := range []domain.Status{domain.StatusCreated, domain.StatusRunning} {
		exp, err := g.Store.LatestByStatus(ctx, status)
		if err != nil {
			return Admission{}, fmt.Errorf("query %s experiments: %w", status, err)
		}
		if exp != nil && (latest == nil || exp.CreatedAt.After(latest.CreatedAt)) {
			latest = exp
		}
	}
	if latest == nil {
		return Admission{Allowed: true}, nil
	}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	window := g.Window
	if window <= 0 {
		window = DefaultRecencyWindow
	}
	if now().Sub(latest.CreatedAt) < window && latest.Status.Live() {
		return Admission{Conflicting: latest}, nil
	}
	return Admission{Allowed: true}, nil
}
