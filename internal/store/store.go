// Package store defines the persistence contract of the experiment engine.
package store

import (
	"context"
	"errors"
	"time"

	"buildtuner/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
	// ErrBudgetExhausted is returned by AppendVariant when the experiment
	// already holds max_iterations variants.
	ErrBudgetExhausted = errors.New("iteration budget exhausted")
)

// Update is a partial update; nil fields are left untouched.
type Update struct {
	Status        *domain.Status
	RLAction      *domain.RLAction
	BestAction    *domain.RLAction
	Reward        *float64
	Metrics       map[string]any
	WorkflowRunID *string
	FinalMessage  *string
}

// ExperimentStore persists experiments. Every write bumps updated_at to the
// supplied clock and every status write goes through domain.ResolveStatus.
type ExperimentStore interface {
	// Create inserts exp, failing with ErrExists when the id is taken.
	Create(ctx context.Context, exp domain.Experiment) error
	Get(ctx context.Context, id string) (domain.Experiment, error)
	// Update applies u and returns the status the experiment holds afterwards.
	// A terminal experiment keeps its rl_action.
	Update(ctx context.Context, id string, u Update, now time.Time) (domain.Status, error)
	// AppendVariant adds v after the existing variants and returns the new
	// count. When best is non-nil, best_action and reward are set from it
	// and v.Reward in the same write.
	AppendVariant(ctx context.Context, id string, v domain.Variant, best *domain.RLAction, now time.Time) (int, error)
	// LatestByStatus returns the most recently created experiment with the
	// given status, or nil when there is none.
	LatestByStatus(ctx context.Context, status domain.Status) (*domain.Experiment, error)
	// List returns every experiment, newest first.
	List(ctx context.Context) ([]domain.Experiment, error)
	// ClaimActive points the active-experiment slot at id unless it already
	// references a live experiment created within window, in which case that
	// experiment is returned and the slot is unchanged.
	ClaimActive(ctx context.Context, id string, now time.Time, window time.Duration) (*domain.Experiment, error)
	// ReleaseActive clears the slot if it still references id.
	ReleaseActive(ctx context.Context, id string) error
}

// HolderBlocks decides whether the experiment referenced by the active slot,
// claimed at claimedAt, still blocks a new claim. holder is nil when the slot
// was claimed but the record is not written yet.
func HolderBlocks(holder *domain.Experiment, claimedAt, now time.Time, window time.Duration) bool {
	if holder == nil {
		return now.Sub(claimedAt) < window
	}
	return holder.Status.Live() && now.Sub(holder.CreatedAt) < window
}
