package server

import (
	"encoding/json"
	"time"

	"buildtuner/internal/domain"
)

// Request payloads

type CreateExperimentRequest struct {
	Repository      string `json:"repository,omitempty" example:"acme/android-app"`
	Task            string `json:"task,omitempty" example:"assembleDebug"`
	SelectionMethod string `json:"selection_method,omitempty" example:"qtable"`
	MaxIterations   int    `json:"max_iterations,omitempty" minimum:"0" example:"15"`
}

// FeedbackRequest is posted by the benchmark workflow. Unknown fields are
// accepted and ignored.
type FeedbackRequest struct {
	_                     struct{}       `json:"-" additionalProperties:"true"`
	ExperimentID          string         `json:"experiment_id,omitempty"`
	Status                string         `json:"status,omitempty" example:"running"`
	Metrics               map[string]any `json:"metrics,omitempty"`
	WorkflowRunID         any            `json:"workflow_run_id,omitempty" doc:"Workflow run id, string or number"`
	BuildTime             *float64       `json:"build_time,omitempty"`
	GradleGCTime          *float64       `json:"gradle_gc_time,omitempty"`
	KotlinGCTime          *float64       `json:"kotlin_gc_time,omitempty"`
	KotlinCompileDuration *float64       `json:"kotlin_compile_duration,omitempty"`
}

// Response payloads

type CreateExperimentResponse struct {
	Success        bool              `json:"success"`
	ExperimentID   string            `json:"experiment_id"`
	Message        string            `json:"message"`
	WorkflowInputs map[string]string `json:"workflow_inputs"`
}

type EnabledResponse struct {
	ExperimentsEnabled bool   `json:"experiments_enabled"`
	Message            string `json:"message"`
}

type ExperimentResponse struct {
	Success    bool              `json:"success"`
	Experiment domain.Experiment `json:"experiment"`
}

type ExperimentsResponse struct {
	Success     bool                `json:"success"`
	Experiments []ExperimentSummary `json:"experiments"`
}

// ExperimentSummary is the listing view of an experiment.
type ExperimentSummary struct {
	ID         string           `json:"id"`
	Repository string           `json:"repository"`
	Task       string           `json:"task"`
	Status     domain.Status    `json:"status"`
	RLAction   *domain.RLAction `json:"rl_action,omitempty"`
	BestAction *domain.RLAction `json:"best_action,omitempty"`
	Reward     *float64         `json:"reward,omitempty"`
	Variants   []domain.Variant `json:"variants"`
	CreatedAt  time.Time        `json:"created_at" format:"date-time"`
	UpdatedAt  time.Time        `json:"updated_at" format:"date-time"`
}

type FeedbackResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// runID renders a workflow run id posted as a string or a JSON number.
func runID(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	default:
		b, err := json.Marshal(id)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func experimentSummary(exp domain.Experiment) ExperimentSummary {
	variants := exp.Variants
	if variants == nil {
		variants = []domain.Variant{}
	}
	return ExperimentSummary{
		ID:         exp.ID,
		Repository: exp.Repository,
		Task:       exp.Task,
		Status:     exp.Status,
		RLAction:   exp.RLAction,
		BestAction: exp.BestAction,
		Reward:     exp.Reward,
		Variants:   variants,
		CreatedAt:  exp.CreatedAt,
		UpdatedAt:  exp.UpdatedAt,
	}
}
