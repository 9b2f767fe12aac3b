package domain

import (
	"fmt"
	"strconv"
	"time"
)

const (
	// DefaultMaxIterations applies when a request omits max_iterations.
	DefaultMaxIterations = 15
	// DefaultTask is the build task used when creation omits one.
	DefaultTask = "assembleDebug"
	// FallbackTask is dispatched when a stored experiment carries no task.
	FallbackTask = ":help"
	// SelectionMethod is the only selection method the policy implements.
	SelectionMethod = "qtable"
)

type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusUpdated   Status = "updated"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusRunning, StatusUpdated, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Live reports whether the status counts towards the single live experiment.
func (s Status) Live() bool {
	return s == StatusCreated || s == StatusRunning
}

// NextStatus returns the status an experiment ends up with when requested is
// written over current. Terminal statuses stick and created is never re-entered.
func NextStatus(current, requested Status) Status {
	switch {
	case requested == "":
		return current
	case current.Terminal():
		return current
	case requested == StatusCreated && current != "" && current != StatusCreated:
		return current
	default:
		return requested
	}
}

// ResolveStatus applies NextStatus and then demotes running to updated when
// the experiment carries no action. An experiment is running only while an
// action is being benchmarked.
func ResolveStatus(current, requested Status, hasAction bool) Status {
	next := NextStatus(current, requested)
	if next == StatusRunning && !hasAction {
		return StatusUpdated
	}
	return next
}

// RLAction is a build configuration proposed by the policy.
type RLAction struct {
	MaxWorkers   int     `json:"max_workers"`
	GradleHeapGB float64 `json:"gradle_heap_gb"`
	KotlinHeapGB float64 `json:"kotlin_heap_gb"`
}

// Valid reports whether all three fields are set.
func (a RLAction) Valid() bool {
	return a.MaxWorkers > 0 && a.GradleHeapGB > 0 && a.KotlinHeapGB > 0
}

// VariantID derives the stable identifier of the configuration.
func (a RLAction) VariantID() string {
	return fmt.Sprintf("W%d_G%s_K%s", a.MaxWorkers, FormatNumber(a.GradleHeapGB), FormatNumber(a.KotlinHeapGB))
}

// FormatNumber prints v in its shortest form, 8 rather than 8.000000.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// BuildMetrics are the measurements a benchmark run reports.
type BuildMetrics struct {
	BuildTime             *float64 `json:"build_time,omitempty"`
	GradleGCTime          *float64 `json:"gradle_gc_time,omitempty"`
	KotlinGCTime          *float64 `json:"kotlin_gc_time,omitempty"`
	KotlinCompileDuration *float64 `json:"kotlin_compile_duration,omitempty"`
}

// Complete reports whether the three required measurements are present.
func (m BuildMetrics) Complete() bool {
	return m.BuildTime != nil && m.GradleGCTime != nil && m.KotlinGCTime != nil
}

type Variant struct {
	VariantID string       `json:"variant_id"`
	RLAction  RLAction     `json:"rl_action"`
	Reward    float64      `json:"reward"`
	Metrics   BuildMetrics `json:"metrics"`
	CreatedAt time.Time    `json:"created_at" format:"date-time"`
}

// NewVariant records the outcome of running action.
func NewVariant(action RLAction, reward float64, m BuildMetrics, at time.Time) Variant {
	return Variant{
		VariantID: action.VariantID(),
		RLAction:  action,
		Reward:    reward,
		Metrics:   m,
		CreatedAt: at.UTC(),
	}
}

type Experiment struct {
	ID              string         `json:"id"`
	Repository      string         `json:"repository"`
	Task            string         `json:"task"`
	SelectionMethod string         `json:"selection_method"`
	MaxIterations   int            `json:"max_iterations"`
	Status          Status         `json:"status" enum:"created,running,updated,completed,failed"`
	Variants        []Variant      `json:"variants"`
	RLAction        *RLAction      `json:"rl_action,omitempty"`
	BestAction      *RLAction      `json:"best_action,omitempty"`
	Reward          *float64       `json:"reward,omitempty"`
	Metrics         map[string]any `json:"metrics,omitempty"`
	WorkflowRunID   string         `json:"workflow_run_id,omitempty"`
	FinalMessage    string         `json:"final_message,omitempty"`
	CreatedAt       time.Time      `json:"created_at" format:"date-time"`
	UpdatedAt       time.Time      `json:"updated_at" format:"date-time"`
}

// Budget returns the iteration budget, falling back to the default.
func (e Experiment) Budget() int {
	if e.MaxIterations <= 0 {
		return DefaultMaxIterations
	}
	return e.MaxIterations
}

// Exhausted reports whether the experiment has used its whole budget.
func (e Experiment) Exhausted() bool {
	return len(e.Variants) >= e.Budget()
}

// ExperimentID derives the time-based identifier of a new experiment.
func ExperimentID(now time.Time) string {
	return fmt.Sprintf("experiment-%d", now.UnixMilli())
}

// CompletionMessage is stored on an experiment when its budget is used up.
func CompletionMessage(iterations int) string {
	return fmt.Sprintf("Experiment completed after %d iterations", iterations)
}

// FeedbackResult is what the policy returns after learning from a run.
type FeedbackResult struct {
	CalculatedReward *float64  `json:"calculated_reward,omitempty"`
	BestAction       *RLAction `json:"best_action,omitempty"`
}

type Event struct {
	ID           int64          `json:"id"`
	TS           time.Time      `json:"ts" format:"date-time"`
	Type         string         `json:"type"`
	ExperimentID string         `json:"experiment_id"`
	Payload      map[string]any `json:"payload"`
}
