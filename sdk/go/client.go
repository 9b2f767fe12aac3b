package tunersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal build tuner HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, for example http://127.0.0.1:8080/api.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// RLAction is a build configuration.
type RLAction struct {
	MaxWorkers   int     `json:"max_workers"`
	GradleHeapGB float64 `json:"gradle_heap_gb"`
	KotlinHeapGB float64 `json:"kotlin_heap_gb"`
}

// Variant is one measured configuration.
type Variant struct {
	VariantID string         `json:"variant_id"`
	RLAction  RLAction       `json:"rl_action"`
	Reward    float64        `json:"reward"`
	Metrics   map[string]any `json:"metrics"`
	CreatedAt time.Time      `json:"created_at"`
}

// Experiment represents the API experiment model.
type Experiment struct {
	ID              string         `json:"id"`
	Repository      string         `json:"repository"`
	Task            string         `json:"task"`
	SelectionMethod string         `json:"selection_method,omitempty"`
	MaxIterations   int            `json:"max_iterations,omitempty"`
	Status          string         `json:"status"`
	Variants        []Variant      `json:"variants"`
	RLAction        *RLAction      `json:"rl_action,omitempty"`
	BestAction      *RLAction      `json:"best_action,omitempty"`
	Reward          *float64       `json:"reward,omitempty"`
	Metrics         map[string]any `json:"metrics,omitempty"`
	WorkflowRunID   string         `json:"workflow_run_id,omitempty"`
	FinalMessage    string         `json:"final_message,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// CreateRequest starts an experiment. Zero fields take server defaults.
type CreateRequest struct {
	Repository      string `json:"repository"`
	Task            string `json:"task,omitempty"`
	SelectionMethod string `json:"selection_method,omitempty"`
	MaxIterations   int    `json:"max_iterations,omitempty"`
}

type CreateResponse struct {
	Success        bool              `json:"success"`
	ExperimentID   string            `json:"experiment_id"`
	Message        string            `json:"message"`
	WorkflowInputs map[string]string `json:"workflow_inputs"`
}

// FeedbackReport is what a benchmark workflow posts after a run. The build
// measurements are optional; with all three of BuildTime, GradleGCTime and
// KotlinGCTime set the server advances the experiment.
type FeedbackReport struct {
	ExperimentID          string         `json:"experiment_id"`
	Status                string         `json:"status,omitempty"`
	Metrics               map[string]any `json:"metrics,omitempty"`
	WorkflowRunID         string         `json:"workflow_run_id,omitempty"`
	BuildTime             *float64       `json:"build_time,omitempty"`
	GradleGCTime          *float64       `json:"gradle_gc_time,omitempty"`
	KotlinGCTime          *float64       `json:"kotlin_gc_time,omitempty"`
	KotlinCompileDuration *float64       `json:"kotlin_compile_duration,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateExperiment starts an experiment.
func (c *Client) CreateExperiment(ctx context.Context, req CreateRequest) (CreateResponse, error) {
	var resp CreateResponse
	err := c.do(ctx, http.MethodPost, "experiments", req, &resp)
	return resp, err
}

// ExperimentsEnabled reports whether the server accepts new experiments.
func (c *Client) ExperimentsEnabled(ctx context.Context) (bool, string, error) {
	var resp struct {
		ExperimentsEnabled bool   `json:"experiments_enabled"`
		Message            string `json:"message"`
	}
	err := c.do(ctx, http.MethodGet, "experiments/enabled", nil, &resp)
	return resp.ExperimentsEnabled, resp.Message, err
}

// Experiment fetches one experiment with its variants.
func (c *Client) Experiment(ctx context.Context, id string) (Experiment, error) {
	var resp struct {
		Experiment Experiment `json:"experiment"`
	}
	err := c.do(ctx, http.MethodGet, "experiment?experiment_id="+url.QueryEscape(id), nil, &resp)
	return resp.Experiment, err
}

// Experiments lists experiments, newest first.
func (c *Client) Experiments(ctx context.Context) ([]Experiment, error) {
	var resp struct {
		Experiments []Experiment `json:"experiments"`
	}
	err := c.do(ctx, http.MethodGet, "experiments", nil, &resp)
	return resp.Experiments, err
}

// ReportFeedback posts a workflow status report.
func (c *Client) ReportFeedback(ctx context.Context, report FeedbackReport) (string, error) {
	var resp struct {
		Message string `json:"message"`
	}
	err := c.do(ctx, http.MethodPost, "experiments/feedback", report, &resp)
	return resp.Message, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
