// Package policy talks to the optimization service that proposes build
// configurations and learns from their measurements.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"buildtuner/internal/domain"
)

const (
	DefaultTimeout = 10 * time.Second
	maxErrorBody   = 4096
)

// ErrUnavailable wraps every failed exchange with the policy service.
var ErrUnavailable = errors.New("policy service unavailable")

// Client is the HTTP ActionClient.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: timeout},
		Timeout:    timeout,
	}
}

type actionRequest struct {
	ExperimentID string `json:"experiment_id"`
}

type feedbackRequest struct {
	ExperimentID string `json:"experiment_id"`
	domain.BuildMetrics
	RLAction domain.RLAction `json:"rl_action"`
}

// Health describes the policy service's health endpoint.
type Health struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	Environment string `json:"environment"`
}

// RequestAction asks for the next configuration to try.
func (c *Client) RequestAction(ctx context.Context, experimentID string) (domain.RLAction, error) {
	var action domain.RLAction
	err := c.do(ctx, http.MethodPost, "get-action", actionRequest{ExperimentID: experimentID}, &action)
	return action, err
}

// SubmitFeedback reports the measurements of a run of action.
func (c *Client) SubmitFeedback(ctx context.Context, experimentID string, action domain.RLAction, m domain.BuildMetrics) (domain.FeedbackResult, error) {
	var res domain.FeedbackResult
	err := c.do(ctx, http.MethodPost, "send-feedback", feedbackRequest{
		ExperimentID: experimentID,
		BuildMetrics: m,
		RLAction:     action,
	}, &res)
	return res, err
}

// Health probes the service.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "health", nil, &h)
	return h, err
}

// QTable returns the learned action values of an experiment, keyed by
// action, for inspection.
func (c *Client) QTable(ctx context.Context, experimentID string) (map[string]float64, error) {
	var resp struct {
		QTable map[string]float64 `json:"q_table"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("experiment/%s/q-table", url.PathEscape(experimentID)), nil, &resp)
	return resp.QTable, err
}

// ExperimentMetrics is the policy's view of an experiment: the last action it
// issued and the measurements it learned from. Found is false when the
// policy has no record of the experiment.
type ExperimentMetrics struct {
	ExperimentID          string           `json:"experiment_id"`
	LastAction            *domain.RLAction `json:"last_action"`
	Status                string           `json:"status"`
	BuildTime             *float64         `json:"build_time"`
	GradleGCTime          *float64         `json:"gradle_gc_time"`
	KotlinGCTime          *float64         `json:"kotlin_gc_time"`
	KotlinCompileDuration *float64         `json:"kotlin_compile_duration"`
	CalculatedReward      *float64         `json:"calculated_reward"`
	State                 map[string]any   `json:"state"`
	Message               string           `json:"message,omitempty"`
	Found                 bool             `json:"-"`
}

// Metrics returns what the policy recorded for an experiment.
func (c *Client) Metrics(ctx context.Context, experimentID string) (ExperimentMetrics, error) {
	var m ExperimentMetrics
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("experiment/%s/metrics", url.PathEscape(experimentID)), nil, &m); err != nil {
		return m, err
	}
	m.Found = m.ExperimentID != ""
	return m, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	target := strings.TrimRight(c.BaseURL, "/") + "/" + endpoint
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, endpoint, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	res, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, endpoint, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return fmt.Errorf("%w: %s: status %d: %s", ErrUnavailable, endpoint, res.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s: decode response: %v", ErrUnavailable, endpoint, err)
	}
	return nil
}
