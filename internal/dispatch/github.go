// Package dispatch starts benchmark runs through GitHub Actions
// workflow_dispatch events.
package dispatch

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
)

const (
	DefaultAPIURL  = "https://api.github.com"
	DefaultTimeout = 10 * time.Second
	maxErrorBody   = 4096
)

// ErrMissingCredential means no token is configured. Retrying cannot help.
var ErrMissingCredential = errors.New("dispatch token is not configured")

// Error is a non-2xx answer from the dispatch endpoint.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("workflow dispatch failed: status %d: %s", e.StatusCode, e.Body)
}

// GitHub dispatches a workflow of Repository.
type GitHub struct {
	APIURL     string
	Repository string
	Workflow   string
	Ref        string
	Token      string
	HTTPClient *http.Client
}

type dispatchRequest struct {
	Ref    string `json:"ref"`
	Inputs Params `json:"inputs"`
}

// CheckCredentials reports ErrMissingCredential when no token is bound.
func (g *GitHub) CheckCredentials() error {
	if strings.TrimSpace(g.Token) == "" {
		return ErrMissingCredential
	}
	return nil
}

// Endpoint returns the workflow_dispatch URL.
func (g *GitHub) Endpoint() string {
	api := g.APIURL
	if api == "" {
		api = DefaultAPIURL
	}
	return fmt.Sprintf("%s/repos/%s/actions/workflows/%s/dispatches",
		strings.TrimRight(api, "/"), g.Repository, url.PathEscape(g.Workflow))
}

// Dispatch triggers one workflow run with params.
func (g *GitHub) Dispatch(ctx context.Context, params Params) error {
	if err := g.CheckCredentials(); err != nil {
		return err
	}
	client := g.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	ref := g.Ref
	if ref == "" {
		ref = "main"
	}
	payload, err := json.Marshal(dispatchRequest{Ref: ref, Inputs: params})
	if err != nil {
		return fmt.Errorf("marshal dispatch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.Endpoint(), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("workflow dispatch: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return &Error{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return nil
}
