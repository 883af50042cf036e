// Package planner is the L2 decision layer: it asks a configured LLM
// provider to pick a runbook for an incident, parses the structured
// response, and applies local guardrails before anything executes.
//
// PII is scrubbed locally before the incident leaves the appliance.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Provider is the LLM capability the planner depends on. Failures are
// ordinary errors; the healing engine routes them to L3.
type Provider interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Name() string
	Model() string
}

// HTTPProvider calls a JSON completion endpoint with a bearer key.
type HTTPProvider struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewHTTPProvider creates the provider. timeout bounds every call.
func NewHTTPProvider(endpoint, apiKey, model string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Name() string  { return "http" }
func (p *HTTPProvider) Model() string { return p.model }

type completionRequest struct {
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
	UserPrompt   string `json:"user_prompt"`
	MaxTokens    int    `json:"max_tokens"`
}

type completionResponse struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Complete posts the prompts and returns the raw completion text.
func (p *HTTPProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	body, err := json.Marshal(completionRequest{
		Model:        p.model,
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		MaxTokens:    1024,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("provider returned %d: %s", resp.StatusCode, truncate(string(respBody), 300))
	}

	var cr completionResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if cr.Error != "" {
		return "", fmt.Errorf("provider error: %s", cr.Error)
	}
	return cr.Content, nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
