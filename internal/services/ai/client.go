package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/motherschat/chat-backend/internal/config"
	"github.com/motherschat/chat-backend/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ProviderError is any failure talking to the model provider:
// transport, timeout, non-200 status, or an unusable response body.
// Surfaced to the caller as a 502-class failure, never retried
// automatically.
type ProviderError struct {
	Model      string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider request for %s failed with status %d: %v", e.Model, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider request for %s failed: %v", e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Service is the model provider boundary.
type Service interface {
	Complete(ctx context.Context, modelID string, messages []models.Message, temperature float64) (string, error)
	GetModelByID(modelID string) (*ModelOption, error)
	GetAvailableModels() []ModelOption
}

// ModelOption is one selectable model with its endpoint binding.
type ModelOption struct {
	ID           string
	Name         string
	EndpointName string
	MaxTokens    int
}

// Client talks to OpenAI-compatible chat-completions endpoints.
type Client struct {
	config     *config.ModelsConfig
	endpoints  map[string]*config.ModelEndpoint
	models     map[string]*ModelOption
	httpClient *http.Client
	throttle   *rate.Limiter
	logger     *logrus.Logger
}

// NewClient builds the endpoint/model registry from configuration.
func NewClient(cfg *config.ModelsConfig, logger *logrus.Logger) Service {
	endpoints := make(map[string]*config.ModelEndpoint)
	modelOptions := make(map[string]*ModelOption)

	logger.WithField("endpointCount", len(cfg.Endpoints)).Info("Loading model endpoints")

	for i := range cfg.Endpoints {
		endpoint := &cfg.Endpoints[i]
		endpoints[endpoint.Name] = endpoint

		logger.WithFields(logrus.Fields{
			"endpoint": endpoint.Name,
			"baseURL":  endpoint.BaseURL,
			"models":   len(endpoint.Models),
		}).Info("Loading endpoint")

		for j := range endpoint.Models {
			model := &endpoint.Models[j]
			modelOptions[model.ID] = &ModelOption{
				ID:           model.ID,
				Name:         model.Name,
				EndpointName: endpoint.Name,
				MaxTokens:    model.MaxTokens,
			}
		}
	}

	logger.WithField("totalModels", len(modelOptions)).Info("Provider client initialized")

	// An unset throttle means unthrottled, not blocked.
	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
		if burst < 1 {
			burst = 1
		}
	}

	return &Client{
		config:    cfg,
		endpoints: endpoints,
		models:    modelOptions,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		throttle: rate.NewLimiter(limit, burst),
		logger:   logger,
	}
}

// Complete performs a single completion call. One attempt only: a
// failed provider call is terminal for the request.
func (c *Client) Complete(ctx context.Context, modelID string, messages []models.Message, temperature float64) (string, error) {
	modelOption, err := c.GetModelByID(modelID)
	if err != nil {
		return "", &ProviderError{Model: modelID, Err: err}
	}

	endpoint, exists := c.endpoints[modelOption.EndpointName]
	if !exists {
		return "", &ProviderError{Model: modelID, Err: fmt.Errorf("endpoint not found: %s", modelOption.EndpointName)}
	}

	// Client-side throttle across all callers; the context deadline
	// still bounds the wait.
	if err := c.throttle.Wait(ctx); err != nil {
		return "", &ProviderError{Model: modelID, Err: err}
	}

	reqBody := map[string]interface{}{
		"model":       modelID,
		"messages":    messages,
		"temperature": temperature,
	}
	if modelOption.MaxTokens > 0 {
		reqBody["max_tokens"] = modelOption.MaxTokens
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", &ProviderError{Model: modelID, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/chat/completions", strings.TrimSuffix(endpoint.BaseURL, "/"))
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", &ProviderError{Model: modelID, Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", endpoint.APIKey))

	c.logger.WithFields(logrus.Fields{
		"model":    modelID,
		"endpoint": endpoint.Name,
		"messages": len(messages),
	}).Debug("Sending provider request")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ProviderError{Model: modelID, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ProviderError{Model: modelID, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"body":   string(body),
			"model":  modelID,
		}).Error("Provider request failed")
		return "", &ProviderError{Model: modelID, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", string(body))}
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := json.Unmarshal(body, &result); err != nil {
		return "", &ProviderError{Model: modelID, Err: fmt.Errorf("failed to parse response: %w", err)}
	}

	if result.Error.Message != "" {
		return "", &ProviderError{Model: modelID, Err: fmt.Errorf("provider error: %s", result.Error.Message)}
	}

	if len(result.Choices) == 0 || result.Choices[0].Message.Content == "" {
		return "", &ProviderError{Model: modelID, Err: fmt.Errorf("empty completion")}
	}

	c.logger.WithFields(logrus.Fields{
		"model":    modelID,
		"duration": time.Since(start),
	}).Debug("Provider request completed")

	return result.Choices[0].Message.Content, nil
}

// GetAvailableModels returns all configured models.
func (c *Client) GetAvailableModels() []ModelOption {
	out := make([]ModelOption, 0, len(c.models))
	for _, model := range c.models {
		out = append(out, *model)
	}
	return out
}

// GetModelByID returns a model by its ID.
func (c *Client) GetModelByID(modelID string) (*ModelOption, error) {
	model, exists := c.models[modelID]
	if !exists {
		return nil, fmt.Errorf("model not found: %s", modelID)
	}
	return model, nil
}
