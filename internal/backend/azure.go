package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ForestChat/internal/session"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// ErrEmptyResponse is returned when the service answers without any choices
var ErrEmptyResponse = errors.New("empty response from Azure OpenAI")

// APIError is a non-2xx answer from the completion service
type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: %s - %s", e.Status, e.Body)
}

// Completer sends a conversation to a model and returns its reply
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// CompletionRequest is built fresh from the history on every turn
type CompletionRequest struct {
	Messages    []session.Message
	MaxTokens   int
	Temperature float32
	Deployment  string
}

// Completion is the primary choice of a completion response
type Completion struct {
	Content      string
	FinishReason string
	Usage        map[string]interface{}
}

// AzureChatRequest represents the request body for Azure OpenAI chat completions
type AzureChatRequest struct {
	Messages    []AzureMessage `json:"messages"`
	MaxTokens   int            `json:"max_tokens"`
	Temperature float32        `json:"temperature"`
}

// AzureMessage represents a message on the wire
type AzureMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AzureChatResponse represents the response from Azure OpenAI chat completions
type AzureChatResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int          `json:"index"`
		Message      AzureMessage `json:"message"`
		FinishReason string       `json:"finish_reason"`
	} `json:"choices"`
	Usage map[string]interface{} `json:"usage"`
}

// AzureClient calls an Azure OpenAI deployment over HTTPS
type AzureClient struct {
	endpoint   string
	apiKey     string
	apiVersion string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	meter      metric.Meter
	duration   metric.Float64Histogram
}

// AzureOption configures an AzureClient
type AzureOption func(*AzureClient)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(c *http.Client) AzureOption {
	return func(a *AzureClient) { a.httpClient = c }
}

// WithLogger sets the structured logger
func WithLogger(l *slog.Logger) AzureOption {
	return func(a *AzureClient) { a.logger = l }
}

// WithTelemetry sets the tracer and meter used for every call
func WithTelemetry(tracer trace.Tracer, meter metric.Meter) AzureOption {
	return func(a *AzureClient) {
		a.tracer = tracer
		a.meter = meter
	}
}

// NewAzureClient creates a client for the resource at endpoint
func NewAzureClient(endpoint, apiKey, apiVersion string, opts ...AzureOption) (*AzureClient, error) {
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	// No client timeout: a turn waits for the transport to succeed or fail.
	c := &AzureClient{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		apiVersion: apiVersion,
		httpClient: &http.Client{},
		logger:     slog.Default(),
		tracer:     tracenoop.NewTracerProvider().Tracer("forestchat"),
		meter:      metricnoop.NewMeterProvider().Meter("forestchat"),
	}
	for _, opt := range opts {
		opt(c)
	}

	histogram, err := c.meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	c.duration = histogram

	return c, nil
}

func (c *AzureClient) completionsURL(deployment string) string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		c.endpoint, url.PathEscape(deployment), url.QueryEscape(c.apiVersion))
}

// Complete calls the chat completions API and returns choice 0
func (c *AzureClient) Complete(ctx context.Context, cr CompletionRequest) (*Completion, error) {
	ctx, span := c.tracer.Start(ctx, "azure_openai_api_call", trace.WithAttributes(
		attribute.String("deployment", cr.Deployment),
		attribute.Int("message_count", len(cr.Messages)),
		attribute.Int("max_tokens", cr.MaxTokens),
	))
	defer span.End()

	completion, err := c.complete(ctx, cr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("finish_reason", completion.FinishReason))
	return completion, nil
}

func (c *AzureClient) complete(ctx context.Context, cr CompletionRequest) (*Completion, error) {
	start := time.Now()

	reqMessages := make([]AzureMessage, len(cr.Messages))
	for i, msg := range cr.Messages {
		reqMessages[i] = AzureMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	reqBody := AzureChatRequest{
		Messages:    reqMessages,
		MaxTokens:   cr.MaxTokens,
		Temperature: cr.Temperature,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.completionsURL(cr.Deployment), bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("api-key", c.apiKey)
	req.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.Int("status_code", resp.StatusCode)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("completion request rejected", "status", resp.StatusCode, "deployment", cr.Deployment)
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}

	var apiResp AzureChatResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	c.recordUsage(ctx, apiResp.Usage)

	if len(apiResp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	c.logger.Info("completion received",
		"deployment", cr.Deployment,
		"model", apiResp.Model,
		"finish_reason", apiResp.Choices[0].FinishReason,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &Completion{
		Content:      apiResp.Choices[0].Message.Content,
		FinishReason: apiResp.Choices[0].FinishReason,
		Usage:        apiResp.Usage,
	}, nil
}

// recordUsage records OpenTelemetry metrics from usage data
func (c *AzureClient) recordUsage(ctx context.Context, usage map[string]interface{}) {
	for key, value := range usage {
		n, ok := value.(float64)
		if !ok {
			continue
		}
		counter, err := c.meter.Int64Counter(
			fmt.Sprintf("llm.usage.%s", key),
			metric.WithDescription(fmt.Sprintf("LLM usage metric: %s", key)),
		)
		if err != nil {
			c.logger.Warn("failed to create counter", "key", key, "error", err)
			continue
		}
		counter.Add(ctx, int64(n))
	}
}
