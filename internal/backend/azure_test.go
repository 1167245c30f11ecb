package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"ForestChat/internal/session"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func conversation() []session.Message {
	return []session.Message{
		{Role: session.RoleSystem, Content: "I am a hiking enthusiast named Forest"},
		{Role: session.RoleUser, Content: "A"},
		{Role: session.RoleAssistant, Content: "B"},
		{Role: session.RoleUser, Content: "C"},
	}
}

func writeChoice(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
		"id":    "chatcmpl-1",
		"model": "gpt-35-turbo",
		"choices": []map[string]interface{}{
			{"index": 0, "message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"},
			{"index": 1, "message": map[string]string{"role": "assistant", "content": "second choice"}, "finish_reason": "stop"},
		},
		"usage": map[string]int{"prompt_tokens": 42, "completion_tokens": 7, "total_tokens": 49},
	})
}

func TestAzureClient_Complete_RequestShape(t *testing.T) {
	var got AzureChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/openai/deployments/gpt-35-turbo/chat/completions", r.URL.Path)
		require.Equal(t, "2024-02-01", r.URL.Query().Get("api-version"))
		require.Equal(t, "secret", r.Header.Get("api-key"))
		require.Equal(t, "application/json", r.Header.Get("content-type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeChoice(w, "Try the Skyline Trail.")
	}))
	defer srv.Close()

	c, err := NewAzureClient(srv.URL+"/", "secret", "2024-02-01")
	require.NoError(t, err)

	completion, err := c.Complete(context.Background(), CompletionRequest{
		Messages:    conversation(),
		MaxTokens:   1200,
		Temperature: 0.7,
		Deployment:  "gpt-35-turbo",
	})
	require.NoError(t, err)
	require.Equal(t, "Try the Skyline Trail.", completion.Content)
	require.Equal(t, "stop", completion.FinishReason)

	require.Equal(t, 1200, got.MaxTokens)
	require.InDelta(t, 0.7, got.Temperature, 1e-6)
	require.Equal(t, []AzureMessage{
		{Role: "system", Content: "I am a hiking enthusiast named Forest"},
		{Role: "user", Content: "A"},
		{Role: "assistant", Content: "B"},
		{Role: "user", Content: "C"},
	}, got.Messages)
}

func TestAzureClient_Complete_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"401"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := NewAzureClient(srv.URL, "wrong", "2024-02-01")
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), CompletionRequest{Messages: conversation(), Deployment: "gpt-35-turbo"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	require.Contains(t, apiErr.Body, "401")
}

func TestAzureClient_Complete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"chatcmpl-1","choices":[]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c, err := NewAzureClient(srv.URL, "secret", "2024-02-01")
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), CompletionRequest{Messages: conversation(), Deployment: "gpt-35-turbo"})
	require.True(t, errors.Is(err, ErrEmptyResponse))
}

func TestAzureClient_Complete_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`)) //nolint:errcheck
	}))
	defer srv.Close()

	c, err := NewAzureClient(srv.URL, "secret", "2024-02-01")
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), CompletionRequest{Messages: conversation(), Deployment: "gpt-35-turbo"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to unmarshal response")
}

func TestAzureClient_Complete_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := NewAzureClient(url, "secret", "2024-02-01")
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), CompletionRequest{Messages: conversation(), Deployment: "gpt-35-turbo"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to send request")
}

func TestNewAzureClient_InvalidEndpoint(t *testing.T) {
	_, err := NewAzureClient("not a url", "secret", "2024-02-01")
	require.Error(t, err)
}

func TestAzureClient_Complete_Telemetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChoice(w, "Try the Skyline Trail.")
	}))
	defer srv.Close()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	c, err := NewAzureClient(srv.URL, "secret", "2024-02-01",
		WithTelemetry(tp.Tracer("test"), mp.Meter("test")))
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), CompletionRequest{Messages: conversation(), Deployment: "gpt-35-turbo"})
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "azure_openai_api_call", spans[0].Name())
	require.NotEqual(t, codes.Error, spans[0].Status().Code)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	require.True(t, names["http.client.request.duration"])
	require.True(t, names["llm.usage.total_tokens"])
	require.True(t, names["llm.usage.prompt_tokens"])
}

func TestAzureClient_Complete_ErrorSpan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	c, err := NewAzureClient(srv.URL, "secret", "2024-02-01",
		WithTelemetry(tp.Tracer("test"), sdkmetric.NewMeterProvider().Meter("test")))
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), CompletionRequest{Messages: conversation(), Deployment: "gpt-35-turbo"})
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, codes.Error, spans[0].Status().Code)
}
