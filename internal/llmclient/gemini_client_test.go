package llmclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/hostaudit/api/schemas"
	"github.com/xkilldash9x/hostaudit/internal/config"
)

// -- Test Setup Helpers --

// setupGeminiClient points a GeminiClient at a mock HTTP server.
func setupGeminiClient(t *testing.T, handler http.HandlerFunc) (*GeminiClient, *httptest.Server, *observer.ObservedLogs) {
	t.Helper()
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			t.Log("Warning: Unexpected HTTP request in test.")
			w.WriteHeader(http.StatusNotFound)
		}
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	loggerCore, observedLogs := observer.New(zap.InfoLevel)
	cfg := getValidLLMConfig()
	cfg.Endpoint = server.URL

	client, err := NewGeminiClient(cfg, zap.New(loggerCore))
	require.NoError(t, err, "NewGeminiClient initialization failed")
	client.httpClient.Timeout = 5 * time.Second
	client.backoffFactory = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 5 * time.Millisecond
		b.MaxInterval = 20 * time.Millisecond
		b.MaxElapsedTime = 2 * time.Second
		return b
	}
	return client, server, observedLogs
}

func createTestRequest() schemas.GenerationRequest {
	return schemas.GenerationRequest{
		SystemPrompt: "System prompt instructions.",
		UserPrompt:   "User query.",
		Options:      schemas.GenerationOptions{Temperature: 0.7},
	}
}

func writeCandidate(t *testing.T, w http.ResponseWriter, text string) {
	t.Helper()
	payload := GeminiResponsePayload{
		Candidates: []GeminiCandidate{{
			Content:      GeminiContent{Parts: []GeminiPart{{Text: text}}},
			FinishReason: "STOP",
		}},
		UsageMetadata: GeminiUsageMetadata{PromptTokenCount: 100, CandidatesTokenCount: 50, TotalTokenCount: 150},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	require.NoError(t, json.NewEncoder(w).Encode(payload))
}

// -- Test Cases: Initialization --

func TestNewGeminiClient(t *testing.T) {
	t.Run("should default the endpoint from the model name", func(t *testing.T) {
		cfg := getValidLLMConfig()
		client, err := NewGeminiClient(cfg, setupTestLogger(t))
		require.NoError(t, err)

		assert.Equal(t, cfg.APIKey, client.apiKey)
		assert.Equal(t, cfg.APITimeout, client.httpClient.Timeout)
		assert.Equal(t, fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", cfg.Model), client.endpoint)
		assert.NotNil(t, client.backoffFactory)
		assert.NoError(t, client.Close())
	})

	t.Run("should require an API key", func(t *testing.T) {
		cfg := getValidLLMConfig()
		cfg.APIKey = ""
		client, err := NewGeminiClient(cfg, setupTestLogger(t))
		assert.Nil(t, client)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Gemini API Key is required")
	})
}

// -- Test Cases: Request Payload Generation --

func TestBuildRequestPayload_Standard(t *testing.T) {
	client, _, _ := setupGeminiClient(t, nil)
	client.config.MaxTokens = 2048
	client.config.SafetyFilters = map[string]string{"CAT_A": "BLOCK_LOW", "CAT_B": "BLOCK_HIGH"}

	req := createTestRequest()
	req.Options.Temperature = 0.5

	payload := client.buildRequestPayload(req)

	require.NotNil(t, payload.SystemInstruction)
	require.Len(t, payload.Contents, 1)
	assert.Equal(t, req.SystemPrompt, payload.SystemInstruction.Parts[0].Text)
	assert.Equal(t, "user", payload.Contents[0].Role)
	assert.Equal(t, req.UserPrompt, payload.Contents[0].Parts[0].Text)

	assert.Equal(t, 0.5, payload.GenerationConfig.Temperature)
	assert.Equal(t, float32(0.9), payload.GenerationConfig.TopP)
	assert.Equal(t, 50, payload.GenerationConfig.TopK)
	assert.Equal(t, 2048, payload.GenerationConfig.MaxOutputTokens)
	assert.Empty(t, payload.GenerationConfig.ResponseMimeType)

	actualSafety := make(map[string]string)
	for _, setting := range payload.SafetySettings {
		actualSafety[setting.Category] = setting.Threshold
	}
	assert.Equal(t, client.config.SafetyFilters, actualSafety)
}

func TestBuildRequestPayload_Overrides(t *testing.T) {
	client, _, _ := setupGeminiClient(t, nil)
	client.config.MaxTokens = 1024

	req := schemas.GenerationRequest{
		UserPrompt: "q",
		Options:    schemas.GenerationOptions{ForceJSONFormat: true, MaxOutputTokens: 4096},
	}
	payload := client.buildRequestPayload(req)

	assert.Equal(t, "application/json", payload.GenerationConfig.ResponseMimeType)
	assert.Equal(t, 4096, payload.GenerationConfig.MaxOutputTokens)
	assert.InDelta(t, 0.7, payload.GenerationConfig.Temperature, 1e-6, "zero temperature falls back to the model config")
	assert.Nil(t, payload.SystemInstruction)
}

// -- Test Cases: Generate --

func TestGenerate_Success(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "test-api-key", r.Header.Get("x-goog-api-key"))
		assert.Empty(t, r.URL.Query().Get("key"), "the key travels in a header only")

		body, _ := io.ReadAll(r.Body)
		var payload GeminiRequestPayload
		require.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, "User query.", payload.Contents[0].Parts[0].Text)

		writeCandidate(t, w, "This is the generated content.")
	}

	client, _, observedLogs := setupGeminiClient(t, handler)
	response, err := client.Generate(context.Background(), createTestRequest())

	require.NoError(t, err)
	assert.Equal(t, "This is the generated content.", response)

	require.Equal(t, 1, observedLogs.Len())
	logEntry := observedLogs.All()[0]
	assert.Equal(t, "LLM generation complete (Gemini)", logEntry.Message)
	assert.Equal(t, int64(100), logEntry.ContextMap()["prompt_tokens"])
	assert.Equal(t, int64(50), logEntry.ContextMap()["completion_tokens"])
	for _, f := range logEntry.Context {
		assert.NotContains(t, f.String, "test-api-key", "the API key must never be logged")
	}
}

func TestGenerate_JoinsMultipleParts(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		payload := GeminiResponsePayload{Candidates: []GeminiCandidate{{
			Content: GeminiContent{Parts: []GeminiPart{{Text: `{"a":`}, {Text: `1}`}}},
		}}}
		require.NoError(t, json.NewEncoder(w).Encode(payload))
	}
	client, _, _ := setupGeminiClient(t, handler)

	response, err := client.Generate(context.Background(), createTestRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, response)
}

func TestGenerate_RetryOnTransientErrors(t *testing.T) {
	var attemptCounter int32
	const expectedAttempts = 3

	handler := func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attemptCounter, 1) < expectedAttempts {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("Service temporarily unavailable."))
			return
		}
		writeCandidate(t, w, "Success after retry")
	}

	client, _, observedLogs := setupGeminiClient(t, handler)
	response, err := client.Generate(context.Background(), createTestRequest())

	require.NoError(t, err)
	assert.Equal(t, "Success after retry", response)
	assert.Equal(t, int32(expectedAttempts), atomic.LoadInt32(&attemptCounter))
	assert.Equal(t, expectedAttempts-1, observedLogs.FilterLevelExact(zap.ErrorLevel).Len())
}

func TestGenerate_RetryOnNetworkError(t *testing.T) {
	client, server, observedLogs := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler reached despite server being closed.")
	})
	client.backoffFactory = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Millisecond), 3)
	}
	server.Close()

	_, err := client.Generate(context.Background(), createTestRequest())
	require.Error(t, err)

	warnLogs := observedLogs.FilterLevelExact(zap.WarnLevel)
	assert.Equal(t, 4, warnLogs.Len(), "one warning per attempt")
	assert.Contains(t, warnLogs.All()[0].Message, "Network error during LLM request, retrying...")
}

func TestGenerate_NoRetryOnPermanentErrors(t *testing.T) {
	var attemptCounter int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attemptCounter, 1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("API Key Invalid"))
	}

	client, _, observedLogs := setupGeminiClient(t, handler)
	response, err := client.Generate(context.Background(), createTestRequest())

	require.Error(t, err)
	assert.Empty(t, response)
	assert.Contains(t, err.Error(), "gemini API error: status 403")
	assert.Equal(t, int32(1), atomic.LoadInt32(&attemptCounter), "Permanent errors must not trigger retries")

	errorLogs := observedLogs.FilterLevelExact(zap.ErrorLevel)
	require.Equal(t, 1, errorLogs.Len())
	assert.Equal(t, "Gemini API returned error status", errorLogs.All()[0].Message)
	assert.Equal(t, int64(403), errorLogs.All()[0].ContextMap()["status"])
}

func TestGenerate_Failure_SafetyBlock(t *testing.T) {
	var attemptCounter int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attemptCounter, 1)
		payload := GeminiResponsePayload{Candidates: []GeminiCandidate{{FinishReason: "SAFETY"}}}
		require.NoError(t, json.NewEncoder(w).Encode(payload))
	}

	client, _, _ := setupGeminiClient(t, handler)
	response, err := client.Generate(context.Background(), createTestRequest())

	require.Error(t, err)
	assert.Empty(t, response)
	assert.Contains(t, err.Error(), "gemini API blocked the request (Reason: SAFETY)")
	assert.Equal(t, int32(1), atomic.LoadInt32(&attemptCounter))
}

func TestGenerate_Failure_NoCandidates(t *testing.T) {
	client, _, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	})
	_, err := client.Generate(context.Background(), createTestRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no candidates")
}

func TestGenerate_ContextCancellation(t *testing.T) {
	release := make(chan struct{})
	client, _, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Generate(ctx, createTestRequest())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, strings.Contains(err.Error(), "aborted") || strings.Contains(err.Error(), "context"), err.Error())
}

func TestGenerate_ConfigTimeoutIsUsed(t *testing.T) {
	cfg := getValidLLMConfig()
	cfg.APITimeout = 3 * time.Second
	client, err := NewGeminiClient(cfg, setupTestLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, client.httpClient.Timeout)
	assert.Equal(t, config.ProviderGemini, client.config.Provider)
}
