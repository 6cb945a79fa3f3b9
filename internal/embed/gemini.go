package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Gemini embedding API constants
const (
	DefaultGeminiHost  = "https://generativelanguage.googleapis.com/v1beta"
	DefaultGeminiModel = "gemini-embedding-001"

	// GeminiDimensions is the default output dimensionality; the model also
	// supports a 1536-dimensional mode via outputDimensionality.
	GeminiDimensions = 768

	GeminiBatchSize      = 32
	GeminiConnectTimeout = 10 * time.Second
	GeminiPoolSize       = 4
)

// GeminiConfig configures the Gemini embedder.
type GeminiConfig struct {
	APIKey         string
	Model          string
	Dimensions     int // 768 or 1536; 0 defaults to 768
	BatchSize      int
	Timeout        time.Duration
	MaxRetries     int
	PoolSize       int
	SkipValidation bool
}

// DefaultGeminiConfig returns sensible defaults.
func DefaultGeminiConfig() GeminiConfig {
	return GeminiConfig{
		Model:      DefaultGeminiModel,
		Dimensions: GeminiDimensions,
		BatchSize:  GeminiBatchSize,
		Timeout:    DefaultWarmTimeout,
		MaxRetries: DefaultMaxRetries,
		PoolSize:   GeminiPoolSize,
	}
}

// GeminiEmbedder generates embeddings via Google's batchEmbedContents API.
type GeminiEmbedder struct {
	client    *http.Client
	transport *http.Transport
	config    GeminiConfig
	dims      int

	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*GeminiEmbedder)(nil)

// NewGeminiEmbedder creates a new Gemini embedder.
func NewGeminiEmbedder(ctx context.Context, cfg GeminiConfig) (*GeminiEmbedder, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	if cfg.Dimensions != 768 && cfg.Dimensions != 1536 {
		cfg.Dimensions = GeminiDimensions
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = GeminiBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWarmTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = GeminiPoolSize
	}

	if !cfg.SkipValidation {
		if err := validateGeminiKey(cfg.APIKey); err != nil {
			return nil, err
		}
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		MaxConnsPerHost:     cfg.PoolSize * 2,
		IdleConnTimeout:     10 * time.Second,
	}

	return &GeminiEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
		dims:      cfg.Dimensions,
	}, nil
}

// validateGeminiKey rejects obviously malformed keys before the first request.
func validateGeminiKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("gemini: API key is required")
	}
	if !strings.HasPrefix(key, "AIza") {
		return fmt.Errorf("gemini: API key has unexpected format (expected \"AIza\" prefix)")
	}
	return nil
}

// Embed generates an embedding for a single text.
func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("gemini: no embedding returned")
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts, preserving input order
// across the provider's batch-size boundary.
func (e *GeminiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("embedder is closed")
	}
	e.mu.RUnlock()

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += e.config.BatchSize {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		end := start + e.config.BatchSize
		if end > len(texts) {
			end = len(texts)
		}

		embeddings, err := e.doEmbedWithRetry(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("gemini: batch embedding failed: %w", err)
		}
		copy(results[start:end], embeddings)
	}

	return results, nil
}

// isRetriableGeminiError reports known-transient Gemini failures, including
// the provider's intermittent 400 "API key expired" bug that otherwise looks
// like a fatal auth error.
func isRetriableGeminiError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "rate") ||
		strings.Contains(msg, "api key expired")
}

func (e *GeminiEmbedder) doEmbedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error

	for attempt := 0; attempt < e.config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if attempt > 0 {
			if !isRetriableGeminiError(lastErr) {
				break
			}
			backoff := time.Duration(250<<attempt) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		timeoutCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		embeddings, err := e.doEmbed(timeoutCtx, texts)
		cancel()

		if err == nil {
			return embeddings, nil
		}
		lastErr = err

		slog.Debug("gemini_embedding_attempt_failed",
			slog.Int("attempt", attempt+1),
			slog.String("error", lastErr.Error()))

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("failed after %d attempts: %w", e.config.MaxRetries, lastErr)
}

func (e *GeminiEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	url := fmt.Sprintf("%s/models/%s:batchEmbedContents?key=%s", DefaultGeminiHost, e.config.Model, e.config.APIKey)

	requests := make([]geminiEmbedContentRequest, len(texts))
	for i, t := range texts {
		requests[i] = geminiEmbedContentRequest{
			Model:                "models/" + e.config.Model,
			Content:              geminiContent{Parts: []geminiPart{{Text: t}}},
			OutputDimensionality: e.config.Dimensions,
		}
	}
	reqBody := geminiBatchEmbedRequest{Requests: requests}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	type result struct {
		embeddings [][]float32
		err        error
	}
	resultCh := make(chan result, 1)

	go func() {
		resp, err := e.client.Do(req)
		if err != nil {
			resultCh <- result{nil, err}
			return
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			resultCh <- result{nil, fmt.Errorf("embedding failed with status %d: %s", resp.StatusCode, string(respBody))}
			return
		}

		var apiResult geminiBatchEmbedResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiResult); err != nil {
			resultCh <- result{nil, fmt.Errorf("failed to decode response: %w", err)}
			return
		}

		embeddings := make([][]float32, len(apiResult.Embeddings))
		for i, emb := range apiResult.Embeddings {
			embedding := make([]float32, len(emb.Values))
			for j, v := range emb.Values {
				embedding[j] = float32(v)
			}
			embeddings[i] = normalizeVector(embedding)
		}

		resultCh <- result{embeddings, nil}
	}()

	select {
	case <-ctx.Done():
		e.transport.CloseIdleConnections()
		select {
		case <-resultCh:
		case <-time.After(100 * time.Millisecond):
		}
		return nil, ctx.Err()
	case r := <-resultCh:
		return r.embeddings, r.err
	}
}

// Dimensions returns the embedding dimension.
func (e *GeminiEmbedder) Dimensions() int { return e.dims }

// ModelName returns the model identifier.
func (e *GeminiEmbedder) ModelName() string { return e.config.Model }

// Available checks whether the configured key can reach the API.
func (e *GeminiEmbedder) Available(ctx context.Context) bool {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return false
	}
	e.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, GeminiConnectTimeout)
	defer cancel()

	_, err := e.doEmbed(checkCtx, []string{"ping"})
	return err == nil
}

// Close releases resources.
func (e *GeminiEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	if e.transport != nil {
		e.transport.CloseIdleConnections()
	}
	return nil
}

// SetBatchIndex is a no-op for remote providers.
func (e *GeminiEmbedder) SetBatchIndex(int) {}

// SetFinalBatch is a no-op for remote providers.
func (e *GeminiEmbedder) SetFinalBatch(bool) {}

type geminiBatchEmbedRequest struct {
	Requests []geminiEmbedContentRequest `json:"requests"`
}

type geminiEmbedContentRequest struct {
	Model                string        `json:"model"`
	Content              geminiContent `json:"content"`
	OutputDimensionality int           `json:"outputDimensionality,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiBatchEmbedResponse struct {
	Embeddings []geminiEmbedding `json:"embeddings"`
}

type geminiEmbedding struct {
	Values []float64 `json:"values"`
}
