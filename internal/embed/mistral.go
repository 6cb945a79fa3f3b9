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

// Mistral embedding API constants
const (
	DefaultMistralHost  = "https://api.mistral.ai/v1"
	DefaultMistralModel = "codestral-embed"

	// MistralDimensions is the native dimensionality of codestral-embed.
	MistralDimensions = 1536

	MistralBatchSize      = 32
	MistralConnectTimeout = 10 * time.Second
	MistralPoolSize       = 4
)

// MistralConfig configures the Mistral embedder.
type MistralConfig struct {
	APIKey         string
	Model          string
	Dimensions     int // 1024-1536; 0 defaults to the model's native size
	BatchSize      int
	Timeout        time.Duration
	MaxRetries     int
	PoolSize       int
	SkipValidation bool
}

// DefaultMistralConfig returns sensible defaults.
func DefaultMistralConfig() MistralConfig {
	return MistralConfig{
		Model:      DefaultMistralModel,
		Dimensions: MistralDimensions,
		BatchSize:  MistralBatchSize,
		Timeout:    DefaultWarmTimeout,
		MaxRetries: DefaultMaxRetries,
		PoolSize:   MistralPoolSize,
	}
}

// MistralEmbedder generates embeddings via Mistral's /embeddings endpoint.
type MistralEmbedder struct {
	client    *http.Client
	transport *http.Transport
	config    MistralConfig
	dims      int

	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*MistralEmbedder)(nil)

// NewMistralEmbedder creates a new Mistral embedder.
func NewMistralEmbedder(ctx context.Context, cfg MistralConfig) (*MistralEmbedder, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultMistralModel
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = MistralDimensions
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = MistralBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWarmTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = MistralPoolSize
	}

	if !cfg.SkipValidation {
		if err := validateMistralKey(cfg.APIKey); err != nil {
			return nil, err
		}
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		MaxConnsPerHost:     cfg.PoolSize * 2,
		IdleConnTimeout:     10 * time.Second,
	}

	return &MistralEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
		dims:      cfg.Dimensions,
	}, nil
}

// validateMistralKey rejects obviously malformed keys before the first request.
func validateMistralKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("mistral: API key is required")
	}
	if strings.ContainsAny(key, " \t\n") {
		return fmt.Errorf("mistral: API key contains whitespace")
	}
	return nil
}

// Embed generates an embedding for a single text.
func (e *MistralEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("mistral: no embedding returned")
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts, preserving input order
// across the provider's batch-size boundary.
func (e *MistralEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
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
			return nil, fmt.Errorf("mistral: batch embedding failed: %w", err)
		}
		copy(results[start:end], embeddings)
	}

	return results, nil
}

func isRetriableMistralError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "quota") || strings.Contains(msg, "rate")
}

func (e *MistralEmbedder) doEmbedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error

	for attempt := 0; attempt < e.config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if attempt > 0 {
			if !isRetriableMistralError(lastErr) {
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

		slog.Debug("mistral_embedding_attempt_failed",
			slog.Int("attempt", attempt+1),
			slog.String("error", lastErr.Error()))

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("failed after %d attempts: %w", e.config.MaxRetries, lastErr)
}

func (e *MistralEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	url := DefaultMistralHost + "/embeddings"

	reqBody := mistralEmbedRequest{
		Model:           e.config.Model,
		Input:           texts,
		OutputDimension: e.config.Dimensions,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.config.APIKey)

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

		var apiResult mistralEmbedResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiResult); err != nil {
			resultCh <- result{nil, fmt.Errorf("failed to decode response: %w", err)}
			return
		}

		ordered := make([][]float32, len(apiResult.Data))
		for _, d := range apiResult.Data {
			if d.Index < 0 || d.Index >= len(ordered) {
				continue
			}
			embedding := make([]float32, len(d.Embedding))
			for j, v := range d.Embedding {
				embedding[j] = float32(v)
			}
			ordered[d.Index] = normalizeVector(embedding)
		}

		resultCh <- result{ordered, nil}
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
func (e *MistralEmbedder) Dimensions() int { return e.dims }

// ModelName returns the model identifier.
func (e *MistralEmbedder) ModelName() string { return e.config.Model }

// Available checks whether the configured key can reach the API.
func (e *MistralEmbedder) Available(ctx context.Context) bool {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return false
	}
	e.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, MistralConnectTimeout)
	defer cancel()

	_, err := e.doEmbed(checkCtx, []string{"ping"})
	return err == nil
}

// Close releases resources.
func (e *MistralEmbedder) Close() error {
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
func (e *MistralEmbedder) SetBatchIndex(int) {}

// SetFinalBatch is a no-op for remote providers.
func (e *MistralEmbedder) SetFinalBatch(bool) {}

type mistralEmbedRequest struct {
	Model           string   `json:"model"`
	Input           []string `json:"input"`
	OutputDimension int      `json:"output_dimension,omitempty"`
}

type mistralEmbedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}
