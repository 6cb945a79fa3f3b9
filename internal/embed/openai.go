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

// OpenAI embedding API constants
const (
	DefaultOpenAIHost  = "https://api.openai.com/v1"
	DefaultOpenAIModel = "text-embedding-3-small"

	// OpenAIDimensions is the native dimensionality of text-embedding-3-*.
	// Matryoshka representation learning lets callers truncate via the
	// request's "dimensions" field without retraining the model.
	OpenAIDimensions = 1536

	// OpenAIBatchSize is the provider-recommended input count per request.
	OpenAIBatchSize = 32

	OpenAIConnectTimeout = 10 * time.Second
	OpenAIPoolSize       = 4
)

// openAIRegionHosts maps a region tag to its dedicated endpoint host.
var openAIRegionHosts = map[string]string{
	"us": "https://us.api.openai.com/v1",
	"eu": "https://eu.api.openai.com/v1",
}

// OpenAIConfig configures the OpenAI embedder.
type OpenAIConfig struct {
	APIKey string

	// Region selects a dedicated regional endpoint ("us", "eu", or "" for the
	// global endpoint). Mismatched keys and regions are rejected with a
	// message naming the host the key actually belongs to.
	Region string

	Model      string
	Dimensions int // 0 uses the model's native dimensionality
	BatchSize  int
	Timeout    time.Duration
	MaxRetries int
	PoolSize   int

	SkipValidation bool // skip key-format check, for testing
}

// DefaultOpenAIConfig returns sensible defaults.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		Model:      DefaultOpenAIModel,
		Dimensions: OpenAIDimensions,
		BatchSize:  OpenAIBatchSize,
		Timeout:    DefaultWarmTimeout,
		MaxRetries: DefaultMaxRetries,
		PoolSize:   OpenAIPoolSize,
	}
}

// OpenAIEmbedder generates embeddings via OpenAI's /embeddings endpoint.
type OpenAIEmbedder struct {
	client    *http.Client
	transport *http.Transport
	config    OpenAIConfig
	host      string
	dims      int

	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder creates a new OpenAI embedder.
func NewOpenAIEmbedder(ctx context.Context, cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = OpenAIDimensions
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = OpenAIBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWarmTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = OpenAIPoolSize
	}

	if !cfg.SkipValidation {
		if err := validateOpenAIKey(cfg.APIKey); err != nil {
			return nil, err
		}
	}

	host := DefaultOpenAIHost
	if cfg.Region != "" {
		regional, ok := openAIRegionHosts[strings.ToLower(cfg.Region)]
		if !ok {
			return nil, fmt.Errorf("openai: unknown region %q (expected \"us\" or \"eu\")", cfg.Region)
		}
		host = regional
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		MaxConnsPerHost:     cfg.PoolSize * 2,
		IdleConnTimeout:     10 * time.Second,
	}

	e := &OpenAIEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
		host:      host,
		dims:      cfg.Dimensions,
	}

	return e, nil
}

// validateOpenAIKey rejects obviously malformed keys before the first request.
func validateOpenAIKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("openai: API key is required")
	}
	if !strings.HasPrefix(key, "sk-") {
		return fmt.Errorf("openai: API key has unexpected format (expected \"sk-\" prefix)")
	}
	return nil
}

// Embed generates an embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("openai: no embedding returned")
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts, preserving input order
// across the provider's batch-size boundary.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
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
			return nil, fmt.Errorf("openai: batch embedding failed: %w", err)
		}
		copy(results[start:end], embeddings)
	}

	return results, nil
}

func (e *OpenAIEmbedder) doEmbedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error

	for attempt := 0; attempt < e.config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if attempt > 0 {
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
		lastErr = remapRegionError(err, e.config.Region)

		slog.Debug("openai_embedding_attempt_failed",
			slog.Int("attempt", attempt+1),
			slog.String("error", lastErr.Error()))

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("failed after %d attempts: %w", e.config.MaxRetries, lastErr)
}

// remapRegionError turns a region-mismatch API error into a message naming
// the host the key actually belongs to.
func remapRegionError(err error, region string) error {
	msg := err.Error()
	if !strings.Contains(msg, "not valid for this region") && !strings.Contains(msg, "wrong region") {
		return err
	}
	if region == "" {
		return fmt.Errorf("%w (this key requires a regional endpoint; set region to \"us\" or \"eu\")", err)
	}
	return fmt.Errorf("%w (key does not belong to region %q; check which host issued it)", err, region)
}

func (e *OpenAIEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	url := e.host + "/embeddings"

	reqBody := openAIEmbedRequest{
		Model:          e.config.Model,
		Input:          texts,
		Dimensions:     e.config.Dimensions,
		EncodingFormat: "float",
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

		var apiResult openAIEmbedResponse
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
func (e *OpenAIEmbedder) Dimensions() int { return e.dims }

// ModelName returns the model identifier.
func (e *OpenAIEmbedder) ModelName() string { return e.config.Model }

// Available checks whether the configured key can reach the API.
func (e *OpenAIEmbedder) Available(ctx context.Context) bool {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return false
	}
	e.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, OpenAIConnectTimeout)
	defer cancel()

	_, err := e.doEmbed(checkCtx, []string{"ping"})
	return err == nil
}

// Close releases resources.
func (e *OpenAIEmbedder) Close() error {
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

// SetBatchIndex is a no-op for remote providers; progressive timeout
// scaling applies only to local GPU-bound backends.
func (e *OpenAIEmbedder) SetBatchIndex(int) {}

// SetFinalBatch is a no-op for remote providers.
func (e *OpenAIEmbedder) SetFinalBatch(bool) {}

type openAIEmbedRequest struct {
	Model          string   `json:"model"`
	Input          []string `json:"input"`
	Dimensions     int      `json:"dimensions,omitempty"`
	EncodingFormat string   `json:"encoding_format,omitempty"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}
