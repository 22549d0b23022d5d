// Package embedding wraps the remote text+image embedding service. One
// Client is shared process-wide; it is safe for concurrent use.
package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinrag/clinrag/internal/platform/errs"
	"github.com/clinrag/clinrag/internal/platform/retry"
)

// Dimensions are parameterized per model family. Text embeddings feed the
// clinical-note and knowledge-graph columns; image embeddings feed the
// radiology image column.
const (
	TextDim  = 384
	ImageDim = 1024

	batchTimeout = 30 * time.Second
)

// InputType distinguishes stored passages from search queries; asymmetric
// embedding models produce different vectors for the two.
type InputType string

const (
	InputPassage InputType = "passage"
	InputQuery   InputType = "query"
)

type embedRequest struct {
	Input     []string `json:"input"`
	Model     string   `json:"model"`
	InputType string   `json:"input_type"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// Client talks to an embedding service exposing the JSON contract
// {input, model, input_type} -> {data:[{embedding}], model, usage}.
// After a failed health check the client downgrades to a sticky mock mode
// that returns zero-vectors; callers observe the downgrade via MockMode.
type Client struct {
	baseURL    string
	textModel  string
	imageModel string
	httpc      *http.Client
	policy     retry.Policy
	logger     zerolog.Logger

	mu   sync.Mutex
	mock bool
}

// NewClient builds a Client. No network traffic happens until the first
// embed call or HealthCheck.
func NewClient(baseURL, textModel, imageModel string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		textModel:  textModel,
		imageModel: imageModel,
		httpc:      &http.Client{Timeout: batchTimeout},
		policy:     retry.Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second},
		logger:     logger,
	}
}

// MockMode reports whether the client has downgraded to zero-vector mode.
func (c *Client) MockMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mock
}

// HealthCheck embeds a trivial probe string and verifies the dimension. On
// failure the client enters mock mode permanently and the error is returned
// so callers can log the downgrade.
func (c *Client) HealthCheck(ctx context.Context) error {
	vec, err := c.embed(ctx, []string{"test"}, c.textModel, InputQuery, TextDim)
	if err == nil && len(vec) == 1 && len(vec[0]) == TextDim {
		return nil
	}
	if err == nil {
		err = fmt.Errorf("probe embedding has wrong shape")
	}

	c.mu.Lock()
	c.mock = true
	c.mu.Unlock()
	c.logger.Warn().Err(err).Msg("embedding service health check failed, downgrading to mock embeddings")
	return err
}

// EmbedText embeds a search query with the text model (384 dimensions).
func (c *Client) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.embed(ctx, []string{text}, c.textModel, InputQuery, TextDim)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedImageQuery embeds a search query in the image-vector space (1024
// dimensions). The image model is multimodal: text queries land in the same
// space as stored image vectors.
func (c *Client) EmbedImageQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.embed(ctx, []string{text}, c.imageModel, InputQuery, ImageDim)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedImage embeds raw image bytes with the image model (1024 dimensions).
func (c *Client) EmbedImage(ctx context.Context, data []byte) ([]float32, error) {
	uri := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data)
	vecs, err := c.embed(ctx, []string{uri}, c.imageModel, InputPassage, ImageDim)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds ingestion passages in the image-vector space, one vector
// per input, in input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return c.embed(ctx, texts, c.imageModel, InputPassage, ImageDim)
}

func (c *Client) embed(ctx context.Context, inputs []string, model string, inputType InputType, wantDim int) ([][]float32, error) {
	if c.MockMode() {
		return mockVectors(len(inputs), wantDim), nil
	}

	body, err := json.Marshal(embedRequest{Input: inputs, Model: model, InputType: string(inputType)})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	var resp embedResponse
	err = c.policy.Do(ctx, func() error {
		reqCtx, cancel := context.WithTimeout(ctx, batchTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build embedding request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		res, err := c.httpc.Do(req)
		if err != nil {
			return fmt.Errorf("call embedding service: %w", err)
		}
		defer res.Body.Close()

		if res.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
			return fmt.Errorf("embedding service returned %d: %s", res.StatusCode, snippet)
		}

		resp = embedResponse{}
		if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
			return fmt.Errorf("decode embedding response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, errs.Unavailable("embedding service", err)
	}

	if len(resp.Data) != len(inputs) {
		return nil, errs.Dataf(nil, "embedding count mismatch: sent %d inputs, got %d vectors", len(inputs), len(resp.Data))
	}

	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		if len(d.Embedding) != wantDim {
			return nil, errs.Dataf(nil, "embedding dimension mismatch: want %d, got %d (model %s)", wantDim, len(d.Embedding), model)
		}
		out[i] = normalize(d.Embedding)
	}
	return out, nil
}

func mockVectors(n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, dim)
	}
	return out
}

// normalize rescales v to unit L2 norm. Zero vectors are returned unchanged.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
