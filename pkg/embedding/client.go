// Package embedding provides a client for interacting with embedding models.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"hr-smart-go/internal/apperr"
	"hr-smart-go/internal/config"
	"hr-smart-go/pkg/log"
)

// Client defines the interface for an embedding client.
// 所有失败都以 *apperr.ProviderError 形式返回，调用方据此决定是否降级。
type Client interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type openAICompatibleClient struct {
	cfg    config.EmbeddingConfig
	client *http.Client
}

// NewClient creates a new embedding client based on the config.
func NewClient(cfg config.EmbeddingConfig) Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &openAICompatibleClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed calls the OpenAI-compatible API to get the vector for a given text.
func (c *openAICompatibleClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch 批量向量化，单次请求内所有向量维度一致。
func (c *openAICompatibleClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, apperr.BadInput("texts", "empty batch")
	}
	log.Infof("[EmbeddingClient] 开始调用 Embedding API, model: %s, batch: %d", c.cfg.Model, len(texts))

	maxRetries := c.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			// 有限退避后重试瞬时故障
			select {
			case <-ctx.Done():
				return nil, apperr.NewProviderError("embedding", "embeddings", false, ctx.Err())
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
			log.Warnf("[EmbeddingClient] 第 %d 次重试 Embedding API", attempt)
		}

		vectors, err := c.embedOnce(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err

		var pe *apperr.ProviderError
		if errors.As(err, &pe) && !pe.Retryable {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, apperr.NewProviderError("embedding", "embeddings", false, ctx.Err())
		}
	}
	log.Errorf("[EmbeddingClient] 重试耗尽, 最后错误: %v", lastErr)
	return nil, lastErr
}

func (c *openAICompatibleClient) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := embeddingRequest{
		Model:      c.cfg.Model,
		Input:      texts,
		Dimensions: c.cfg.Dimensions,
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, apperr.NewProviderError("embedding", "embeddings", false,
			fmt.Errorf("failed to marshal embedding request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/embeddings", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, apperr.NewProviderError("embedding", "embeddings", false, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		log.Errorf("[EmbeddingClient] 调用 Embedding API 失败, error: %v", err)
		return nil, apperr.NewProviderError("embedding", "embeddings", true,
			fmt.Errorf("failed to call embedding api: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Errorf("[EmbeddingClient] Embedding API 返回非 200 状态码: %s", resp.Status)
		// 限流与服务端错误可重试，其余（如 401/400）不重试
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, apperr.NewProviderError("embedding", "embeddings", retryable,
			fmt.Errorf("embedding api returned non-200 status: %s", resp.Status))
	}

	var embeddingResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embeddingResp); err != nil {
		log.Errorf("[EmbeddingClient] 解析 Embedding API 响应失败, error: %v", err)
		return nil, apperr.NewProviderError("embedding", "embeddings", false,
			fmt.Errorf("failed to decode embedding response: %w", err))
	}

	if len(embeddingResp.Data) != len(texts) {
		log.Warnf("[EmbeddingClient] Embedding API 返回条数不匹配: want %d, got %d", len(texts), len(embeddingResp.Data))
		return nil, apperr.NewProviderError("embedding", "embeddings", false,
			fmt.Errorf("embedding api returned %d vectors for %d inputs", len(embeddingResp.Data), len(texts)))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range embeddingResp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, apperr.NewProviderError("embedding", "embeddings", false,
				fmt.Errorf("embedding api returned out-of-range index %d", d.Index))
		}
		if len(d.Embedding) == 0 {
			return nil, apperr.NewProviderError("embedding", "embeddings", false,
				errors.New("received empty embedding from api"))
		}
		if c.cfg.Dimensions > 0 && len(d.Embedding) != c.cfg.Dimensions {
			return nil, apperr.NewProviderError("embedding", "embeddings", false,
				fmt.Errorf("embedding dimensionality mismatch: want %d, got %d", c.cfg.Dimensions, len(d.Embedding)))
		}
		vectors[d.Index] = d.Embedding
	}

	log.Infof("[EmbeddingClient] 成功从 Embedding API 获取 %d 个向量, 维度: %d", len(vectors), len(vectors[0]))
	return vectors, nil
}
