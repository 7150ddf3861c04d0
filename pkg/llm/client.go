// Package llm provides a client for interacting with Large Language Models.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"hr-smart-go/internal/apperr"
	"hr-smart-go/internal/config"
	"hr-smart-go/pkg/log"
)

// Message 表示一条角色消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams 控制生成行为；nil 字段回退到配置中的默认值。
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	// JSONOutput 为 true 时要求服务端以 json_object 约束输出。
	JSONOutput bool
}

// Client defines the interface for an LLM client.
// 所有失败都以 *apperr.ProviderError 形式返回。
type Client interface {
	Complete(ctx context.Context, messages []Message, gen *GenerationParams) (string, error)
}

type openAICompatibleClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewClient creates a new LLM client based on the config.
func NewClient(cfg config.LLMConfig) Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &openAICompatibleClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Stream         bool            `json:"stream"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete 以 role-based 消息调用聊天补全接口，返回完整文本。
func (c *openAICompatibleClient) Complete(ctx context.Context, messages []Message, gen *GenerationParams) (string, error) {
	if len(messages) == 0 {
		return "", apperr.BadInput("messages", "empty message list")
	}

	maxRetries := c.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", apperr.NewProviderError("llm", "chat/completions", false, ctx.Err())
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
			log.Warnf("[LLMClient] 第 %d 次重试 Chat API", attempt)
		}

		content, err := c.completeOnce(ctx, messages, gen)
		if err == nil {
			return content, nil
		}
		lastErr = err

		var pe *apperr.ProviderError
		if errors.As(err, &pe) && !pe.Retryable {
			return "", err
		}
		if ctx.Err() != nil {
			return "", apperr.NewProviderError("llm", "chat/completions", false, ctx.Err())
		}
	}
	log.Errorf("[LLMClient] 重试耗尽, 最后错误: %v", lastErr)
	return "", lastErr
}

func (c *openAICompatibleClient) completeOnce(ctx context.Context, messages []Message, gen *GenerationParams) (string, error) {
	reqBody := chatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Stream:   false,
	}
	// 传参优先，否则从全局配置注入（若非零值）
	if gen != nil {
		reqBody.Temperature = gen.Temperature
		reqBody.TopP = gen.TopP
		reqBody.MaxTokens = gen.MaxTokens
		if gen.JSONOutput {
			reqBody.ResponseFormat = &responseFormat{Type: "json_object"}
		}
	}
	if reqBody.Temperature == nil && c.cfg.Generation.Temperature != 0 {
		t := c.cfg.Generation.Temperature
		reqBody.Temperature = &t
	}
	if reqBody.TopP == nil && c.cfg.Generation.TopP != 0 {
		p := c.cfg.Generation.TopP
		reqBody.TopP = &p
	}
	if reqBody.MaxTokens == nil && c.cfg.Generation.MaxTokens != 0 {
		m := c.cfg.Generation.MaxTokens
		reqBody.MaxTokens = &m
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", apperr.NewProviderError("llm", "chat/completions", false,
			fmt.Errorf("failed to marshal chat request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return "", apperr.NewProviderError("llm", "chat/completions", false, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", apperr.NewProviderError("llm", "chat/completions", true,
			fmt.Errorf("failed to call chat api: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		log.Errorf("[LLMClient] Chat API 返回非 200 状态码: %s, body: %s", resp.Status, string(bodyBytes))
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return "", apperr.NewProviderError("llm", "chat/completions", retryable,
			fmt.Errorf("chat api returned non-200 status: %s", resp.Status))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", apperr.NewProviderError("llm", "chat/completions", false,
			fmt.Errorf("failed to decode chat response: %w", err))
	}

	if len(chatResp.Choices) == 0 {
		return "", apperr.NewProviderError("llm", "chat/completions", false,
			errors.New("chat api returned no choices"))
	}

	return chatResp.Choices[0].Message.Content, nil
}
