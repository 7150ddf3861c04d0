package service

import (
	"context"
	"encoding/json"
	"strings"

	"hr-smart-go/internal/apperr"
	"hr-smart-go/internal/model"
	"hr-smart-go/pkg/llm"
	"hr-smart-go/pkg/log"
)

// 超过该长度的话语在分类前被截断。
const defaultMaxUtteranceRunes = 5000

// 意图分类的系统提示，要求模型以严格 JSON 结构输出。
const intentSystemPrompt = `You are an HR assistant intent classifier. Analyze the user's message and classify it into one of these intents:

1. policy_question - Questions about company policies, leave, benefits, expenses, etc.
2. request_submission - Requests to update information, submit leave, expenses, etc.
3. status_check - Checking status of a request, leave balance, etc.
4. general_inquiry - General questions about the company or HR matters
5. greeting - Greetings like hello, hi, good morning
6. unknown - Cannot determine intent

Also extract any relevant entities (dates, amounts, request types).

Respond in JSON format:
{
  "intent": "one of the above intents",
  "confidence": 0.0-1.0,
  "entities": { extracted entities }
}`

// IntentService 定义了意图分类操作。
type IntentService interface {
	// Classify 对用户话语做意图分类。
	// 提供方失败、输出无法解析或标签不在闭集内时，一律返回
	// {unknown, 0, {}} 而非错误——单条畸形补全不允许中断会话流程。
	// 仅空话语返回 BadInputError（在任何外部调用之前）。
	Classify(ctx context.Context, utterance string) (model.IntentClassification, error)
}

type intentService struct {
	llmClient llm.Client
	maxRunes  int
}

// NewIntentService 创建一个新的 IntentService 实例。
func NewIntentService(llmClient llm.Client, maxRunes int) IntentService {
	if maxRunes <= 0 {
		maxRunes = defaultMaxUtteranceRunes
	}
	return &intentService{llmClient: llmClient, maxRunes: maxRunes}
}

// Classify 对用户话语做意图分类。
func (s *intentService) Classify(ctx context.Context, utterance string) (model.IntentClassification, error) {
	if strings.TrimSpace(utterance) == "" {
		return model.UnknownClassification(), apperr.BadInput("utterance", "empty utterance")
	}
	utterance = truncateRunes(utterance, s.maxRunes)

	temperature := 0.3
	raw, err := s.llmClient.Complete(ctx, []llm.Message{
		{Role: model.RoleSystem, Content: intentSystemPrompt},
		{Role: model.RoleUser, Content: utterance},
	}, &llm.GenerationParams{Temperature: &temperature, JSONOutput: true})
	if err != nil {
		// 兜底而非传播：分类失败时会话以 unknown 意图继续
		log.Warnf("[IntentService] 意图分类调用失败, 回退 unknown: %v", err)
		return model.UnknownClassification(), nil
	}

	parsed, ok := parseClassification(raw)
	if !ok {
		log.Warnf("[IntentService] 意图分类输出无法解析, 回退 unknown, raw_len=%d", len(raw))
		return model.UnknownClassification(), nil
	}

	log.Infof("[IntentService] 意图分类完成: intent=%s, confidence=%.2f", parsed.Intent, parsed.Confidence)
	return parsed, nil
}

// parseClassification 将模型输出解析为分类结果。
// 任何结构缺陷（非 JSON、缺字段、标签越界）都视为不可解析。
func parseClassification(raw string) (model.IntentClassification, bool) {
	raw = strings.TrimSpace(raw)
	// 兼容被 markdown 代码块包裹的输出
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var out struct {
		Intent     string                 `json:"intent"`
		Confidence float64                `json:"confidence"`
		Entities   map[string]interface{} `json:"entities"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return model.IntentClassification{}, false
	}

	intent := model.Intent(out.Intent)
	if !model.ValidIntent(intent) {
		return model.IntentClassification{}, false
	}

	// 置信度为提供方上报值，仅做范围收敛，不做二次校准
	confidence := out.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	entities := out.Entities
	if entities == nil {
		entities = map[string]interface{}{}
	}

	return model.IntentClassification{
		Intent:     intent,
		Confidence: confidence,
		Entities:   entities,
	}, true
}

// truncateRunes 将字符串截断到最多 n 个 rune。
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
