package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"hr-smart-go/internal/apperr"
	"hr-smart-go/internal/config"
	"hr-smart-go/internal/model"
	"hr-smart-go/pkg/llm"
	"hr-smart-go/pkg/log"
)

// PolicyExcerpt 是参与回答合成的策略片段。
type PolicyExcerpt struct {
	ID      string
	Title   string
	Content string
}

// Answer 是一次 grounded 合成的结果：回答文本 + 引用来源。
// Sources 逐条取自输入片段，与生成文本无关，保证引用永远指向真实文档。
type Answer struct {
	Text    string
	Sources []model.PolicySource
}

// AnswerService 定义了回答合成相关的生成操作。
type AnswerService interface {
	// SynthesizePolicyAnswer 基于检索片段合成 grounded 回答。
	// 生成失败时错误向上传播——给出无依据的回答比报错更糟。
	// 片段为空时仍然调用生成，并要求模型明确说明信息不足。
	SynthesizePolicyAnswer(ctx context.Context, query string, excerpts []PolicyExcerpt, jurisdiction string) (*Answer, error)
	// GenerateReply 基于最近会话历史做通用回复，不经检索。
	GenerateReply(ctx context.Context, history []model.HistoryMessage, jurisdiction string) (string, error)
	// ExtractRequestFields 从话语中尽力抽取结构化请求字段。
	// 缺失字段直接省略，绝不编造；提供方失败返回空 map 而非错误。
	ExtractRequestFields(ctx context.Context, utterance, requestType string) (map[string]interface{}, error)
}

type answerService struct {
	llmClient llm.Client
}

// NewAnswerService 创建一个新的 AnswerService 实例。
func NewAnswerService(llmClient llm.Client) AnswerService {
	return &answerService{llmClient: llmClient}
}

// SynthesizePolicyAnswer 基于检索片段合成 grounded 回答。
func (s *answerService) SynthesizePolicyAnswer(ctx context.Context, query string, excerpts []PolicyExcerpt, jurisdiction string) (*Answer, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperr.BadInput("query", "empty query")
	}

	systemMsg := buildPolicySystemMessage(excerpts, jurisdiction)

	temperature := 0.5
	log.Infof("[AnswerService] 开始合成回答, excerpts=%d, jurisdiction=%q", len(excerpts), jurisdiction)
	text, err := s.llmClient.Complete(ctx, []llm.Message{
		{Role: model.RoleSystem, Content: systemMsg},
		{Role: model.RoleUser, Content: query},
	}, &llm.GenerationParams{Temperature: &temperature})
	if err != nil {
		// 不降级：合成失败必须让调用方感知
		log.Errorf("[AnswerService] 回答合成失败: %v", err)
		return nil, fmt.Errorf("failed to synthesize policy answer: %w", err)
	}

	sources := make([]model.PolicySource, 0, len(excerpts))
	for _, e := range excerpts {
		sources = append(sources, model.PolicySource{PolicyID: e.ID, Title: e.Title})
	}

	log.Infof("[AnswerService] 回答合成完成, answer_len=%d, sources=%d", len(text), len(sources))
	return &Answer{Text: text, Sources: sources}, nil
}

// buildPolicySystemMessage 构建 grounded 合成的系统提示。
// 规则与上下文包裹符来自配置，缺省时回退到内置文案。
func buildPolicySystemMessage(excerpts []PolicyExcerpt, jurisdiction string) string {
	prompt := config.Conf.AI.Prompt

	rules := prompt.Rules
	if rules == "" {
		jur := jurisdiction
		if jur == "" {
			jur = "the relevant"
		}
		rules = fmt.Sprintf(`You are a helpful HR assistant. Answer the user's question based on the provided company policies.

Guidelines:
- Be accurate and cite specific policies when answering
- If the answer isn't in the policies, say so and suggest contacting HR
- Be concise but complete
- For jurisdiction-specific questions, focus on %s policies
- Always be professional and helpful`, jur)
	}

	refStart := prompt.RefStart
	if refStart == "" {
		refStart = "<<REF>>"
	}
	refEnd := prompt.RefEnd
	if refEnd == "" {
		refEnd = "<<END>>"
	}

	var sys strings.Builder
	sys.WriteString(rules)
	sys.WriteString("\n\n")
	sys.WriteString(refStart)
	sys.WriteString("\n")
	if len(excerpts) > 0 {
		for i, e := range excerpts {
			sys.WriteString(fmt.Sprintf("[Policy %d: %s]\n%s\n", i+1, e.Title, e.Content))
			if i < len(excerpts)-1 {
				sys.WriteString("\n---\n\n")
			}
		}
	} else {
		noRes := prompt.NoResultText
		if noRes == "" {
			noRes = "No matching policies were retrieved for this question. Explicitly state that you do not have enough policy information to answer, and suggest contacting HR directly. Do not invent an answer."
		}
		sys.WriteString(noRes)
		sys.WriteString("\n")
	}
	sys.WriteString(refEnd)
	return sys.String()
}

// GenerateReply 基于最近会话历史做通用回复。
func (s *answerService) GenerateReply(ctx context.Context, history []model.HistoryMessage, jurisdiction string) (string, error) {
	jur := jurisdiction
	if jur == "" {
		jur = "an unknown location"
	}
	systemMsg := fmt.Sprintf(`You are a helpful HR assistant for a company with employees in Malaysia, Singapore, UK, and US.
The current user is based in %s.
Be helpful, professional, and concise. If you don't know something, suggest contacting HR directly.`, jur)

	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, llm.Message{Role: model.RoleSystem, Content: systemMsg})
	for _, h := range history {
		messages = append(messages, llm.Message{Role: h.Role, Content: h.Content})
	}

	text, err := s.llmClient.Complete(ctx, messages, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate reply: %w", err)
	}
	return text, nil
}

// ExtractRequestFields 从话语中尽力抽取结构化请求字段。
func (s *answerService) ExtractRequestFields(ctx context.Context, utterance, requestType string) (map[string]interface{}, error) {
	systemMsg := fmt.Sprintf(`You are an HR assistant that extracts structured data from natural language requests.

For a %s request, extract all relevant information from the user's message.

Return a JSON object with the extracted data. Common fields might include:
- new_address (for address updates)
- dependent_name, relationship, date_of_birth (for dependent changes)
- start_date, end_date, leave_type (for leave requests)
- amount, category, description, receipt_date (for expense claims)

Only include fields that are mentioned or can be inferred from the message.`, requestType)

	temperature := 0.3
	raw, err := s.llmClient.Complete(ctx, []llm.Message{
		{Role: model.RoleSystem, Content: systemMsg},
		{Role: model.RoleUser, Content: utterance},
	}, &llm.GenerationParams{Temperature: &temperature, JSONOutput: true})
	if err != nil {
		log.Warnf("[AnswerService] 请求字段抽取失败, 返回空集: %v", err)
		return map[string]interface{}{}, nil
	}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &fields); err != nil {
		log.Warnf("[AnswerService] 请求字段抽取输出无法解析, 返回空集")
		return map[string]interface{}{}, nil
	}
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return fields, nil
}
