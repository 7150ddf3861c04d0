package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"hr-smart-go/internal/apperr"
	"hr-smart-go/internal/model"
	"hr-smart-go/internal/repository"
	"hr-smart-go/pkg/log"

	"github.com/google/uuid"
)

// FallbackReply 是任何传播错误下对用户展示的统一文案，
// 由外围传输层使用，绝不暴露原始错误内容。
const FallbackReply = "I'm unable to help with that right now. Please contact HR directly."

// greetingReply 是问候意图的固定回复，不经任何外部调用。
const greetingReply = `Hello! I'm your HR assistant. I can help you with:
- Questions about company policies (leave, expenses, benefits)
- Submitting requests (address updates, leave requests, expense claims)
- Checking your leave balance or request status
- General HR inquiries

How can I assist you today?`

// ChatService 定义了会话编排操作。
// 每条进入的消息经过 received -> classified -> {answered|escalated|acknowledged}，
// 任一终态都恰好落库一对用户/助手消息并使会话计数 +2。
type ChatService interface {
	// HandleIncomingMessage 处理一条用户消息并返回助手回复。
	// 检索或合成失败时错误向上传播且不产生任何落库副作用；
	// 传输层以 FallbackReply 回应用户。
	HandleIncomingMessage(ctx context.Context, sessionID, employeeID, jurisdiction, text string) (*model.ChatResponse, error)
	CreateSession(ctx context.Context, employeeID string) (*model.ChatSession, error)
	ListSessions(ctx context.Context, employeeID string, page, limit int) ([]*model.ChatSession, int64, error)
	GetSessionMessages(ctx context.Context, sessionID, employeeID string) (*model.ChatSession, []*model.ChatMessage, error)
	DeleteSession(ctx context.Context, sessionID, employeeID string) error
}

type chatService struct {
	intentService IntentService
	searchService SearchService
	answerService AnswerService
	chatRepo      repository.ChatRepository
	historyWindow int

	// 同一会话内的消息串行处理，保证计数与时序不变量；跨会话完全并行
	sessionLocks sync.Map // sessionID -> *sync.Mutex
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(
	intentService IntentService,
	searchService SearchService,
	answerService AnswerService,
	chatRepo repository.ChatRepository,
	historyWindow int,
) ChatService {
	if historyWindow <= 0 {
		historyWindow = 10
	}
	return &chatService{
		intentService: intentService,
		searchService: searchService,
		answerService: answerService,
		chatRepo:      chatRepo,
		historyWindow: historyWindow,
	}
}

// HandleIncomingMessage 编排一条用户消息的完整处理流程。
func (s *chatService) HandleIncomingMessage(ctx context.Context, sessionID, employeeID, jurisdiction, text string) (*model.ChatResponse, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperr.BadInput("text", "empty message")
	}
	if jurisdiction != "" && !model.ValidJurisdiction(jurisdiction) {
		return nil, apperr.BadInput("jurisdiction", "unknown jurisdiction "+jurisdiction)
	}

	unlock := s.lockSession(sessionID)
	defer unlock()

	// 校验会话存在且归属该员工
	session, err := s.chatRepo.FindSession(ctx, sessionID, employeeID)
	if err != nil {
		return nil, err
	}

	// received -> classified：分类器内部兜底，永不返回提供方错误
	classification, err := s.intentService.Classify(ctx, text)
	if err != nil {
		return nil, err
	}
	log.Infof("[ChatService] 消息已分类, session=%s, intent=%s, confidence=%.2f",
		sessionID, classification.Intent, classification.Confidence)

	var replyText string
	var sources []model.SourceRef
	grounded := false

	switch classification.Intent {
	case model.IntentGreeting:
		// classified -> acknowledged：固定回复，零外部调用
		replyText = greetingReply
		sources = []model.SourceRef{}

	case model.IntentPolicyQuestion:
		replyText, sources, err = s.respondPolicyQuestion(ctx, text, jurisdiction)
		if err != nil {
			return nil, err
		}
		grounded = true

	case model.IntentRequestSubmission:
		replyText, err = s.respondRequestSubmission(ctx, text, classification)
		if err != nil {
			return nil, err
		}
		sources = []model.SourceRef{}

	default:
		// status_check / general_inquiry / unknown：携带历史的通用回复，不经检索
		replyText, err = s.respondGeneral(ctx, session.ID, text, jurisdiction)
		if err != nil {
			return nil, err
		}
		sources = []model.SourceRef{}
	}

	// 终态：原子落库一对消息 + 会话计数 +2
	userMsg := &model.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      model.RoleUser,
		Content:   text,
		Metadata:  model.JSONMap{},
	}
	assistantMsg := &model.ChatMessage{
		ID:         uuid.NewString(),
		SessionID:  session.ID,
		Role:       model.RoleAssistant,
		Content:    replyText,
		Intent:     string(classification.Intent),
		Confidence: classification.Confidence,
		Metadata: model.JSONMap{
			"sources":  sources,
			"entities": classification.Entities,
			// 未经检索的回答明确标记，供传输层区分展示（参见 DESIGN.md）
			"grounded": grounded,
		},
	}
	if err := s.chatRepo.AppendExchange(ctx, session.ID, userMsg, assistantMsg); err != nil {
		return nil, fmt.Errorf("failed to persist exchange: %w", err)
	}

	return &model.ChatResponse{Message: assistantMsg, Sources: sources}, nil
}

// respondPolicyQuestion 执行 检索 -> 合成 流程。
// 零命中时仍然合成（空片段），由模型明确说明信息不足。
func (s *chatService) respondPolicyQuestion(ctx context.Context, text, jurisdiction string) (string, []model.SourceRef, error) {
	matches, err := s.searchService.SearchText(ctx, text, SearchOptions{Jurisdiction: jurisdiction})
	if err != nil {
		return "", nil, err
	}

	excerpts := make([]PolicyExcerpt, 0, len(matches))
	sources := make([]model.SourceRef, 0, len(matches))
	for _, m := range matches {
		excerpts = append(excerpts, PolicyExcerpt{
			ID:      m.Policy.ID,
			Title:   m.Policy.Title,
			Content: m.Policy.Content,
		})
		sources = append(sources, model.SourceRef{
			PolicyID:   m.Policy.ID,
			Title:      m.Policy.Title,
			Similarity: m.DisplayScore(), // 相似度只在这里舍入
		})
	}

	answer, err := s.answerService.SynthesizePolicyAnswer(ctx, text, excerpts, jurisdiction)
	if err != nil {
		return "", nil, err
	}
	return answer.Text, sources, nil
}

// respondRequestSubmission 抽取请求字段并回显确认提示；此阶段不产生任何请求记录。
func (s *chatService) respondRequestSubmission(ctx context.Context, text string, classification model.IntentClassification) (string, error) {
	requestType := "other"
	if rt, ok := classification.Entities["request_type"].(string); ok && rt != "" {
		requestType = rt
	}

	fields, err := s.answerService.ExtractRequestFields(ctx, text, requestType)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("I understand you'd like to submit a %s request. I've extracted the following information:\n\n",
		strings.ReplaceAll(requestType, "_", " ")))

	// 字段按名称排序，确认文本对相同输入保持稳定
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(fmt.Sprintf("- %s: %v\n", strings.ReplaceAll(k, "_", " "), fields[k]))
	}
	if len(keys) == 0 {
		b.WriteString("(no details could be extracted)\n")
	}

	b.WriteString("\nWould you like me to submit this request? Please confirm or provide any corrections.")
	return b.String(), nil
}

// respondGeneral 携带最近历史做通用回复。
func (s *chatService) respondGeneral(ctx context.Context, sessionID, text, jurisdiction string) (string, error) {
	history, err := s.chatRepo.RecentHistory(ctx, sessionID, s.historyWindow)
	if err != nil {
		log.Warnf("[ChatService] 加载会话历史失败, 以空历史继续 (session=%s): %v", sessionID, err)
		history = []model.HistoryMessage{}
	}
	history = append(history, model.HistoryMessage{Role: model.RoleUser, Content: text})
	return s.answerService.GenerateReply(ctx, history, jurisdiction)
}

// CreateSession 为员工创建一个新会话。
func (s *chatService) CreateSession(ctx context.Context, employeeID string) (*model.ChatSession, error) {
	if strings.TrimSpace(employeeID) == "" {
		return nil, apperr.BadInput("employeeID", "empty employee id")
	}
	session := &model.ChatSession{
		ID:              uuid.NewString(),
		EmployeeID:      employeeID,
		SessionMetadata: model.JSONMap{},
		TotalMessages:   0,
	}
	if err := s.chatRepo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessions 分页返回员工的会话列表。
func (s *chatService) ListSessions(ctx context.Context, employeeID string, page, limit int) ([]*model.ChatSession, int64, error) {
	return s.chatRepo.ListSessions(ctx, employeeID, page, limit)
}

// GetSessionMessages 返回会话及其全部消息。
func (s *chatService) GetSessionMessages(ctx context.Context, sessionID, employeeID string) (*model.ChatSession, []*model.ChatMessage, error) {
	session, err := s.chatRepo.FindSession(ctx, sessionID, employeeID)
	if err != nil {
		return nil, nil, err
	}
	messages, err := s.chatRepo.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return session, messages, nil
}

// DeleteSession 删除会话（级联删除消息）。
func (s *chatService) DeleteSession(ctx context.Context, sessionID, employeeID string) error {
	if err := s.chatRepo.DeleteSession(ctx, sessionID, employeeID); err != nil {
		return err
	}
	// 会话已销毁，回收其互斥锁条目，锁表不随历史会话无界增长
	s.sessionLocks.Delete(sessionID)
	return nil
}

// lockSession 获取会话级互斥锁，返回解锁函数。
func (s *chatService) lockSession(sessionID string) func() {
	v, _ := s.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
