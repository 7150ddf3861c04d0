package service

import (
	"context"
	"sort"
	"sync"

	"hr-smart-go/internal/apperr"
	"hr-smart-go/internal/model"
	"hr-smart-go/internal/repository"
	"hr-smart-go/pkg/llm"
)

// llmCall 记录一次补全调用的入参，供断言提示内容。
type llmCall struct {
	messages []llm.Message
	gen      *llm.GenerationParams
}

type completion struct {
	text string
	err  error
}

// fakeLLMClient 按脚本队列返回补全结果，队列耗尽后返回 reply/err。
type fakeLLMClient struct {
	mu    sync.Mutex
	reply string
	err   error
	queue []completion
	calls []llmCall
}

func (f *fakeLLMClient) Complete(_ context.Context, messages []llm.Message, gen *llm.GenerationParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, llmCall{messages: messages, gen: gen})
	if len(f.queue) > 0 {
		c := f.queue[0]
		f.queue = f.queue[1:]
		return c.text, c.err
	}
	return f.reply, f.err
}

func (f *fakeLLMClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeEmbeddingClient 对任意文本返回固定向量。
type fakeEmbeddingClient struct {
	vec   []float32
	err   error
	calls int
}

func (f *fakeEmbeddingClient) Embed(_ context.Context, _ string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

func (f *fakeEmbeddingClient) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for range texts {
		v, err := f.Embed(context.Background(), "")
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// fakePolicyRepo 是 PolicyRepository 的内存实现，语义与 MySQL 实现对齐。
type fakePolicyRepo struct {
	policies        []*model.PolicyDocument
	saveErr         error
	retrievableHits int
}

func (r *fakePolicyRepo) indexOf(id string) int {
	for i, p := range r.policies {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (r *fakePolicyRepo) Create(p *model.PolicyDocument) error {
	r.policies = append(r.policies, p)
	return nil
}

func (r *fakePolicyRepo) Save(p *model.PolicyDocument, expectedVersion int) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	i := r.indexOf(p.ID)
	if i < 0 {
		return apperr.ErrNotFound
	}
	if r.policies[i].Version != expectedVersion {
		return apperr.ErrStaleWrite
	}
	r.policies[i] = p
	return nil
}

func (r *fakePolicyRepo) SetEmbedding(id string, version int, vec model.Vector) error {
	i := r.indexOf(id)
	if i < 0 {
		return apperr.ErrNotFound
	}
	if r.policies[i].Version != version {
		return apperr.ErrStaleWrite
	}
	r.policies[i].Embedding = vec
	return nil
}

// FindByID 返回副本，调用方的修改只有经 Save 才落库，语义与 gorm 实现一致。
func (r *fakePolicyRepo) FindByID(id string) (*model.PolicyDocument, error) {
	i := r.indexOf(id)
	if i < 0 {
		return nil, apperr.ErrNotFound
	}
	cp := *r.policies[i]
	return &cp, nil
}

func (r *fakePolicyRepo) FindByIDs(ids []string) ([]*model.PolicyDocument, error) {
	var out []*model.PolicyDocument
	for _, id := range ids {
		if i := r.indexOf(id); i >= 0 {
			cp := *r.policies[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakePolicyRepo) Delete(id string) error {
	i := r.indexOf(id)
	if i < 0 {
		return apperr.ErrNotFound
	}
	r.policies = append(r.policies[:i], r.policies[i+1:]...)
	return nil
}

func (r *fakePolicyRepo) List(opts repository.ListPolicyOptions) ([]*model.PolicyDocument, int64, error) {
	var out []*model.PolicyDocument
	for _, p := range r.policies {
		if opts.Status != "" && p.Status != opts.Status {
			continue
		}
		if opts.Category != "" && p.Category != opts.Category {
			continue
		}
		if opts.Jurisdiction != "" && p.Jurisdiction != "" && p.Jurisdiction != opts.Jurisdiction {
			continue
		}
		out = append(out, p)
	}
	return out, int64(len(out)), nil
}

func (r *fakePolicyRepo) FindRetrievable(jurisdiction string, category model.PolicyCategory) ([]*model.PolicyDocument, error) {
	r.retrievableHits++
	var out []*model.PolicyDocument
	for _, p := range r.policies {
		if !p.Retrievable() {
			continue
		}
		if jurisdiction != "" && p.Jurisdiction != "" && p.Jurisdiction != jurisdiction {
			continue
		}
		if category != "" && p.Category != category {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *fakePolicyRepo) FindPendingEmbedding(limit int) ([]*model.PolicyDocument, error) {
	var out []*model.PolicyDocument
	for _, p := range r.policies {
		if p.Status == model.StatusActive && p.Embedding == nil {
			out = append(out, p)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// fakeChatRepo 是 ChatRepository 的内存实现。
type fakeChatRepo struct {
	sessions  map[string]*model.ChatSession
	messages  map[string][]*model.ChatMessage
	appendErr error
}

func newFakeChatRepo() *fakeChatRepo {
	return &fakeChatRepo{
		sessions: map[string]*model.ChatSession{},
		messages: map[string][]*model.ChatMessage{},
	}
}

func (r *fakeChatRepo) CreateSession(_ context.Context, s *model.ChatSession) error {
	r.sessions[s.ID] = s
	return nil
}

func (r *fakeChatRepo) FindSession(_ context.Context, id, employeeID string) (*model.ChatSession, error) {
	s, ok := r.sessions[id]
	if !ok || s.EmployeeID != employeeID {
		return nil, apperr.ErrNotFound
	}
	return s, nil
}

func (r *fakeChatRepo) ListSessions(_ context.Context, employeeID string, _, _ int) ([]*model.ChatSession, int64, error) {
	var out []*model.ChatSession
	for _, s := range r.sessions {
		if s.EmployeeID == employeeID {
			out = append(out, s)
		}
	}
	return out, int64(len(out)), nil
}

func (r *fakeChatRepo) DeleteSession(_ context.Context, id, employeeID string) error {
	s, ok := r.sessions[id]
	if !ok || s.EmployeeID != employeeID {
		return apperr.ErrNotFound
	}
	delete(r.sessions, id)
	delete(r.messages, id)
	return nil
}

func (r *fakeChatRepo) ListMessages(_ context.Context, sessionID string) ([]*model.ChatMessage, error) {
	return r.messages[sessionID], nil
}

func (r *fakeChatRepo) RecentHistory(_ context.Context, sessionID string, n int) ([]model.HistoryMessage, error) {
	msgs := r.messages[sessionID]
	start := 0
	if len(msgs) > n {
		start = len(msgs) - n
	}
	var out []model.HistoryMessage
	for _, m := range msgs[start:] {
		out = append(out, model.HistoryMessage{Role: m.Role, Content: m.Content, Timestamp: m.CreatedAt})
	}
	return out, nil
}

func (r *fakeChatRepo) AppendExchange(_ context.Context, sessionID string, userMsg, assistantMsg *model.ChatMessage) error {
	if r.appendErr != nil {
		return r.appendErr
	}
	s, ok := r.sessions[sessionID]
	if !ok {
		return apperr.ErrNotFound
	}
	r.messages[sessionID] = append(r.messages[sessionID], userMsg, assistantMsg)
	s.TotalMessages += 2
	return nil
}
