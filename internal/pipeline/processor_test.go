package pipeline

import (
	"context"
	"errors"
	"testing"

	"hr-smart-go/internal/apperr"
	"hr-smart-go/internal/config"
	"hr-smart-go/internal/model"
	"hr-smart-go/internal/repository"
	"hr-smart-go/pkg/tasks"
)

type stubEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (s *stubEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	s.calls++
	return s.vec, s.err
}

func (s *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v, err := s.Embed(context.Background(), texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// stubPolicyRepo 只实现处理器用到的查找与条件写入路径。
type stubPolicyRepo struct {
	policy          *model.PolicyDocument
	setEmbeddingErr error
	stored          model.Vector
	storedVersion   int
}

func (r *stubPolicyRepo) FindByID(id string) (*model.PolicyDocument, error) {
	if r.policy == nil || r.policy.ID != id {
		return nil, apperr.ErrNotFound
	}
	cp := *r.policy
	return &cp, nil
}

func (r *stubPolicyRepo) SetEmbedding(_ string, version int, vec model.Vector) error {
	if r.setEmbeddingErr != nil {
		return r.setEmbeddingErr
	}
	r.stored = vec
	r.storedVersion = version
	return nil
}

func (r *stubPolicyRepo) FindByIDs([]string) ([]*model.PolicyDocument, error) {
	return nil, nil
}

func (r *stubPolicyRepo) Create(*model.PolicyDocument) error    { return nil }
func (r *stubPolicyRepo) Save(*model.PolicyDocument, int) error { return nil }
func (r *stubPolicyRepo) Delete(string) error                   { return nil }
func (r *stubPolicyRepo) FindPendingEmbedding(int) ([]*model.PolicyDocument, error) {
	return nil, nil
}
func (r *stubPolicyRepo) List(repository.ListPolicyOptions) ([]*model.PolicyDocument, int64, error) {
	return nil, 0, nil
}
func (r *stubPolicyRepo) FindRetrievable(string, model.PolicyCategory) ([]*model.PolicyDocument, error) {
	return nil, nil
}

func newTestProcessor(repo *stubPolicyRepo, embed *stubEmbedder) *Processor {
	return NewProcessor(embed, repo, config.ElasticsearchConfig{}, false, nil)
}

func activePolicy(version int) *model.PolicyDocument {
	return &model.PolicyDocument{
		ID:      "p1",
		Title:   "Annual Leave",
		Content: "14 days per year.",
		Version: version,
		Status:  model.StatusActive,
	}
}

func TestProcessStoresEmbeddingAtTaskVersion(t *testing.T) {
	repo := &stubPolicyRepo{policy: activePolicy(3)}
	embed := &stubEmbedder{vec: []float32{0.1, 0.2}}
	p := newTestProcessor(repo, embed)

	err := p.Process(context.Background(), tasks.PolicyEmbedTask{PolicyID: "p1", Version: 3, Reason: tasks.ReasonCreated})
	if err != nil {
		t.Fatal(err)
	}
	if repo.storedVersion != 3 || len(repo.stored) != 2 {
		t.Errorf("stored version=%d vec=%v", repo.storedVersion, repo.stored)
	}
}

func TestProcessDropsTaskWhenVersionMoved(t *testing.T) {
	repo := &stubPolicyRepo{policy: activePolicy(5)}
	embed := &stubEmbedder{vec: []float32{0.1}}
	p := newTestProcessor(repo, embed)

	// 任务针对 v3，文档已前移到 v5：不向量化，任务按成功提交
	if err := p.Process(context.Background(), tasks.PolicyEmbedTask{PolicyID: "p1", Version: 3}); err != nil {
		t.Fatal(err)
	}
	if embed.calls != 0 {
		t.Errorf("embedder called %d times for a stale task", embed.calls)
	}
	if repo.stored != nil {
		t.Error("no embedding may be written for a stale task")
	}
}

func TestProcessDropsTaskForMissingOrArchivedPolicy(t *testing.T) {
	// 文档不存在
	p := newTestProcessor(&stubPolicyRepo{}, &stubEmbedder{vec: []float32{0.1}})
	if err := p.Process(context.Background(), tasks.PolicyEmbedTask{PolicyID: "gone", Version: 1}); err != nil {
		t.Fatalf("missing policy must not fail the task, got %v", err)
	}

	// 文档已归档
	archived := activePolicy(1)
	archived.Status = model.StatusArchived
	repo := &stubPolicyRepo{policy: archived}
	embed := &stubEmbedder{vec: []float32{0.1}}
	p = newTestProcessor(repo, embed)
	if err := p.Process(context.Background(), tasks.PolicyEmbedTask{PolicyID: "p1", Version: 1}); err != nil {
		t.Fatalf("archived policy must not fail the task, got %v", err)
	}
	if embed.calls != 0 {
		t.Error("archived policy must not be embedded")
	}
}

func TestProcessSilentlyDropsStaleWrite(t *testing.T) {
	repo := &stubPolicyRepo{policy: activePolicy(2), setEmbeddingErr: apperr.ErrStaleWrite}
	p := newTestProcessor(repo, &stubEmbedder{vec: []float32{0.1}})

	// 加载与写入之间版本前移：结果丢弃，任务仍按成功提交
	if err := p.Process(context.Background(), tasks.PolicyEmbedTask{PolicyID: "p1", Version: 2}); err != nil {
		t.Fatalf("stale write must be dropped silently, got %v", err)
	}
}

func TestProcessPropagatesEmbedFailure(t *testing.T) {
	repo := &stubPolicyRepo{policy: activePolicy(1)}
	embedErr := apperr.NewProviderError("embedding", "embed", true, errors.New("503"))
	p := newTestProcessor(repo, &stubEmbedder{err: embedErr})

	err := p.Process(context.Background(), tasks.PolicyEmbedTask{PolicyID: "p1", Version: 1})
	if !apperr.IsProvider(err) {
		t.Fatalf("embed failure must propagate for retry, got %v", err)
	}
	if repo.stored != nil {
		t.Error("no embedding may be stored after a failed embed")
	}
}
