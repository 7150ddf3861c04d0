package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"hr-smart-go/internal/apperr"
	"hr-smart-go/internal/model"
	"hr-smart-go/pkg/tasks"
)

type enqueueRecorder struct {
	tasks []tasks.PolicyEmbedTask
	err   error
}

func (e *enqueueRecorder) enqueue(t tasks.PolicyEmbedTask) error {
	if e.err != nil {
		return e.err
	}
	e.tasks = append(e.tasks, t)
	return nil
}

type mirrorRecorder struct {
	indexed []model.EsPolicy
	deleted []string
	err     error
}

func (m *mirrorRecorder) IndexPolicy(_ context.Context, doc model.EsPolicy) error {
	if m.err != nil {
		return m.err
	}
	m.indexed = append(m.indexed, doc)
	return nil
}

func (m *mirrorRecorder) DeletePolicy(_ context.Context, policyID string) error {
	if m.err != nil {
		return m.err
	}
	m.deleted = append(m.deleted, policyID)
	return nil
}

func validCreateInput() CreatePolicyInput {
	return CreatePolicyInput{
		Category:      model.CategoryLeave,
		Title:         "Annual Leave Policy",
		Content:       "Employees are entitled to 14 days of annual leave.",
		Jurisdiction:  model.JurisdictionMY,
		EffectiveDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		CreatedBy:     "hr-admin",
	}
}

func TestCreateStartsAtVersionOneWithoutEmbedding(t *testing.T) {
	repo := &fakePolicyRepo{}
	rec := &enqueueRecorder{}
	svc := NewPolicyService(repo, rec.enqueue, nil, nil)

	p, err := svc.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatal(err)
	}
	if p.Version != 1 || p.Status != model.StatusActive || p.Embedding != nil {
		t.Errorf("new document: version=%d status=%s embedding=%v", p.Version, p.Status, p.Embedding)
	}
	if p.ID == "" {
		t.Error("id must be assigned")
	}
	if p.Metadata == nil {
		t.Error("metadata must default to an empty map")
	}

	if len(rec.tasks) != 1 {
		t.Fatalf("enqueued %d tasks, want 1", len(rec.tasks))
	}
	task := rec.tasks[0]
	if task.PolicyID != p.ID || task.Version != 1 || task.Reason != tasks.ReasonCreated {
		t.Errorf("task = %+v", task)
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	repo := &fakePolicyRepo{}
	rec := &enqueueRecorder{}
	svc := NewPolicyService(repo, rec.enqueue, nil, nil)

	bad := validCreateInput()
	bad.Category = "gossip"
	if _, err := svc.Create(context.Background(), bad); !apperr.IsBadInput(err) {
		t.Fatalf("expected BadInputError, got %v", err)
	}

	bad = validCreateInput()
	bad.Jurisdiction = "FR"
	if _, err := svc.Create(context.Background(), bad); !apperr.IsBadInput(err) {
		t.Fatalf("expected BadInputError, got %v", err)
	}

	if len(repo.policies) != 0 || len(rec.tasks) != 0 {
		t.Error("rejected input must leave no side effects")
	}
}

func TestCreateSurvivesEnqueueFailure(t *testing.T) {
	repo := &fakePolicyRepo{}
	rec := &enqueueRecorder{err: errors.New("kafka down")}
	svc := NewPolicyService(repo, rec.enqueue, nil, nil)

	p, err := svc.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatalf("enqueue failure must not fail the create, got %v", err)
	}
	if len(repo.policies) != 1 || repo.policies[0].ID != p.ID {
		t.Error("document must still be persisted")
	}
}

func TestUpdateContentBumpsVersionAndClearsEmbedding(t *testing.T) {
	repo := &fakePolicyRepo{}
	rec := &enqueueRecorder{}
	svc := NewPolicyService(repo, rec.enqueue, nil, nil)

	p, err := svc.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatal(err)
	}
	// 模拟管道已写入向量
	repo.policies[0].Embedding = model.Vector{0.1, 0.2}
	rec.tasks = nil

	newContent := "Employees are entitled to 16 days of annual leave."
	updated, err := svc.Update(context.Background(), p.ID, UpdatePolicyInput{Content: &newContent})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Version != 2 {
		t.Errorf("version = %d, want 2", updated.Version)
	}
	if updated.Embedding != nil {
		t.Error("content edit must clear the embedding")
	}
	if len(rec.tasks) != 1 || rec.tasks[0].Version != 2 || rec.tasks[0].Reason != tasks.ReasonEdited {
		t.Errorf("tasks = %+v", rec.tasks)
	}
}

func TestUpdateMetadataOnlyKeepsVersionAndEmbedding(t *testing.T) {
	repo := &fakePolicyRepo{}
	rec := &enqueueRecorder{}
	svc := NewPolicyService(repo, rec.enqueue, nil, nil)

	p, err := svc.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatal(err)
	}
	repo.policies[0].Embedding = model.Vector{0.1, 0.2}
	rec.tasks = nil

	newTitle := "Annual Leave Policy (2026)"
	updated, err := svc.Update(context.Background(), p.ID, UpdatePolicyInput{Title: &newTitle})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Version != 1 {
		t.Errorf("version = %d, want unchanged 1", updated.Version)
	}
	if updated.Embedding == nil {
		t.Error("title-only edit must keep the embedding")
	}
	if len(rec.tasks) != 0 {
		t.Errorf("no re-embed task expected, got %+v", rec.tasks)
	}
}

func TestUpdateArchivedRemovesFromMirror(t *testing.T) {
	repo := &fakePolicyRepo{}
	rec := &enqueueRecorder{}
	mirror := &mirrorRecorder{}
	svc := NewPolicyService(repo, rec.enqueue, mirror, nil)

	p, err := svc.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatal(err)
	}

	archived := model.StatusArchived
	if _, err := svc.Update(context.Background(), p.ID, UpdatePolicyInput{Status: &archived}); err != nil {
		t.Fatal(err)
	}
	if len(mirror.deleted) != 1 || mirror.deleted[0] != p.ID {
		t.Errorf("mirror deletions = %v", mirror.deleted)
	}
}

func TestUpdateJurisdictionRefreshesMirror(t *testing.T) {
	repo := &fakePolicyRepo{}
	rec := &enqueueRecorder{}
	mirror := &mirrorRecorder{}
	svc := NewPolicyService(repo, rec.enqueue, mirror, nil)

	p, err := svc.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatal(err)
	}
	repo.policies[0].Embedding = model.Vector{0.1, 0.2}
	rec.tasks = nil

	// 辖区 MY -> SG：内容未变，镜像中的过滤字段必须立即跟上主库
	sg := model.JurisdictionSG
	if _, err := svc.Update(context.Background(), p.ID, UpdatePolicyInput{Jurisdiction: &sg}); err != nil {
		t.Fatal(err)
	}
	if len(mirror.indexed) != 1 {
		t.Fatalf("mirror refreshes = %d, want 1", len(mirror.indexed))
	}
	doc := mirror.indexed[0]
	if doc.PolicyID != p.ID || doc.Jurisdiction != model.JurisdictionSG || doc.Version != 1 {
		t.Errorf("mirrored doc = %+v", doc)
	}
	if len(doc.Vector) != 2 {
		t.Errorf("mirrored doc must carry the current vector, got %v", doc.Vector)
	}
	if len(mirror.deleted) != 0 || len(rec.tasks) != 0 {
		t.Errorf("metadata edit must not delete the mirror or re-embed, deleted=%v tasks=%v", mirror.deleted, rec.tasks)
	}
}

func TestUpdateContentLeavesMirrorToPipeline(t *testing.T) {
	repo := &fakePolicyRepo{}
	rec := &enqueueRecorder{}
	mirror := &mirrorRecorder{}
	svc := NewPolicyService(repo, rec.enqueue, mirror, nil)

	p, err := svc.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatal(err)
	}
	repo.policies[0].Embedding = model.Vector{0.1}
	rec.tasks = nil

	// 内容变更后旧向量作废，镜像由管道在重算后重建，此处不得写入过期向量
	newContent := "Employees are entitled to 18 days of annual leave."
	if _, err := svc.Update(context.Background(), p.ID, UpdatePolicyInput{Content: &newContent}); err != nil {
		t.Fatal(err)
	}
	if len(mirror.indexed) != 0 {
		t.Errorf("content edit must not refresh the mirror directly, got %+v", mirror.indexed)
	}
	if len(rec.tasks) != 1 {
		t.Fatalf("content edit must enqueue a re-embed task, got %d", len(rec.tasks))
	}
}

func TestUpdateUnarchiveReindexesMirror(t *testing.T) {
	repo := &fakePolicyRepo{}
	rec := &enqueueRecorder{}
	mirror := &mirrorRecorder{}
	svc := NewPolicyService(repo, rec.enqueue, mirror, nil)

	p, err := svc.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatal(err)
	}
	repo.policies[0].Embedding = model.Vector{0.3}

	archived := model.StatusArchived
	if _, err := svc.Update(context.Background(), p.ID, UpdatePolicyInput{Status: &archived}); err != nil {
		t.Fatal(err)
	}
	if len(mirror.deleted) != 1 {
		t.Fatalf("archive must remove the mirror, deleted=%v", mirror.deleted)
	}

	// 解除归档：向量仍有效，文档必须重新进入索引
	active := model.StatusActive
	if _, err := svc.Update(context.Background(), p.ID, UpdatePolicyInput{Status: &active}); err != nil {
		t.Fatal(err)
	}
	if len(mirror.indexed) != 1 || mirror.indexed[0].Status != string(model.StatusActive) {
		t.Fatalf("unarchive must reindex the document, indexed=%+v", mirror.indexed)
	}
}

func TestUpdateUnarchiveWithoutEmbeddingEnqueuesResync(t *testing.T) {
	repo := &fakePolicyRepo{}
	rec := &enqueueRecorder{}
	svc := NewPolicyService(repo, rec.enqueue, nil, nil)

	p, err := svc.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatal(err)
	}
	archived := model.StatusArchived
	if _, err := svc.Update(context.Background(), p.ID, UpdatePolicyInput{Status: &archived}); err != nil {
		t.Fatal(err)
	}
	rec.tasks = nil

	// 归档期间向量从未算出，解除归档时立即补投递
	active := model.StatusActive
	if _, err := svc.Update(context.Background(), p.ID, UpdatePolicyInput{Status: &active}); err != nil {
		t.Fatal(err)
	}
	if len(rec.tasks) != 1 || rec.tasks[0].Reason != tasks.ReasonResync {
		t.Fatalf("tasks = %+v, want one resync task", rec.tasks)
	}
}

func TestUpdatePropagatesStaleWrite(t *testing.T) {
	repo := &fakePolicyRepo{}
	rec := &enqueueRecorder{}
	svc := NewPolicyService(repo, rec.enqueue, nil, nil)

	p, err := svc.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatal(err)
	}
	repo.saveErr = apperr.ErrStaleWrite

	newContent := "different"
	if _, err := svc.Update(context.Background(), p.ID, UpdatePolicyInput{Content: &newContent}); !errors.Is(err, apperr.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}
}

func TestUpdateMissingDocument(t *testing.T) {
	svc := NewPolicyService(&fakePolicyRepo{}, (&enqueueRecorder{}).enqueue, nil, nil)
	newContent := "x"
	if _, err := svc.Update(context.Background(), "no-such-id", UpdatePolicyInput{Content: &newContent}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteCleansMirror(t *testing.T) {
	repo := &fakePolicyRepo{}
	rec := &enqueueRecorder{}
	mirror := &mirrorRecorder{}
	svc := NewPolicyService(repo, rec.enqueue, mirror, nil)

	p, err := svc.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(context.Background(), p.ID); err != nil {
		t.Fatal(err)
	}
	if len(repo.policies) != 0 {
		t.Error("document must be removed")
	}
	if len(mirror.deleted) != 1 || mirror.deleted[0] != p.ID {
		t.Errorf("mirror deletions = %v", mirror.deleted)
	}
}

func TestResyncPendingEnqueuesUnembeddedDocuments(t *testing.T) {
	repo := &fakePolicyRepo{}
	rec := &enqueueRecorder{}
	svc := NewPolicyService(repo, rec.enqueue, nil, nil)

	for i := 0; i < 3; i++ {
		if _, err := svc.Create(context.Background(), validCreateInput()); err != nil {
			t.Fatal(err)
		}
	}
	// 其中一个已有向量，不应被补偿
	repo.policies[1].Embedding = model.Vector{0.5}
	rec.tasks = nil

	n, err := svc.ResyncPending(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || len(rec.tasks) != 2 {
		t.Fatalf("resynced %d (tasks %d), want 2", n, len(rec.tasks))
	}
	for _, task := range rec.tasks {
		if task.Reason != tasks.ReasonResync {
			t.Errorf("task reason = %s, want resync", task.Reason)
		}
	}
}
