package service

import (
	"context"
	"strings"
	"time"

	"hr-smart-go/internal/apperr"
	"hr-smart-go/internal/model"
	"hr-smart-go/internal/repository"
	"hr-smart-go/pkg/log"
	"hr-smart-go/pkg/tasks"

	"github.com/google/uuid"
)

// EmbedEnqueuer 将向量化任务投递到队列，由 main 注入 kafka 生产者。
type EmbedEnqueuer func(task tasks.PolicyEmbedTask) error

// IndexMirror 维护外部向量索引的镜像（Elasticsearch 后端）。
// 内存后端下为 nil。
type IndexMirror interface {
	// IndexPolicy 写入或覆盖文档镜像（按 policy_id 幂等）。
	IndexPolicy(ctx context.Context, doc model.EsPolicy) error
	DeletePolicy(ctx context.Context, policyID string) error
}

// CreatePolicyInput 为创建策略文档的输入。
type CreatePolicyInput struct {
	Category      model.PolicyCategory
	Title         string
	Content       string
	Jurisdiction  string
	EffectiveDate time.Time
	Metadata      model.JSONMap
	CreatedBy     string
}

// UpdatePolicyInput 为更新策略文档的输入，nil 字段表示不变更。
type UpdatePolicyInput struct {
	Category      *model.PolicyCategory
	Title         *string
	Content       *string
	Jurisdiction  *string
	EffectiveDate *time.Time
	Status        *model.PolicyStatus
	Metadata      model.JSONMap
}

// PolicyService 定义了策略文档管理操作（供外围 CRUD 层调用）。
type PolicyService interface {
	// Create 创建文档：status=active, version=1, embedding=null，
	// 随后投递向量化任务。投递失败不影响创建成功，仅记录日志，
	// 待补偿扫描（ResyncPending）重新投递。
	Create(ctx context.Context, input CreatePolicyInput) (*model.PolicyDocument, error)
	// Update 更新文档。内容变更时版本 +1 并清空向量，再投递重算任务。
	Update(ctx context.Context, id string, input UpdatePolicyInput) (*model.PolicyDocument, error)
	Get(ctx context.Context, id string) (*model.PolicyDocument, error)
	List(ctx context.Context, opts repository.ListPolicyOptions) ([]*model.PolicyDocument, int64, error)
	// Delete 物理删除文档（管理清除操作），并同步清理外部索引镜像。
	Delete(ctx context.Context, id string) error
	// ResyncPending 为所有待向量化文档重新投递任务，返回投递条数。
	ResyncPending(ctx context.Context, limit int) (int, error)
}

type policyService struct {
	policyRepo  repository.PolicyRepository
	enqueue     EmbedEnqueuer
	mirror      IndexMirror
	invalidator interface{ Invalidate() }
}

// NewPolicyService 创建一个新的 PolicyService 实例。
// mirror 在内存检索后端下传 nil；invalidator 通常为 SearchService。
func NewPolicyService(
	policyRepo repository.PolicyRepository,
	enqueue EmbedEnqueuer,
	mirror IndexMirror,
	invalidator interface{ Invalidate() },
) PolicyService {
	return &policyService{
		policyRepo:  policyRepo,
		enqueue:     enqueue,
		mirror:      mirror,
		invalidator: invalidator,
	}
}

// Create 创建策略文档并投递向量化任务。
func (s *policyService) Create(ctx context.Context, input CreatePolicyInput) (*model.PolicyDocument, error) {
	if err := validatePolicyInput(input); err != nil {
		return nil, err
	}

	p := &model.PolicyDocument{
		ID:            uuid.NewString(),
		Category:      input.Category,
		Title:         strings.TrimSpace(input.Title),
		Content:       input.Content,
		Jurisdiction:  input.Jurisdiction,
		EffectiveDate: input.EffectiveDate,
		Version:       1,
		Status:        model.StatusActive,
		Embedding:     nil,
		Metadata:      input.Metadata,
		CreatedBy:     input.CreatedBy,
	}
	if p.Metadata == nil {
		p.Metadata = model.JSONMap{}
	}

	if err := s.policyRepo.Create(p); err != nil {
		return nil, err
	}
	log.Infof("[PolicyService] 策略文档已创建, id=%s, category=%s", p.ID, p.Category)

	s.enqueueEmbed(p, tasks.ReasonCreated)
	s.invalidate()
	return p, nil
}

// Update 更新策略文档，内容变更触发版本递增与向量失效。
func (s *policyService) Update(ctx context.Context, id string, input UpdatePolicyInput) (*model.PolicyDocument, error) {
	existing, err := s.policyRepo.FindByID(id)
	if err != nil {
		return nil, err
	}
	expectedVersion := existing.Version

	contentChanged := false
	if input.Category != nil {
		if !model.ValidCategory(*input.Category) {
			return nil, apperr.BadInput("category", "unknown category "+string(*input.Category))
		}
		existing.Category = *input.Category
	}
	if input.Title != nil {
		if strings.TrimSpace(*input.Title) == "" {
			return nil, apperr.BadInput("title", "empty title")
		}
		existing.Title = strings.TrimSpace(*input.Title)
	}
	if input.Content != nil && *input.Content != existing.Content {
		if strings.TrimSpace(*input.Content) == "" {
			return nil, apperr.BadInput("content", "empty content")
		}
		existing.Content = *input.Content
		contentChanged = true
	}
	if input.Jurisdiction != nil {
		if !model.ValidJurisdiction(*input.Jurisdiction) {
			return nil, apperr.BadInput("jurisdiction", "unknown jurisdiction "+*input.Jurisdiction)
		}
		existing.Jurisdiction = *input.Jurisdiction
	}
	if input.EffectiveDate != nil {
		existing.EffectiveDate = *input.EffectiveDate
	}
	if input.Status != nil {
		existing.Status = *input.Status
	}
	if input.Metadata != nil {
		existing.Metadata = input.Metadata
	}

	if contentChanged {
		// 内容变更：版本前移一格，旧向量作废
		existing.Version = expectedVersion + 1
		existing.Embedding = nil
	}

	if err := s.policyRepo.Save(existing, expectedVersion); err != nil {
		return nil, err
	}
	log.Infof("[PolicyService] 策略文档已更新, id=%s, version=%d, contentChanged=%v", id, existing.Version, contentChanged)

	if contentChanged {
		s.enqueueEmbed(existing, tasks.ReasonEdited)
	} else if existing.Status == model.StatusActive && existing.Embedding == nil {
		// 解除归档但向量尚未计算过（归档期间的内容任务已被处理器丢弃），
		// 立即补投递，不等启动补偿扫描
		s.enqueueEmbed(existing, tasks.ReasonResync)
	}
	if s.mirror != nil {
		switch {
		case existing.Status == model.StatusArchived:
			// 归档即退出检索，镜像同步删除
			if mErr := s.mirror.DeletePolicy(ctx, id); mErr != nil {
				log.Warnf("[PolicyService] 归档后清理索引镜像失败, id=%s: %v", id, mErr)
			}
		case !contentChanged && existing.Retrievable():
			// 元数据变更（辖区/分类/标题/解除归档）立即刷新镜像，
			// 否则索引中的过滤字段会滞后于主库；
			// 内容变更走管道，向量重算后由处理器重建镜像
			if mErr := s.mirror.IndexPolicy(ctx, existing.EsDocument()); mErr != nil {
				log.Warnf("[PolicyService] 更新后刷新索引镜像失败, id=%s: %v", id, mErr)
			}
		}
	}
	s.invalidate()
	return existing, nil
}

// Get 查找一条策略文档。
func (s *policyService) Get(ctx context.Context, id string) (*model.PolicyDocument, error) {
	return s.policyRepo.FindByID(id)
}

// List 分页查询策略文档。
func (s *policyService) List(ctx context.Context, opts repository.ListPolicyOptions) ([]*model.PolicyDocument, int64, error) {
	return s.policyRepo.List(opts)
}

// Delete 物理删除策略文档并清理索引镜像。
func (s *policyService) Delete(ctx context.Context, id string) error {
	if err := s.policyRepo.Delete(id); err != nil {
		return err
	}
	if s.mirror != nil {
		if mErr := s.mirror.DeletePolicy(ctx, id); mErr != nil {
			log.Warnf("[PolicyService] 删除后清理索引镜像失败, id=%s: %v", id, mErr)
		}
	}
	s.invalidate()
	log.Infof("[PolicyService] 策略文档已删除, id=%s", id)
	return nil
}

// ResyncPending 为待向量化文档重新投递任务。
func (s *policyService) ResyncPending(ctx context.Context, limit int) (int, error) {
	pending, err := s.policyRepo.FindPendingEmbedding(limit)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, p := range pending {
		if err := s.enqueue(tasks.PolicyEmbedTask{PolicyID: p.ID, Version: p.Version, Reason: tasks.ReasonResync}); err != nil {
			log.Warnf("[PolicyService] 补偿投递失败, id=%s: %v", p.ID, err)
			continue
		}
		count++
	}
	log.Infof("[PolicyService] 补偿扫描完成, pending=%d, enqueued=%d", len(pending), count)
	return count, nil
}

// enqueueEmbed 投递向量化任务；失败只记录，等待补偿扫描。
func (s *policyService) enqueueEmbed(p *model.PolicyDocument, reason string) {
	task := tasks.PolicyEmbedTask{PolicyID: p.ID, Version: p.Version, Reason: reason}
	if err := s.enqueue(task); err != nil {
		log.Warnf("[PolicyService] 向量化任务投递失败 (policy=%s, version=%d): %v", p.ID, p.Version, err)
	}
}

func (s *policyService) invalidate() {
	if s.invalidator != nil {
		s.invalidator.Invalidate()
	}
}

func validatePolicyInput(input CreatePolicyInput) error {
	if !model.ValidCategory(input.Category) {
		return apperr.BadInput("category", "unknown category "+string(input.Category))
	}
	if strings.TrimSpace(input.Title) == "" {
		return apperr.BadInput("title", "empty title")
	}
	if strings.TrimSpace(input.Content) == "" {
		return apperr.BadInput("content", "empty content")
	}
	if !model.ValidJurisdiction(input.Jurisdiction) {
		return apperr.BadInput("jurisdiction", "unknown jurisdiction "+input.Jurisdiction)
	}
	return nil
}
