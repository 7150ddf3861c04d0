// Package repository 提供了数据访问层的实现。
package repository

import (
	"errors"
	"fmt"

	"hr-smart-go/internal/apperr"
	"hr-smart-go/internal/model"

	"gorm.io/gorm"
)

// ListPolicyOptions 为策略列表查询的过滤与分页参数。
type ListPolicyOptions struct {
	Jurisdiction string
	Category     model.PolicyCategory
	Status       model.PolicyStatus
	Page         int
	Limit        int
}

// PolicyRepository 定义了对 policies 表的数据操作接口。
type PolicyRepository interface {
	Create(p *model.PolicyDocument) error
	// Save 以版本条件更新整条记录；版本不匹配返回 apperr.ErrStaleWrite。
	Save(p *model.PolicyDocument, expectedVersion int) error
	// SetEmbedding 仅当文档仍存在且版本一致时写入向量，
	// 否则返回 apperr.ErrStaleWrite（由调用方静默丢弃）。
	SetEmbedding(id string, version int, vec model.Vector) error
	FindByID(id string) (*model.PolicyDocument, error)
	// FindByIDs 批量查找，缺失的 id 直接跳过，不报错。
	FindByIDs(ids []string) ([]*model.PolicyDocument, error)
	Delete(id string) error
	List(opts ListPolicyOptions) ([]*model.PolicyDocument, int64, error)
	// FindRetrievable 返回候选检索集：status=active 且 embedding 非空，
	// 按 (created_at, id) 升序保证候选次序确定。
	FindRetrievable(jurisdiction string, category model.PolicyCategory) ([]*model.PolicyDocument, error)
	// FindPendingEmbedding 返回待向量化的 active 文档，供补偿扫描使用。
	FindPendingEmbedding(limit int) ([]*model.PolicyDocument, error)
}

type policyRepository struct {
	db *gorm.DB
}

// NewPolicyRepository 创建一个新的 PolicyRepository 实例。
func NewPolicyRepository(db *gorm.DB) PolicyRepository {
	return &policyRepository{db: db}
}

// Create 创建一条策略文档记录。
func (r *policyRepository) Create(p *model.PolicyDocument) error {
	return r.db.Create(p).Error
}

// Save 以版本条件更新记录。embedding 为 nil 时显式写入 NULL。
func (r *policyRepository) Save(p *model.PolicyDocument, expectedVersion int) error {
	updates := map[string]interface{}{
		"category":       p.Category,
		"title":          p.Title,
		"content":        p.Content,
		"jurisdiction":   p.Jurisdiction,
		"effective_date": p.EffectiveDate,
		"version":        p.Version,
		"status":         p.Status,
		"metadata":       p.Metadata,
	}
	if p.Embedding == nil {
		updates["embedding"] = nil
	} else {
		updates["embedding"] = p.Embedding
	}

	res := r.db.Model(&model.PolicyDocument{}).
		Where("id = ? AND version = ?", p.ID, expectedVersion).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.zeroRowsReason(p.ID)
	}
	return nil
}

// SetEmbedding 执行版本闸门式的单行条件更新。
func (r *policyRepository) SetEmbedding(id string, version int, vec model.Vector) error {
	res := r.db.Model(&model.PolicyDocument{}).
		Where("id = ? AND version = ?", id, version).
		Update("embedding", vec)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.zeroRowsReason(id)
	}
	return nil
}

// zeroRowsReason 区分条件更新零行的两种原因：记录不存在或版本已前移。
func (r *policyRepository) zeroRowsReason(id string) error {
	var count int64
	if err := r.db.Model(&model.PolicyDocument{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return apperr.ErrNotFound
	}
	return apperr.ErrStaleWrite
}

// FindByID 根据主键查找策略文档。
func (r *policyRepository) FindByID(id string) (*model.PolicyDocument, error) {
	var p model.PolicyDocument
	err := r.db.Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// FindByIDs 批量查找策略文档。
func (r *policyRepository) FindByIDs(ids []string) ([]*model.PolicyDocument, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var policies []*model.PolicyDocument
	if err := r.db.Where("id IN ?", ids).Find(&policies).Error; err != nil {
		return nil, err
	}
	return policies, nil
}

// Delete 物理删除一条策略文档（管理清除操作）。
func (r *policyRepository) Delete(id string) error {
	res := r.db.Where("id = ?", id).Delete(&model.PolicyDocument{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// List 按过滤条件分页查询策略文档。
func (r *policyRepository) List(opts ListPolicyOptions) ([]*model.PolicyDocument, int64, error) {
	status := opts.Status
	if status == "" {
		status = model.StatusActive
	}
	q := r.db.Model(&model.PolicyDocument{}).Where("status = ?", status)
	if opts.Jurisdiction != "" {
		q = q.Where("jurisdiction = ? OR jurisdiction = '' OR jurisdiction IS NULL", opts.Jurisdiction)
	}
	if opts.Category != "" {
		q = q.Where("category = ?", opts.Category)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := opts.Page
	if page <= 0 {
		page = 1
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	var policies []*model.PolicyDocument
	err := q.Order("effective_date DESC, title ASC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&policies).Error
	if err != nil {
		return nil, 0, err
	}
	return policies, total, nil
}

// FindRetrievable 返回具备检索资格的候选文档。
func (r *policyRepository) FindRetrievable(jurisdiction string, category model.PolicyCategory) ([]*model.PolicyDocument, error) {
	q := r.db.Model(&model.PolicyDocument{}).
		Where("status = ?", model.StatusActive).
		Where("embedding IS NOT NULL")
	if jurisdiction != "" {
		q = q.Where("jurisdiction = ? OR jurisdiction = '' OR jurisdiction IS NULL", jurisdiction)
	}
	if category != "" {
		q = q.Where("category = ?", category)
	}

	var policies []*model.PolicyDocument
	err := q.Order("created_at ASC, id ASC").Find(&policies).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load retrievable policies: %w", err)
	}
	return policies, nil
}

// FindPendingEmbedding 返回待向量化的 active 文档。
func (r *policyRepository) FindPendingEmbedding(limit int) ([]*model.PolicyDocument, error) {
	if limit <= 0 {
		limit = 100
	}
	var policies []*model.PolicyDocument
	err := r.db.Model(&model.PolicyDocument{}).
		Where("status = ?", model.StatusActive).
		Where("embedding IS NULL").
		Order("updated_at ASC").
		Limit(limit).
		Find(&policies).Error
	if err != nil {
		return nil, err
	}
	return policies, nil
}
