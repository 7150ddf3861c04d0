// Package pipeline 定义了策略向量化的核心流程。
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"hr-smart-go/internal/apperr"
	"hr-smart-go/internal/config"
	"hr-smart-go/internal/model"
	"hr-smart-go/internal/repository"
	"hr-smart-go/pkg/embedding"
	"hr-smart-go/pkg/es"
	"hr-smart-go/pkg/log"
	"hr-smart-go/pkg/tasks"
)

// Invalidator 在向量写入成功后刷新检索侧的候选缓存。
type Invalidator interface {
	Invalidate()
}

// Processor 封装了向量化任务的所有依赖和逻辑。
type Processor struct {
	embeddingClient embedding.Client
	policyRepo      repository.PolicyRepository
	esCfg           config.ElasticsearchConfig
	mirrorToES      bool
	invalidator     Invalidator
}

// NewProcessor 创建一个新的 Processor 实例。
// mirrorToES 为 false 时跳过 Elasticsearch 镜像写入（memory 检索后端）。
func NewProcessor(
	embeddingClient embedding.Client,
	policyRepo repository.PolicyRepository,
	esCfg config.ElasticsearchConfig,
	mirrorToES bool,
	invalidator Invalidator,
) *Processor {
	return &Processor{
		embeddingClient: embeddingClient,
		policyRepo:      policyRepo,
		esCfg:           esCfg,
		mirrorToES:      mirrorToES,
		invalidator:     invalidator,
	}
}

// Process 是向量化任务的主函数。
// 返回 nil 表示任务可提交位点；返回错误则由消费方按重试策略处理。
// 版本闸门保证任意执行次序下最终落库的向量与最新内容一致。
func (p *Processor) Process(ctx context.Context, task tasks.PolicyEmbedTask) error {
	log.Infof("[Processor] 开始处理向量化任务, PolicyID: %s, Version: %d, Reason: %s",
		task.PolicyID, task.Version, task.Reason)

	// 1. 加载权威文档并校验任务仍然有效
	log.Infof("[Processor] 步骤1: 加载策略文档, PolicyID: %s", task.PolicyID)
	policy, err := p.policyRepo.FindByID(task.PolicyID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			// 文档已删除，任务作废
			log.Warnf("[Processor] 策略文档已不存在, 丢弃任务, PolicyID: %s", task.PolicyID)
			return nil
		}
		log.Errorf("[Processor] 加载策略文档失败, PolicyID: %s, Error: %v", task.PolicyID, err)
		return fmt.Errorf("failed to load policy %s: %w", task.PolicyID, err)
	}
	if policy.Status == model.StatusArchived {
		log.Infof("[Processor] 策略文档已归档, 丢弃任务, PolicyID: %s", task.PolicyID)
		return nil
	}
	if policy.Version != task.Version {
		// 任务入队后内容又被编辑过，新版本有自己的任务在队列里
		log.Infof("[Processor] 策略版本已前移 (任务 v%d, 当前 v%d), 丢弃任务, PolicyID: %s",
			task.Version, policy.Version, task.PolicyID)
		return nil
	}

	// 2. 调用向量化服务
	log.Infof("[Processor] 步骤2: 开始向量化, PolicyID: %s, 内容长度: %d", task.PolicyID, len(policy.Content))
	vector, err := p.embeddingClient.Embed(ctx, policy.EmbeddingText())
	if err != nil {
		log.Errorf("[Processor] 向量化失败, PolicyID: %s, Error: %v", task.PolicyID, err)
		return fmt.Errorf("failed to embed policy %s: %w", task.PolicyID, err)
	}
	log.Infof("[Processor] 步骤2: 向量化成功, 维度: %d", len(vector))

	// 3. 版本闸门式写入 MySQL；过期写静默丢弃
	log.Infof("[Processor] 步骤3: 写入向量, PolicyID: %s, Version: %d", task.PolicyID, task.Version)
	if err := p.policyRepo.SetEmbedding(task.PolicyID, task.Version, model.Vector(vector)); err != nil {
		if errors.Is(err, apperr.ErrStaleWrite) {
			log.Infof("[Processor] 向量写入时版本已前移, 静默丢弃, PolicyID: %s, Version: %d",
				task.PolicyID, task.Version)
			return nil
		}
		if errors.Is(err, apperr.ErrNotFound) {
			log.Warnf("[Processor] 向量写入时文档已删除, 丢弃任务, PolicyID: %s", task.PolicyID)
			return nil
		}
		log.Errorf("[Processor] 向量写入失败, PolicyID: %s, Error: %v", task.PolicyID, err)
		return fmt.Errorf("failed to store embedding for policy %s: %w", task.PolicyID, err)
	}

	// 4. 镜像到 Elasticsearch（可选后端）
	if p.mirrorToES {
		log.Infof("[Processor] 步骤4: 镜像到Elasticsearch, Index: %s, PolicyID: %s", p.esCfg.IndexName, task.PolicyID)
		policy.Embedding = model.Vector(vector)
		if err := es.IndexPolicy(ctx, p.esCfg.IndexName, policy.EsDocument()); err != nil {
			log.Errorf("[Processor] 镜像到Elasticsearch失败, PolicyID: %s, Error: %v", task.PolicyID, err)
			return fmt.Errorf("failed to index policy %s: %w", task.PolicyID, err)
		}
	}

	if p.invalidator != nil {
		p.invalidator.Invalidate()
	}

	log.Infof("[Processor] 向量化任务处理成功, PolicyID: %s, Version: %d", task.PolicyID, task.Version)
	return nil
}
