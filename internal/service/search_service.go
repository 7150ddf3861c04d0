// Package service 包含了应用的业务逻辑层。
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"hr-smart-go/internal/apperr"
	"hr-smart-go/internal/config"
	"hr-smart-go/internal/model"
	"hr-smart-go/internal/repository"
	"hr-smart-go/pkg/embedding"
	"hr-smart-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
)

// SearchOptions 为一次相似度检索的过滤与截断参数。
type SearchOptions struct {
	Jurisdiction string
	Category     model.PolicyCategory
	Limit        int
}

// SearchService 接口定义了策略相似度检索操作。
// 命中结果按相似度全精度降序排列，平分时按 (created_at, id) 升序，
// 相同输入与相同存量下重复调用结果逐字节一致。
type SearchService interface {
	// Search 以现成的查询向量执行检索。
	Search(ctx context.Context, queryVector []float32, opts SearchOptions) ([]model.PolicyMatch, error)
	// SearchText 先向量化查询文本再执行检索；空文本在任何外部调用前被拒绝。
	SearchText(ctx context.Context, query string, opts SearchOptions) ([]model.PolicyMatch, error)
	// Invalidate 使内存候选缓存失效，策略写路径在变更后调用。
	Invalidate()
}

type searchService struct {
	embeddingClient embedding.Client
	policyRepo      repository.PolicyRepository
	esClient        *elasticsearch.Client // 仅 elasticsearch 后端使用
	searchCfg       config.SearchConfig
	esCfg           config.ElasticsearchConfig

	// 内存后端的候选缓存：全量可检索文档，TTL 过期或显式失效后重载
	mu       sync.RWMutex
	cached   []*model.PolicyDocument
	loadedAt time.Time
}

// NewSearchService 创建一个新的 SearchService 实例。
// esClient 在内存后端下可以为 nil。
func NewSearchService(
	embeddingClient embedding.Client,
	policyRepo repository.PolicyRepository,
	esClient *elasticsearch.Client,
	searchCfg config.SearchConfig,
	esCfg config.ElasticsearchConfig,
) SearchService {
	return &searchService{
		embeddingClient: embeddingClient,
		policyRepo:      policyRepo,
		esClient:        esClient,
		searchCfg:       searchCfg,
		esCfg:           esCfg,
	}
}

// SearchText 向量化查询文本后执行检索。
func (s *searchService) SearchText(ctx context.Context, query string, opts SearchOptions) ([]model.PolicyMatch, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperr.BadInput("query", "empty query text")
	}
	log.Infof("[SearchService] 步骤1: 向量化查询文本, len=%d", len(query))
	queryVector, err := s.embeddingClient.Embed(ctx, query)
	if err != nil {
		log.Errorf("[SearchService] 向量化查询失败: %v", err)
		return nil, fmt.Errorf("failed to create query embedding: %w", err)
	}
	return s.Search(ctx, queryVector, opts)
}

// Search 执行相似度检索。
func (s *searchService) Search(ctx context.Context, queryVector []float32, opts SearchOptions) ([]model.PolicyMatch, error) {
	if len(queryVector) == 0 {
		return nil, apperr.BadInput("queryVector", "empty query vector")
	}
	if opts.Jurisdiction != "" && !model.ValidJurisdiction(opts.Jurisdiction) {
		return nil, apperr.BadInput("jurisdiction", "unknown jurisdiction "+opts.Jurisdiction)
	}
	if opts.Category != "" && !model.ValidCategory(opts.Category) {
		return nil, apperr.BadInput("category", "unknown category "+string(opts.Category))
	}

	limit := s.clampLimit(opts.Limit)
	log.Infof("[SearchService] 步骤2: 执行检索, backend=%s, jurisdiction=%q, category=%q, limit=%d",
		s.backend(), opts.Jurisdiction, opts.Category, limit)

	if s.backend() == "elasticsearch" {
		return s.searchES(ctx, queryVector, opts, limit)
	}
	return s.searchMemory(ctx, queryVector, opts, limit)
}

// Invalidate 清空内存候选缓存。
func (s *searchService) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.loadedAt = time.Time{}
	s.mu.Unlock()
}

func (s *searchService) backend() string {
	if s.searchCfg.Backend == "elasticsearch" && s.esClient != nil {
		return "elasticsearch"
	}
	return "memory"
}

// clampLimit 将请求条数限制到 [1, maxTopK]，未指定时取默认值。
func (s *searchService) clampLimit(limit int) int {
	if limit <= 0 {
		return s.searchCfg.DefaultTopKOr5()
	}
	if max := s.searchCfg.MaxTopKOr20(); limit > max {
		return max
	}
	return limit
}

// --- 内存后端：候选缓存 + 线性余弦扫描 ---

func (s *searchService) searchMemory(ctx context.Context, queryVector []float32, opts SearchOptions, limit int) ([]model.PolicyMatch, error) {
	candidates, err := s.loadCandidates(ctx)
	if err != nil {
		return nil, err
	}

	matches := make([]model.PolicyMatch, 0, len(candidates))
	for _, p := range candidates {
		if !matchesFilter(p, opts) {
			continue
		}
		sim := cosineSimilarity(queryVector, p.Embedding)
		matches = append(matches, model.PolicyMatch{
			Policy: p,
			// 展示归一化到 [0,1]；排序使用全精度值
			Similarity: (sim + 1) / 2,
		})
	}

	// 候选已按 (created_at, id) 升序，稳定排序保证平分时次序确定
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}
	log.Infof("[SearchService] 内存检索完成, candidates=%d, hits=%d", len(candidates), len(matches))
	return matches, nil
}

// loadCandidates 返回全量可检索文档，带 TTL 缓存。
func (s *searchService) loadCandidates(ctx context.Context) ([]*model.PolicyDocument, error) {
	ttl := time.Duration(s.searchCfg.CacheTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	s.mu.RLock()
	if s.cached != nil && time.Since(s.loadedAt) < ttl {
		cached := s.cached
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil && time.Since(s.loadedAt) < ttl {
		return s.cached, nil
	}

	candidates, err := s.policyRepo.FindRetrievable("", "")
	if err != nil {
		return nil, fmt.Errorf("failed to load policy candidates: %w", err)
	}
	s.cached = candidates
	s.loadedAt = time.Now()
	log.Infof("[SearchService] 候选缓存已重载, count=%d", len(candidates))
	return candidates, nil
}

// matchesFilter 应用辖区与分类过滤；无辖区的文档对所有辖区可见。
func matchesFilter(p *model.PolicyDocument, opts SearchOptions) bool {
	if opts.Jurisdiction != "" && p.Jurisdiction != "" && p.Jurisdiction != opts.Jurisdiction {
		return false
	}
	if opts.Category != "" && p.Category != opts.Category {
		return false
	}
	return true
}

// cosineSimilarity 计算两个向量的余弦相似度，范围 [-1,1]。
// 累加使用 float64 以避免长向量上的精度漂移。
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// --- Elasticsearch 后端：dense_vector KNN ---

func (s *searchService) searchES(ctx context.Context, queryVector []float32, opts SearchOptions, limit int) ([]model.PolicyMatch, error) {
	filters := []map[string]interface{}{
		{"term": map[string]interface{}{"status": string(model.StatusActive)}},
	}
	if opts.Jurisdiction != "" {
		filters = append(filters, map[string]interface{}{
			"bool": map[string]interface{}{
				"should": []map[string]interface{}{
					{"term": map[string]interface{}{"jurisdiction": opts.Jurisdiction}},
					{"term": map[string]interface{}{"jurisdiction": ""}},
				},
				"minimum_should_match": 1,
			},
		})
	}
	if opts.Category != "" {
		filters = append(filters, map[string]interface{}{
			"term": map[string]interface{}{"category": string(opts.Category)},
		})
	}

	esQuery := map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   queryVector,
			"k":              limit,
			"num_candidates": limit * 10,
			"filter":         map[string]interface{}{"bool": map[string]interface{}{"filter": filters}},
		},
		"size": limit,
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}

	log.Infof("[SearchService] 向 Elasticsearch 发送 KNN 检索请求, index=%s", s.esCfg.IndexName)
	res, err := s.esClient.Search(
		s.esClient.Search.WithContext(ctx),
		s.esClient.Search.WithIndex(s.esCfg.IndexName),
		s.esClient.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		log.Errorf("[SearchService] Elasticsearch 返回错误, status: %s, body: %s", res.Status(), string(bodyBytes))
		return nil, fmt.Errorf("elasticsearch returned an error: %s", res.Status())
	}

	var esResponse struct {
		Hits struct {
			Hits []struct {
				Source model.EsPolicy `json:"_source"`
				Score  float64        `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}

	type scoredHit struct {
		policyID    string
		score       float64
		createdAtNs int64
	}
	hits := make([]scoredHit, 0, len(esResponse.Hits.Hits))
	for _, h := range esResponse.Hits.Hits {
		hits = append(hits, scoredHit{
			policyID:    h.Source.PolicyID,
			score:       h.Score,
			createdAtNs: h.Source.CreatedAtNs,
		})
	}
	// ES 对同分命中不保证次序，客户端按 (score desc, created_at asc, id asc) 重排
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		if hits[i].createdAtNs != hits[j].createdAtNs {
			return hits[i].createdAtNs < hits[j].createdAtNs
		}
		return hits[i].policyID < hits[j].policyID
	})

	// 权威字段批量回源 MySQL，索引中的镜像仅用于召回与排序
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.policyID)
	}
	rows, err := s.policyRepo.FindByIDs(ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load policies for es hits: %w", err)
	}
	byID := make(map[string]*model.PolicyDocument, len(rows))
	for _, p := range rows {
		byID[p.ID] = p
	}

	matches := make([]model.PolicyMatch, 0, len(hits))
	for _, h := range hits {
		p, ok := byID[h.policyID]
		if !ok {
			log.Warnf("[SearchService] 索引命中但主库缺失, policy=%s", h.policyID)
			continue
		}
		if !p.Retrievable() {
			// 索引滞后于主库时跳过，不把不可检索文档返回给调用方
			continue
		}
		if !matchesFilter(p, opts) {
			// 过滤条件以主库行复核：索引中的辖区/分类可能滞后于元数据编辑
			continue
		}
		matches = append(matches, model.PolicyMatch{Policy: p, Similarity: h.score})
	}

	log.Infof("[SearchService] Elasticsearch 检索完成, hits=%d", len(matches))
	return matches, nil
}
