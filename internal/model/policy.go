// Package model 包含了应用的数据模型定义。
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// PolicyCategory 为策略文档的分类枚举。
type PolicyCategory string

const (
	CategoryLeave         PolicyCategory = "leave"
	CategoryExpense       PolicyCategory = "expense"
	CategoryPromotion     PolicyCategory = "promotion"
	CategoryBenefits      PolicyCategory = "benefits"
	CategoryCodeOfConduct PolicyCategory = "code_of_conduct"
	CategoryRemoteWork    PolicyCategory = "remote_work"
	CategoryOther         PolicyCategory = "other"
)

// ValidCategory 校验分类是否属于闭集。
func ValidCategory(c PolicyCategory) bool {
	switch c {
	case CategoryLeave, CategoryExpense, CategoryPromotion, CategoryBenefits,
		CategoryCodeOfConduct, CategoryRemoteWork, CategoryOther:
		return true
	}
	return false
}

// PolicyStatus 为策略文档的生命周期状态。
type PolicyStatus string

const (
	StatusDraft    PolicyStatus = "draft"
	StatusActive   PolicyStatus = "active"
	StatusArchived PolicyStatus = "archived"
)

// 司法辖区闭集，空字符串表示适用于全部辖区。
const (
	JurisdictionMY = "MY"
	JurisdictionSG = "SG"
	JurisdictionUK = "UK"
	JurisdictionUS = "US"
)

// ValidJurisdiction 校验辖区取值（空值合法，表示全辖区适用）。
func ValidJurisdiction(j string) bool {
	switch j {
	case "", JurisdictionMY, JurisdictionSG, JurisdictionUK, JurisdictionUS:
		return true
	}
	return false
}

// Vector 是以 JSON 形式落库的嵌入向量。nil 表示尚未计算（NULL）。
type Vector []float32

// Value 实现 driver.Valuer。
func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Scan 实现 sql.Scanner。
func (v *Vector) Scan(src interface{}) error {
	if src == nil {
		*v = nil
		return nil
	}
	var data []byte
	switch s := src.(type) {
	case []byte:
		data = s
	case string:
		data = []byte(s)
	default:
		return fmt.Errorf("unsupported vector column type %T", src)
	}
	return json.Unmarshal(data, v)
}

// JSONMap 是以 JSON 形式落库的自由元数据。
type JSONMap map[string]interface{}

// Value 实现 driver.Valuer。
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan 实现 sql.Scanner。
func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	var data []byte
	switch s := src.(type) {
	case []byte:
		data = s
	case string:
		data = []byte(s)
	default:
		return fmt.Errorf("unsupported metadata column type %T", src)
	}
	return json.Unmarshal(data, m)
}

// PolicyDocument 对应于数据库中的 policies 表。
// 一条 status=active 且 embedding 非空的记录才具备被检索资格；
// archived 记录永远不会出现在检索结果中。
type PolicyDocument struct {
	ID            string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	Category      PolicyCategory `gorm:"type:varchar(32);not null;index" json:"category"`
	Title         string         `gorm:"type:varchar(255);not null" json:"title"`
	Content       string         `gorm:"type:text;not null" json:"content"`
	Jurisdiction  string         `gorm:"type:varchar(8);index" json:"jurisdiction"`
	EffectiveDate time.Time      `json:"effectiveDate"`
	Version       int            `gorm:"not null;default:1" json:"version"`
	Status        PolicyStatus   `gorm:"type:varchar(16);not null;default:active;index" json:"status"`
	Embedding     Vector         `gorm:"type:json" json:"-"`
	Metadata      JSONMap        `gorm:"type:json" json:"metadata"`
	CreatedBy     string         `gorm:"type:varchar(36)" json:"createdBy"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (PolicyDocument) TableName() string {
	return "policies"
}

// Retrievable 报告该文档当前是否具备被检索资格。
func (p *PolicyDocument) Retrievable() bool {
	return p.Status == StatusActive && len(p.Embedding) > 0
}

// EmbeddingText 返回参与向量化的文本：标题与正文一起嵌入，
// 使仅出现在标题中的关键词也能被语义检索命中。
func (p *PolicyDocument) EmbeddingText() string {
	return p.Title + "\n\n" + p.Content
}

// EsDocument 构造该文档在 Elasticsearch 中的镜像。
func (p *PolicyDocument) EsDocument() EsPolicy {
	return EsPolicy{
		PolicyID:     p.ID,
		Category:     string(p.Category),
		Title:        p.Title,
		Jurisdiction: p.Jurisdiction,
		Status:       string(p.Status),
		Version:      p.Version,
		Vector:       []float32(p.Embedding),
		CreatedAtNs:  p.CreatedAt.UnixNano(),
	}
}

// PolicyMatch 是一条检索命中：文档引用 + 相似度。
// Similarity 始终保留全精度用于排序，展示时才经 DisplayScore 舍入。
type PolicyMatch struct {
	Policy     *PolicyDocument
	Similarity float64
}

// DisplayScore 返回舍入到两位小数的相似度，仅用于对外展示。
// 舍入只发生在展示边界，绝不参与排序比较。
func (m PolicyMatch) DisplayScore() float64 {
	return math.Round(m.Similarity*100) / 100
}

// PolicySource 是回答中引用的策略来源，直接取自检索输入的文档，
// 而非从生成文本反推，保证引用始终指向真实记录。
type PolicySource struct {
	PolicyID string `json:"policy_id"`
	Title    string `json:"title"`
}
