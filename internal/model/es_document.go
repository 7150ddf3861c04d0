// Package model 定义了与数据库表对应的 Go 结构体。
package model

// EsPolicy 定义了存储在 Elasticsearch 中的策略向量文档结构。
// 仅镜像检索所需字段；权威数据始终在 MySQL 的 policies 表中。
type EsPolicy struct {
	PolicyID     string    `json:"policy_id"`
	Category     string    `json:"category"`
	Title        string    `json:"title"`
	Jurisdiction string    `json:"jurisdiction"`
	Status       string    `json:"status"`
	Version      int       `json:"version"`
	Vector       []float32 `json:"vector"`
	CreatedAtNs  int64     `json:"created_at_ns"` // 平分相似度时的确定性次序键
}
