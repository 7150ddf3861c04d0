// Package tasks 定义了在 Kafka 上流转的异步任务载荷。
package tasks

// 触发向量化任务的原因。
const (
	ReasonCreated = "created"
	ReasonEdited  = "edited"
	ReasonResync  = "resync"
)

// PolicyEmbedTask 是一条策略文档向量化任务。
// Version 记录任务发起时文档的版本，落库时作为条件写入的闸门：
// 版本已前移的任务结果会被直接丢弃。
type PolicyEmbedTask struct {
	PolicyID string `json:"policyId"`
	Version  int    `json:"version"`
	Reason   string `json:"reason"`
}
