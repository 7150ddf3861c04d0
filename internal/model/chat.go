package model

import "time"

// 消息角色取值。
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatSession 对应于数据库中的 chat_sessions 表。
// TotalMessages 是派生计数，每完成一次用户/助手交互 +2。
type ChatSession struct {
	ID              string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	EmployeeID      string     `gorm:"type:varchar(36);not null;index" json:"employeeId"`
	StartedAt       time.Time  `gorm:"autoCreateTime" json:"startedAt"`
	EndedAt         *time.Time `json:"endedAt"`
	SessionMetadata JSONMap    `gorm:"type:json" json:"sessionMetadata"`
	TotalMessages   int        `gorm:"not null;default:0" json:"totalMessages"`
}

func (ChatSession) TableName() string {
	return "chat_sessions"
}

// ChatMessage 对应于数据库中的 chat_messages 表。
// 助手消息的 Metadata 中携带来源列表（intent=policy_question 时）。
type ChatMessage struct {
	ID         string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	SessionID  string    `gorm:"type:varchar(36);not null;index" json:"sessionId"`
	Role       string    `gorm:"type:varchar(16);not null" json:"role"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	Intent     string    `gorm:"type:varchar(32)" json:"intent,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Metadata   JSONMap   `gorm:"type:json" json:"metadata"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (ChatMessage) TableName() string {
	return "chat_messages"
}

// HistoryMessage 是缓存于 Redis 的轻量历史条目，仅保留组装提示所需字段。
type HistoryMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SourceRef 是对外展示的引用条目，相似度已舍入到两位小数。
type SourceRef struct {
	PolicyID   string  `json:"policy_id"`
	Title      string  `json:"title"`
	Similarity float64 `json:"relevance_score"`
}

// ChatResponse 是编排器对一条用户消息的最终回复。
type ChatResponse struct {
	Message *ChatMessage `json:"message"`
	Sources []SourceRef  `json:"sources"`
}
