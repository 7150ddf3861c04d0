// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	LLM           LLMConfig           `mapstructure:"llm"`
	AI            AIConfig            `mapstructure:"ai"`
	Search        SearchConfig        `mapstructure:"search"`
	Chat          ChatConfig          `mapstructure:"chat"`
}

// ServerConfig 存储服务进程相关的配置。
type ServerConfig struct {
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置，用于策略文档向量化任务队列。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
// 仅当 search.backend 为 "elasticsearch" 时生效。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"`
	Model          string `mapstructure:"model"`
	Dimensions     int    `mapstructure:"dimensions"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey         string              `mapstructure:"api_key"`
	BaseURL        string              `mapstructure:"base_url"`
	Model          string              `mapstructure:"model"`
	TimeoutSeconds int                 `mapstructure:"timeout_seconds"`
	MaxRetries     int                 `mapstructure:"max_retries"`
	Generation     LLMGenerationConfig `mapstructure:"generation"`
}

// LLMGenerationConfig 配置默认生成参数（可选，调用方可覆盖）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// AIConfig 配置提示词相关内容。
type AIConfig struct {
	Prompt AIPromptConfig `mapstructure:"prompt"`
}

// AIPromptConfig 配置系统提示规则与检索上下文包裹格式。
type AIPromptConfig struct {
	Rules        string `mapstructure:"rules"`
	RefStart     string `mapstructure:"ref-start"`
	RefEnd       string `mapstructure:"ref-end"`
	NoResultText string `mapstructure:"no-result-text"`
}

// SearchConfig 存储策略相似度检索相关的配置。
type SearchConfig struct {
	// Backend 可选 "memory"（默认，内存缓存 + 线性扫描）或 "elasticsearch"。
	Backend         string `mapstructure:"backend"`
	DefaultTopK     int    `mapstructure:"default_top_k"`
	MaxTopK         int    `mapstructure:"max_top_k"`
	CacheTTLSeconds int    `mapstructure:"cache_ttl_seconds"`
}

// ChatConfig 存储会话编排相关的配置。
type ChatConfig struct {
	// HistoryWindow 为通用问答回退时携带的最近消息条数。
	HistoryWindow     int `mapstructure:"history_window"`
	HistoryTTLHours   int `mapstructure:"history_ttl_hours"`
	MaxUtteranceRunes int `mapstructure:"max_utterance_runes"`
}

// DefaultTopKOr5 返回检索默认条数，未配置时为 5。
func (c SearchConfig) DefaultTopKOr5() int {
	if c.DefaultTopK <= 0 {
		return 5
	}
	return c.DefaultTopK
}

// MaxTopKOr20 返回单次检索条数硬上限，未配置时为 20。
func (c SearchConfig) MaxTopKOr20() int {
	if c.MaxTopK <= 0 {
		return 20
	}
	return c.MaxTopK
}

// HistoryWindowOr10 返回历史窗口大小，未配置时为 10。
func (c ChatConfig) HistoryWindowOr10() int {
	if c.HistoryWindow <= 0 {
		return 10
	}
	return c.HistoryWindow
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := viper.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}
}
