// Package apperr 定义了核心流程共享的错误分类。
// 调用方通过 errors.Is / errors.As 区分错误类别并决定传播策略。
package apperr

import (
	"errors"
	"fmt"
)

// ErrNotFound 表示引用的文档或会话不存在。
var ErrNotFound = errors.New("record not found")

// ErrStaleWrite 表示带版本条件的写入因版本不匹配而未生效。
// 该错误不对用户暴露，调用方记录日志后静默丢弃。
var ErrStaleWrite = errors.New("stale conditional write")

// BadInputError 表示进入任何外部调用之前即被拒绝的非法输入。
type BadInputError struct {
	Field  string
	Reason string
}

func (e *BadInputError) Error() string {
	return fmt.Sprintf("bad input: %s: %s", e.Field, e.Reason)
}

// BadInput 构造一个 BadInputError。
func BadInput(field, reason string) error {
	return &BadInputError{Field: field, Reason: reason}
}

// IsBadInput 判断 err 是否为输入校验错误。
func IsBadInput(err error) bool {
	var be *BadInputError
	return errors.As(err, &be)
}

// ProviderError 表示外部模型服务（embedding / 生成）调用失败。
// 属于瞬时故障，适配器内部已做有限重试；Retryable 表示耗尽重试前该错误是否可重试。
type ProviderError struct {
	Provider  string // "embedding" 或 "llm"
	Op        string // 例如 "embeddings", "chat/completions"
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError 构造一个 ProviderError。
func NewProviderError(provider, op string, retryable bool, err error) error {
	return &ProviderError{Provider: provider, Op: op, Retryable: retryable, Err: err}
}

// IsProvider 判断 err 是否为外部模型服务错误。
func IsProvider(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
