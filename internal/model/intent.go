package model

// Intent 为用户话语的意图标签闭集。
type Intent string

const (
	IntentPolicyQuestion    Intent = "policy_question"
	IntentRequestSubmission Intent = "request_submission"
	IntentStatusCheck       Intent = "status_check"
	IntentGeneralInquiry    Intent = "general_inquiry"
	IntentGreeting          Intent = "greeting"
	IntentUnknown           Intent = "unknown"
)

// ValidIntent 校验标签是否属于闭集。
func ValidIntent(i Intent) bool {
	switch i {
	case IntentPolicyQuestion, IntentRequestSubmission, IntentStatusCheck,
		IntentGeneralInquiry, IntentGreeting, IntentUnknown:
		return true
	}
	return false
}

// IntentClassification 是意图分类的结果。
// 分类器解析失败时返回 {unknown, 0, {}}，绝不向上层抛错。
type IntentClassification struct {
	Intent     Intent                 `json:"intent"`
	Confidence float64                `json:"confidence"`
	Entities   map[string]interface{} `json:"entities"`
}

// UnknownClassification 返回安全的兜底分类结果。
func UnknownClassification() IntentClassification {
	return IntentClassification{
		Intent:     IntentUnknown,
		Confidence: 0,
		Entities:   map[string]interface{}{},
	}
}
