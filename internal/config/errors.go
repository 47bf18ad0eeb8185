package config

import "fmt"

// FieldError 提供字段路径与错误原因，便于 CLI 向用户反馈。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// newFieldError 创建包含字段路径与原因的 error，便于 CLI 定位。
func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

// ruleField 拼接规则级字段路径，输出 rules[xxx].field 形式。
func ruleField(name, field string) string {
	if name == "" {
		return fmt.Sprintf("rules[].%s", field)
	}
	return fmt.Sprintf("rules[%s].%s", name, field)
}

// policyField 拼接策略级字段路径。
func policyField(name, field string) string {
	if name == "" {
		return fmt.Sprintf("policies[].%s", field)
	}
	return fmt.Sprintf("policies[%s].%s", name, field)
}

// storageField 拼接存储级字段路径。
func storageField(name, field string) string {
	if name == "" {
		return fmt.Sprintf("storages[].%s", field)
	}
	return fmt.Sprintf("storages[%s].%s", name, field)
}
