package tkerr

import (
	"errors"
	"fmt"
)

// Error kinds across component boundaries. Callers match with errors.Is.
var (
	// ErrInput 输入错误：文件缺失、不可读、缺少数据表头
	ErrInput = errors.New("input error")

	// ErrDependency 外部服务不可用（embed / rerank / VLM / LLM）
	ErrDependency = errors.New("dependency error")

	// ErrValidation 生成的 SQL 不安全或语法非法
	ErrValidation = errors.New("validation error")

	// ErrConflict 记录已存在且未开启 force_reindex
	ErrConflict = errors.New("conflict error")

	// ErrPermission RBAC 拒绝
	ErrPermission = errors.New("permission denied")

	// ErrPartialWrite 双写只成功了一侧
	ErrPartialWrite = errors.New("partial write")

	// ErrTimeout VLM 任务超时
	ErrTimeout = errors.New("timeout")
)

// Inputf wraps a formatted message as an input error.
func Inputf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInput}, args...)...)
}

// Dependencyf wraps a formatted message as a dependency error.
func Dependencyf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrDependency}, args...)...)
}

// Validationf wraps a formatted message as a validation error.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrValidation}, args...)...)
}

// Permissionf wraps a formatted message as a permission error.
func Permissionf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrPermission}, args...)...)
}
