package ladder

import (
	"errors"
	"fmt"
)

// ErrValidation 标识所有阶梯参数校验失败。
var ErrValidation = errors.New("ladder: invalid parameters")

// ValidationError 指出具体不合法的字段。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ladder: %s %s", e.Field, e.Reason)
}

// Unwrap 使 errors.Is(err, ErrValidation) 成立。
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
