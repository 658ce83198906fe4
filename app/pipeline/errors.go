package pipeline

import (
	"errors"
	"fmt"
)

// FailureKind 阶段失败的分类
type FailureKind int

const (
	KindRetryable FailureKind = iota + 1
	KindFatal
)

func (k FailureKind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// StageError 由协作方返回的、带分类的错误
type StageError struct {
	Kind FailureKind
	Err  error
}

func (e *StageError) Error() string {
	return e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Retryable 标记为可重试错误
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Kind: KindRetryable, Err: err}
}

// Fatal 标记为不可重试错误
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Kind: KindFatal, Err: err}
}

// Retryablef 格式化并标记为可重试错误
func Retryablef(format string, args ...any) error {
	return Retryable(fmt.Errorf(format, args...))
}

// Fatalf 格式化并标记为不可重试错误
func Fatalf(format string, args ...any) error {
	return Fatal(fmt.Errorf(format, args...))
}

// Classify 判断错误类别。超时视为可重试；未标记的错误也视为可重试，
// 由重试上限兜底。
func Classify(err error) FailureKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindRetryable
}
