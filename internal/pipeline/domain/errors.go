package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound 查無此 job_id
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotReady job 存在但尚未 completed，無法取得輸出
	ErrJobNotReady = errors.New("job not ready")
	// ErrJobConflict 條件更新未命中：job 已被其他 worker 領取或已終止
	ErrJobConflict = errors.New("job state conflict")
)

// ValidationError 客戶端輸入錯誤，不重試
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// NewValidationError create a ValidationError
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation check err is ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransientError 基礎設施暫時性錯誤（storage / queue），可重試
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return "transient infra error on " + e.Op + ": " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError create a TransientError
func NewTransientError(op string, err error) *TransientError {
	return &TransientError{Op: op, Err: err}
}

// IsTransient check err is TransientError
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// TransformError 外部轉檔操作失敗，計入 attempt_count，達上限後終止
type TransformError struct {
	Err error
}

func (e *TransformError) Error() string {
	return "transform failed: " + e.Err.Error()
}

func (e *TransformError) Unwrap() error { return e.Err }

// NewTransformError create a TransformError
func NewTransformError(err error) *TransformError {
	return &TransformError{Err: err}
}
