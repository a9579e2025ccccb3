package saga

import "fmt"

// Коды ошибок саги
const (
	ErrCodeMalformedEvent     = "MALFORMED_EVENT"
	ErrCodeUnexpectedEvent    = "UNEXPECTED_EVENT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeVersionConflict    = "VERSION_CONFLICT"
	ErrCodeDuplicateInstance  = "DUPLICATE_INSTANCE"
	ErrCodeDispatchFailed     = "DISPATCH_FAILED"
	ErrCodeCompensationFailed = "COMPENSATION_FAILED"
)

// SagaError ошибка саги с кодом и шагом, на котором она возникла.
// Возвращается значением и разворачивается через errors.Is/As,
// а не пробрасывается исключением.
type SagaError struct {
	Code    string
	Step    State
	Message string
	Cause   error
}

// Error реализует интерфейс error
func (e *SagaError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] step=%s %s: %v", e.Code, e.Step, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] step=%s %s", e.Code, e.Step, e.Message)
}

// Unwrap возвращает причину ошибки
func (e *SagaError) Unwrap() error {
	return e.Cause
}

// Is сравнивает ошибки по коду
func (e *SagaError) Is(target error) bool {
	if t, ok := target.(*SagaError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewError создает новую ошибку саги
func NewError(code string, step State, message string) *SagaError {
	return &SagaError{Code: code, Step: step, Message: message}
}

// WrapError оборачивает существующую ошибку
func WrapError(err error, code string, step State, message string) *SagaError {
	if err == nil {
		return nil
	}
	return &SagaError{Code: code, Step: step, Message: message, Cause: err}
}
