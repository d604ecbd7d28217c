package call

import "fmt"

// CallErrorCode типизированные коды ошибок реестра потоков
type CallErrorCode int

const (
	ErrorCodeSSRCInUse CallErrorCode = iota + 2000
	ErrorCodeInvalidConfig
	ErrorCodeStreamStopped
	ErrorCodeNoTransport
	ErrorCodeSendFailed
	ErrorCodeFecNotConfigured
)

// String возвращает строковое представление кода ошибки
func (code CallErrorCode) String() string {
	switch code {
	case ErrorCodeSSRCInUse:
		return "SSRCInUse"
	case ErrorCodeInvalidConfig:
		return "InvalidConfig"
	case ErrorCodeStreamStopped:
		return "StreamStopped"
	case ErrorCodeNoTransport:
		return "NoTransport"
	case ErrorCodeSendFailed:
		return "SendFailed"
	case ErrorCodeFecNotConfigured:
		return "FecNotConfigured"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// CallError ошибка реестра потоков и потоков.
// Сравнивается через errors.Is по коду.
type CallError struct {
	Code    CallErrorCode
	Message string
	SSRC    uint32
	Wrapped error
}

func (e *CallError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	if e.SSRC != 0 {
		msg = fmt.Sprintf("[call:%s] ssrc %d: %s", e.Code, e.SSRC, msg)
	} else {
		msg = fmt.Sprintf("[call:%s] %s", e.Code, msg)
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap возвращает обернутую ошибку
func (e *CallError) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду
func (e *CallError) Is(target error) bool {
	if t, ok := target.(*CallError); ok {
		return e.Code == t.Code
	}
	return false
}

// Эталонные ошибки для errors.Is
var (
	ErrSSRCInUse        = &CallError{Code: ErrorCodeSSRCInUse}
	ErrInvalidConfig    = &CallError{Code: ErrorCodeInvalidConfig}
	ErrStreamStopped    = &CallError{Code: ErrorCodeStreamStopped}
	ErrNoTransport      = &CallError{Code: ErrorCodeNoTransport}
	ErrSendFailed       = &CallError{Code: ErrorCodeSendFailed}
	ErrFecNotConfigured = &CallError{Code: ErrorCodeFecNotConfigured}
)

func newCallError(code CallErrorCode, ssrc uint32, message string, wrapped error) *CallError {
	return &CallError{
		Code:    code,
		Message: message,
		SSRC:    ssrc,
		Wrapped: wrapped,
	}
}
