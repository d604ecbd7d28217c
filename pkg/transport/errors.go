package transport

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// NetworkErrorType тип сетевой ошибки
type NetworkErrorType int

const (
	ErrorTypeUnknown    NetworkErrorType = iota
	ErrorTypeTimeout                     // таймаут чтения, повторить
	ErrorTypeConnection                  // ICMP ошибка от удаленной стороны, повторить
	ErrorTypePermanent                   // сокет закрыт или неисправим
)

func (t NetworkErrorType) String() string {
	switch t {
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeConnection:
		return "connection"
	case ErrorTypePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ClassifiedError сетевая ошибка с типом
type ClassifiedError struct {
	Type      NetworkErrorType
	Operation string
	Err       error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Operation, e.Type, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Retryable сообщает, имеет ли смысл повторить операцию
func (e *ClassifiedError) Retryable() bool {
	return e.Type == ErrorTypeTimeout || e.Type == ErrorTypeConnection
}

// IsTimeout сообщает, является ли err таймаутом чтения. Таймаут не является
// ошибкой приема: вызывающий просто повторяет чтение.
func IsTimeout(err error) bool {
	var classified *ClassifiedError
	return errors.As(err, &classified) && classified.Type == ErrorTypeTimeout
}

var (
	connectionErrnos = []syscall.Errno{syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ENETUNREACH, syscall.EHOSTUNREACH}
	permanentErrnos  = []syscall.Errno{syscall.EINVAL, syscall.EACCES, syscall.EAFNOSUPPORT}
)

func classifyNetworkError(operation string, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Operation: operation, Err: err, Type: networkErrorType(err)}
}

func networkErrorType(err error) NetworkErrorType {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTypeTimeout
	}
	if errors.Is(err, net.ErrClosed) || matchErrno(err, permanentErrnos) {
		return ErrorTypePermanent
	}
	if matchErrno(err, connectionErrnos) {
		return ErrorTypeConnection
	}
	return ErrorTypeUnknown
}

func matchErrno(err error, errnos []syscall.Errno) bool {
	for _, errno := range errnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
