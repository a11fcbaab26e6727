package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 错误类别
type Kind string

const (
	KindNotFound           Kind = "NOT_FOUND"
	KindExpired            Kind = "LICENSE_EXPIRED"
	KindDeviceLimitReached Kind = "DEVICE_LIMIT_REACHED"
	KindInvalidInput       Kind = "INVALID_INPUT"
	KindConflict           Kind = "CONFLICT"
	KindUnavailable        Kind = "UNAVAILABLE"
	KindForbidden          Kind = "FORBIDDEN"
)

// Error 核心层统一错误类型，调用方通过 Kind 分支处理
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is 让 errors.Is 可以按类别匹配哨兵错误
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// 用于 errors.Is 的哨兵值
var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrExpired            = &Error{Kind: KindExpired}
	ErrDeviceLimitReached = &Error{Kind: KindDeviceLimitReached}
	ErrInvalidInput       = &Error{Kind: KindInvalidInput}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrUnavailable        = &Error{Kind: KindUnavailable}
	ErrForbidden          = &Error{Kind: KindForbidden}
)

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func NotFound(format string, args ...interface{}) *Error {
	return Newf(KindNotFound, format, args...)
}

func InvalidInput(format string, args ...interface{}) *Error {
	return Newf(KindInvalidInput, format, args...)
}

// KindOf 返回错误类别；非 *Error 的错误一律视为基础设施故障
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnavailable
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf 返回可展示给调用方的错误描述
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// HTTPStatus 错误类别到 HTTP 状态码的映射
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindExpired, KindDeviceLimitReached, KindForbidden:
		return http.StatusForbidden
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}
