package service

import (
	"errors"
	"fmt"
)

// Code 标识业务错误类别，handler 据此映射 HTTP 状态码。
type Code int

const (
	CodeBadRequest Code = iota
	CodeUnauthorized
	CodeForbidden
	CodeNotFound
	CodeConflict
	CodeServer
)

// Error 是业务层的统一错误类型。
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func BadRequestf(format string, args ...any) *Error {
	return &Error{Code: CodeBadRequest, Msg: fmt.Sprintf(format, args...)}
}

func Unauthorizedf(format string, args ...any) *Error {
	return &Error{Code: CodeUnauthorized, Msg: fmt.Sprintf(format, args...)}
}

func Forbiddenf(format string, args ...any) *Error {
	return &Error{Code: CodeForbidden, Msg: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Msg: fmt.Sprintf(format, args...)}
}

// wrap 把存储层等未预期的错误归入 Server 类别，业务错误原样透传。
func wrap(err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{Code: CodeServer, Msg: err.Error()}
}

// CodeOf 提取错误类别，非业务错误一律视为 Server。
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeServer
}
