package models

// ErrorKind classifies a failed Result.
type ErrorKind string

const (
	ErrKindValidation   ErrorKind = "validation"
	ErrKindUnauthorized ErrorKind = "unauthorized"
	ErrKindNotFound     ErrorKind = "not_found"
	ErrKindUpstream     ErrorKind = "upstream"
	ErrKindNetwork      ErrorKind = "network"
	ErrKindInternal     ErrorKind = "internal"
)

// Result is the envelope every API response uses. Exactly one of Data or
// Code/Message is meaningful, selected by OK.
type Result[T any] struct {
	OK      bool      `json:"ok"`
	Data    T         `json:"data,omitempty"`
	Code    ErrorKind `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
}

func Success[T any](data T) Result[T] {
	return Result[T]{OK: true, Data: data}
}

func Failure[T any](code ErrorKind, message string) Result[T] {
	return Result[T]{Code: code, Message: message}
}
