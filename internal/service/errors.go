package service

import (
	"errors"

	"github.com/lvdashuaibi/securevote/internal/model"
)

// Code 错误码，GraphQL通过 extensions.code 暴露
type Code string

const (
	CodeNotEligible        Code = "NOT_ELIGIBLE"
	CodeInvalidState       Code = "INVALID_STATE"
	CodeCredentialRejected Code = "CREDENTIAL_REJECTED"
	CodeOtpMismatch        Code = "OTP_MISMATCH"
	CodeOtpLockout         Code = "OTP_LOCKOUT"
	CodeSessionNotFound    Code = "SESSION_NOT_FOUND"
	CodeExpired            Code = "EXPIRED"
	CodeAlreadyVoted       Code = "ALREADY_VOTED"
	CodeLedgerUnavailable  Code = "LEDGER_UNAVAILABLE"
	CodeTimeout            Code = "TIMEOUT"
	CodeUnavailable        Code = "UNAVAILABLE"
	CodeElectionClosed     Code = "ELECTION_CLOSED"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeNotCastYet         Code = "NOT_CAST_YET"
	CodeForbidden          Code = "FORBIDDEN"
	CodeInvalidRequest     Code = "INVALID_REQUEST"
)

var messages = map[Code]string{
	CodeNotEligible:        "选民不存在、身份不匹配或已投票",
	CodeInvalidState:       "当前步骤不允许该操作",
	CodeCredentialRejected: "凭证或生物特征验证失败，请重新开始认证",
	CodeOtpMismatch:        "验证码错误",
	CodeOtpLockout:         "验证码错误次数过多，请重新开始认证",
	CodeSessionNotFound:    "会话不存在或已过期，请重新开始认证",
	CodeExpired:            "验证码已过期，请重新开始认证",
	CodeAlreadyVoted:       "该选民已经投票",
	CodeLedgerUnavailable:  "账本暂时不可用，请重试",
	CodeTimeout:            "请求超时，请重试当前步骤",
	CodeUnavailable:        "依赖服务暂时不可用，请重试",
	CodeElectionClosed:     "选举未开放",
	CodeRateLimited:        "认证尝试过于频繁，请稍后再试",
	CodeNotCastYet:         "该选民尚未投票",
	CodeForbidden:          "无权执行该操作",
	CodeInvalidRequest:     "请求参数错误",
}

// Error 服务层错误，errors.Is 按错误码比较
type Error struct {
	Code    Code
	Message string
	Receipt *model.Receipt // 仅 AlreadyVoted 携带
	Cause   error
}

// Error 只返回面向用户的消息，原因通过 Unwrap 获取
func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Extensions GraphQL错误扩展字段
func (e *Error) Extensions() map[string]interface{} {
	ext := map[string]interface{}{"code": string(e.Code)}
	if e.Receipt != nil {
		ext["receipt"] = e.Receipt
	}
	return ext
}

func newError(code Code, cause error) *Error {
	return &Error{Code: code, Message: messages[code], Cause: cause}
}

// 用于 errors.Is 的哨兵
var (
	ErrNotEligible        = newError(CodeNotEligible, nil)
	ErrInvalidState       = newError(CodeInvalidState, nil)
	ErrCredentialRejected = newError(CodeCredentialRejected, nil)
	ErrOtpMismatch        = newError(CodeOtpMismatch, nil)
	ErrOtpLockout         = newError(CodeOtpLockout, nil)
	ErrSessionNotFound    = newError(CodeSessionNotFound, nil)
	ErrExpired            = newError(CodeExpired, nil)
	ErrAlreadyVoted       = newError(CodeAlreadyVoted, nil)
	ErrLedgerUnavailable  = newError(CodeLedgerUnavailable, nil)
	ErrTimeout            = newError(CodeTimeout, nil)
	ErrUnavailable        = newError(CodeUnavailable, nil)
	ErrElectionClosed     = newError(CodeElectionClosed, nil)
	ErrRateLimited        = newError(CodeRateLimited, nil)
	ErrNotCastYet         = newError(CodeNotCastYet, nil)
	ErrForbidden          = newError(CodeForbidden, nil)
	ErrInvalidRequest     = newError(CodeInvalidRequest, nil)
)

// CodeOf 提取错误码，非服务层错误返回空
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsRetryable 瞬时错误可以原样重试当前步骤
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeLedgerUnavailable, CodeTimeout, CodeUnavailable:
		return true
	}
	return false
}
