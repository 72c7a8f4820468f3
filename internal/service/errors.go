package service

import "errors"

var (
	// ErrMalformedMessage 无法推导出往来方的邮件
	ErrMalformedMessage = errors.New("malformed message")
	// ErrMissingRecipient 收件人为空
	ErrMissingRecipient = errors.New("missing recipient")
	// ErrInvalidAddress 地址格式错误
	ErrInvalidAddress = errors.New("invalid address")
	// ErrDeliveryFailed 投递失败或超时
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrInvalidMode 未知的撰写模式
	ErrInvalidMode = errors.New("invalid compose mode")
	// ErrSourceRequired 回复与转发需要源邮件
	ErrSourceRequired = errors.New("source message required")
	// ErrAccountForbidden 当前会话无权访问该账户
	ErrAccountForbidden = errors.New("account not permitted")
	// ErrAttachmentUnavailable 附件内容无法读取
	ErrAttachmentUnavailable = errors.New("attachment content unavailable")
)
