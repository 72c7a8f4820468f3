package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"crmmail/backend/internal/mail"
	"crmmail/backend/internal/service"
	"crmmail/backend/internal/storage"
)

type errorMapping struct {
	err    error
	status int
	msg    string
}

// 错误映射表（业务错误 -> HTTP 状态码与中文消息），按顺序匹配
var errorMappings = []errorMapping{
	// 请求错误
	{service.ErrMalformedMessage, http.StatusBadRequest, "邮件缺少往来方，无法归档"},
	{service.ErrMissingRecipient, http.StatusBadRequest, "收件人不能为空"},
	{service.ErrInvalidAddress, http.StatusBadRequest, "邮箱地址格式无效"},
	{service.ErrInvalidMode, http.StatusBadRequest, "撰写模式无效"},
	{service.ErrSourceRequired, http.StatusBadRequest, "回复与转发需要指定源邮件"},
	{mail.ErrInvalidMessage, http.StatusBadRequest, "原始邮件无法解析"},

	// 权限
	{service.ErrAccountForbidden, http.StatusForbidden, MsgPermissionDenied},

	// 资源不存在
	{storage.ErrAccountNotFound, http.StatusNotFound, "账户不存在"},
	{storage.ErrConversationNotFound, http.StatusNotFound, "会话不存在"},
	{storage.ErrMessageNotFound, http.StatusNotFound, "邮件不存在"},
	{storage.ErrAttachmentNotFound, http.StatusNotFound, "附件不存在"},

	// 冲突
	{storage.ErrAccountExists, http.StatusConflict, "该邮箱地址已被其他账户接入"},

	// 上游
	{service.ErrDeliveryFailed, http.StatusBadGateway, "邮件投递失败，请稍后重试"},
	{service.ErrAttachmentUnavailable, http.StatusBadGateway, "附件内容暂时无法读取"},
}

// GetErrorMessage 获取错误的状态码与中文消息
func GetErrorMessage(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.msg
		}
	}
	return http.StatusInternalServerError, MsgInternalError
}

// respondError 按错误类型返回统一响应，5xx 错误附加到 gin 上下文供请求日志记录
func respondError(c *gin.Context, err error) {
	status, msg := GetErrorMessage(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	Error(c, status, msg)
}

// 通用错误消息
const (
	MsgInvalidRequest = "请求参数格式错误"
	MsgInvalidTab     = "文件夹标签无效"
	MsgInvalidLimit   = "limit 必须为正整数"
	MsgRequestEmpty   = "请求体不能为空"
	MsgRawTooLarge    = "原始邮件超过大小上限"

	MsgPermissionDenied = "无权访问该账户"
	MsgSendRateLimited  = "发送过于频繁，请稍后再试"
	MsgInternalError    = "服务器内部错误"
)
