package httptransport

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"crmmail/backend/internal/middleware"
	"crmmail/backend/internal/service"
)

// compose 生成回复、全部回复、转发或新邮件草稿
func (h *Handler) compose(c *gin.Context) {
	var req service.ComposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	if !middleware.AccountScope(c).Allows(req.AccountID) {
		Forbidden(c, MsgPermissionDenied)
		return
	}

	draft, err := h.composer.Compose(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, draft)
}

// send 投递草稿，按账户限流
func (h *Handler) send(c *gin.Context) {
	var draft service.Draft
	if err := c.ShouldBindJSON(&draft); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	if !middleware.AccountScope(c).Allows(draft.AccountID) {
		Forbidden(c, MsgPermissionDenied)
		return
	}
	if !h.sendLimiter.Allow(draft.AccountID) {
		h.log.Warn("send rate limited", zap.String("accountID", draft.AccountID))
		TooManyRequests(c, MsgSendRateLimited)
		return
	}

	msg, err := h.sender.Send(c.Request.Context(), &draft)
	if err != nil {
		respondError(c, err)
		return
	}
	Created(c, msg)
}
