package httptransport

import (
	"strings"

	"github.com/gin-gonic/gin"

	"crmmail/backend/internal/middleware"
	"crmmail/backend/internal/service"
)

type linkAccountRequest struct {
	ID          string `json:"id" binding:"required"`
	Email       string `json:"email" binding:"required"`
	DisplayName string `json:"displayName"`
}

// linkAccount 接入账户，账户 ID 必须在当前令牌的授权范围内
func (h *Handler) linkAccount(c *gin.Context) {
	var req linkAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	id := strings.TrimSpace(req.ID)
	if !middleware.AccountScope(c).Allows(id) {
		Forbidden(c, MsgPermissionDenied)
		return
	}

	account, err := h.accounts.Link(c.Request.Context(), service.LinkAccountInput{
		ID:          id,
		Email:       req.Email,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	Created(c, account)
}

// listAccounts 列出令牌中已接入的账户
func (h *Handler) listAccounts(c *gin.Context) {
	accounts, err := h.accounts.List(c.Request.Context(), middleware.AccountScope(c).IDs())
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, accounts)
}

func (h *Handler) unlinkAccount(c *gin.Context) {
	if err := h.accounts.Unlink(c.Request.Context(), c.Param("accountId")); err != nil {
		respondError(c, err)
		return
	}
	SuccessWithMsg(c, "账户已解除", nil)
}
