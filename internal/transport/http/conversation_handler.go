package httptransport

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"crmmail/backend/internal/domain"
)

type unreadCountResponse struct {
	AccountID   string `json:"accountId"`
	UnreadCount int    `json:"unreadCount"`
}

// listConversations 会话列表
//
// 查询参数：tab（inbox/sent/spam/trash，默认 inbox）、limit（默认 50，最大 200）
func (h *Handler) listConversations(c *gin.Context) {
	tab, err := domain.ParseFolderTab(c.Query("tab"))
	if err != nil {
		BadRequest(c, MsgInvalidTab)
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			BadRequest(c, MsgInvalidLimit)
			return
		}
	}

	summaries, err := h.threads.ListConversations(c.Request.Context(), c.Param("accountId"), tab, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, summaries)
}

// getThread 会话详情
func (h *Handler) getThread(c *gin.Context) {
	tab, err := domain.ParseFolderTab(c.Query("tab"))
	if err != nil {
		BadRequest(c, MsgInvalidTab)
		return
	}

	thread, err := h.threads.GetThread(c.Request.Context(), c.Param("accountId"), c.Param("counterparty"), tab)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, thread)
}

// markConversationRead 标记会话全部已读
func (h *Handler) markConversationRead(c *gin.Context) {
	result, err := h.readState.MarkConversationRead(c.Request.Context(), c.Param("accountId"), c.Param("counterparty"))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, result)
}

func (h *Handler) getUnreadCount(c *gin.Context) {
	accountID := c.Param("accountId")
	count, err := h.readState.GetUnreadCount(c.Request.Context(), accountID)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, unreadCountResponse{AccountID: accountID, UnreadCount: count})
}
