package httptransport

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"crmmail/backend/internal/domain"
	"crmmail/backend/internal/mail"
	"crmmail/backend/internal/middleware"
)

type ingestBatchRequest struct {
	Messages []*domain.InboundMessage `json:"messages" binding:"required"`
}

type ingestQueuedResponse struct {
	Queued int `json:"queued"`
}

// ingestBatch 批量导入同步服务提交的邮件
//
// 默认同步入库并返回每封邮件的结果；?async=true 时交给入库队列，返回 202。
func (h *Handler) ingestBatch(c *gin.Context) {
	var req ingestBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	if len(req.Messages) == 0 {
		BadRequest(c, MsgRequestEmpty)
		return
	}

	ctx := c.Request.Context()
	accountID := c.Param("accountId")

	if async, _ := strconv.ParseBool(c.Query("async")); async && h.queue != nil {
		if _, err := h.accounts.Get(ctx, accountID); err != nil {
			respondError(c, err)
			return
		}
		queued, err := h.queue.EnqueueBatch(ctx, accountID, req.Messages)
		if err != nil {
			h.log.Warn("enqueue batch interrupted",
				zap.String("accountID", accountID),
				zap.Int("queued", queued),
				zap.Error(err),
			)
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, Response{Code: http.StatusAccepted, Msg: "已加入入库队列", Data: ingestQueuedResponse{Queued: queued}})
		return
	}

	results, err := h.conversations.IngestBatch(ctx, accountID, req.Messages)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, results)
}

// ingestRaw 导入一封 RFC 5322 原始邮件，?folder= 指定来源文件夹（默认 INBOX）
func (h *Handler) ingestRaw(c *gin.Context) {
	ctx := c.Request.Context()
	accountID := c.Param("accountId")

	if _, err := h.accounts.Get(ctx, accountID); err != nil {
		respondError(c, err)
		return
	}

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(c, http.StatusRequestEntityTooLarge, MsgRawTooLarge)
			return
		}
		BadRequest(c, MsgInvalidRequest)
		return
	}
	if len(raw) == 0 {
		BadRequest(c, MsgRequestEmpty)
		return
	}

	folder := c.DefaultQuery("folder", "INBOX")
	parsed, err := mail.Parse(raw, folder)
	if err != nil {
		respondError(c, err)
		return
	}

	// 已入库的副本不再写原始邮件与附件
	existing, err := h.conversations.FindDuplicate(ctx, accountID, parsed.Inbound)
	if err != nil {
		respondError(c, err)
		return
	}
	if existing != nil {
		Success(c, existing)
		return
	}

	inbound, err := parsed.Persist(accountID, h.files)
	if err != nil {
		respondError(c, err)
		return
	}

	result, err := h.conversations.Ingest(ctx, accountID, inbound)
	if err != nil {
		respondError(c, err)
		return
	}
	if result.Duplicate {
		Success(c, result)
		return
	}
	Created(c, result)
}

// markMessageRead 标记单封邮件已读
func (h *Handler) markMessageRead(c *gin.Context) {
	result, err := h.readState.MarkRead(c.Request.Context(), c.Param("messageId"), middleware.AccountScope(c))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, result)
}

// downloadAttachment 下载附件，远程存储的附件重定向到其地址
func (h *Handler) downloadAttachment(c *gin.Context) {
	content, err := h.attachments.Open(c.Request.Context(), c.Param("messageId"), c.Param("attachmentId"), middleware.AccountScope(c))
	if err != nil {
		respondError(c, err)
		return
	}

	if content.RemoteURL != "" {
		c.Redirect(http.StatusFound, content.RemoteURL)
		return
	}
	defer content.Body.Close()

	contentType := content.Attachment.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": content.Attachment.Filename})
	c.DataFromReader(http.StatusOK, content.Size, contentType, content.Body, map[string]string{
		"Content-Disposition": disposition,
	})
}
