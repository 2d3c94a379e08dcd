package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"textcollab/backend/internal/collab"
	"textcollab/backend/internal/ot/delta"
	"textcollab/backend/internal/ot/textdiff"
)

// 已应用操作的房间广播由 collab.ServiceOptions.OnApplied 在文档锁内完成，这里不再通知
type DocumentHandler struct {
	svc collab.Service
}

func NewDocumentHandler(svc collab.Service) *DocumentHandler {
	return &DocumentHandler{svc: svc}
}

func (h *DocumentHandler) Register(r gin.IRoutes) {
	r.POST("/documents", h.CreateDocument)
	r.GET("/documents/:docID", h.GetDocument)
	r.PUT("/documents/:docID/content", h.ReplaceContent)
	r.POST("/documents/:docID/ops", h.SubmitOps)
	r.GET("/documents/:docID/ops", h.OpsSince)
	r.POST("/documents/:docID/undo", h.Undo)
	r.POST("/documents/:docID/snapshot", h.SaveSnapshot)
}

type createDocumentReq struct {
	Title string `json:"title" binding:"required"`
}

type submitReq struct {
	BaseRevision uint64      `json:"baseRevision"`
	ClientID     string      `json:"clientId"`
	ClientSeq    uint64      `json:"clientSeq"`
	Ops          delta.Delta `json:"ops"`
}

type replaceReq struct {
	Content   string `json:"content"`
	ClientID  string `json:"clientId"`
	ClientSeq uint64 `json:"clientSeq"`
}

type undoReq struct {
	Revision  uint64 `json:"revision" binding:"required"`
	ClientID  string `json:"clientId"`
	ClientSeq uint64 `json:"clientSeq"`
}

// 从 gin.Context 获取鉴权中间件写入的用户；gin.Context 对每个请求天然隔离
func userID(c *gin.Context) (uint64, bool) {
	v, ok := c.Get("userId")
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

func abortError(c *gin.Context, err error) {
	code := collab.ErrorCode(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, collab.ErrRevisionConflict), errors.Is(err, collab.ErrDuplicateOrOutOfOrder):
		status = http.StatusConflict
	case errors.Is(err, collab.ErrRevisionTooOld):
		status = http.StatusGone
	case errors.Is(err, collab.ErrInvalidDelta):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, collab.ErrOpNotFound):
		status = http.StatusNotFound
	case errors.Is(err, collab.ErrUndoForbidden):
		status = http.StatusForbidden
	}
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
}

func (h *DocumentHandler) CreateDocument(c *gin.Context) {
	ownerID, ok := userID(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "user context missing"})
		return
	}
	var req createDocumentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	docID, err := h.svc.CreateDocument(c.Request.Context(), ownerID, req.Title)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"docId": docID, "ownerId": ownerID, "title": req.Title})
}

func (h *DocumentHandler) GetDocument(c *gin.Context) {
	docID := c.Param("docID")
	content, revision, err := h.svc.LoadDocumentContent(c.Request.Context(), docID)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "content": content, "revision": revision})
}

func (h *DocumentHandler) SubmitOps(c *gin.Context) {
	authorID, _ := userID(c)
	var req submitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	docID := c.Param("docID")
	applied, err := h.svc.Submit(c.Request.Context(), collab.SubmitRequest{
		DocID:        docID,
		AuthorID:     authorID,
		BaseRevision: req.BaseRevision,
		ClientID:     req.ClientID,
		ClientSeq:    req.ClientSeq,
		Ops:          req.Ops,
	})
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "revision": applied.Revision, "ops": applied.Ops})
}

// ReplaceContent 整篇覆盖：与当前内容求 diff，作为普通操作提交，
// 期间到达的并发操作照常参与变换
func (h *DocumentHandler) ReplaceContent(c *gin.Context) {
	authorID, _ := userID(c)
	var req replaceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	docID := c.Param("docID")
	current, revision, err := h.svc.LoadDocumentContent(c.Request.Context(), docID)
	if err != nil {
		abortError(c, err)
		return
	}
	applied, err := h.svc.Submit(c.Request.Context(), collab.SubmitRequest{
		DocID:        docID,
		AuthorID:     authorID,
		BaseRevision: revision,
		ClientID:     req.ClientID,
		ClientSeq:    req.ClientSeq,
		Ops:          textdiff.Delta(current, req.Content),
	})
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "revision": applied.Revision, "ops": applied.Ops})
}

// OpsSince GET /documents/:docID/ops?from=N 返回合成后的追平 delta
func (h *DocumentHandler) OpsSince(c *gin.Context) {
	from, err := strconv.ParseUint(c.DefaultQuery("from", "0"), 10, 64)
	if err != nil {
		badRequest(c, err)
		return
	}
	docID := c.Param("docID")
	d, revision, err := h.svc.DeltaSince(c.Request.Context(), docID, from)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "fromRevision": from, "revision": revision, "ops": d})
}

func (h *DocumentHandler) Undo(c *gin.Context) {
	authorID, _ := userID(c)
	var req undoReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	docID := c.Param("docID")
	applied, err := h.svc.Undo(c.Request.Context(), collab.UndoRequest{
		DocID:     docID,
		AuthorID:  authorID,
		ClientID:  req.ClientID,
		ClientSeq: req.ClientSeq,
		Revision:  req.Revision,
	})
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "revision": applied.Revision, "ops": applied.Ops})
}

func (h *DocumentHandler) SaveSnapshot(c *gin.Context) {
	docID := c.Param("docID")
	if err := h.svc.SaveSnapshot(c.Request.Context(), docID); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "message": "saved"})
}
