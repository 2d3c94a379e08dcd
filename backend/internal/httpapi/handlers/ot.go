package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"textcollab/backend/internal/ot/delta"
	"textcollab/backend/internal/ot/textdiff"
)

// 无状态的 OT 工具接口，方便前端/调试直接调用内核
type textOpReq struct {
	Text string      `json:"text"`
	Ops  delta.Delta `json:"ops"`
}

type diffReq struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type pairReq struct {
	A delta.Delta `json:"a"`
	B delta.Delta `json:"b"`
}

func RegisterOT(r gin.IRoutes) {
	r.POST("/apply", Apply)
	r.POST("/invert", Invert)
	r.POST("/compose", Compose)
	r.POST("/transform", Transform)
	r.POST("/diff", Diff)
}

// 长度不符是请求内容本身的问题，返回 422
func abortOT(c *gin.Context, err error) {
	if errors.Is(err, delta.ErrApplyLength) ||
		errors.Is(err, delta.ErrComposeLength) ||
		errors.Is(err, delta.ErrTransformLength) {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"code": "LENGTH_MISMATCH", "message": err.Error()})
		return
	}
	c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"code": "INVALID_DELTA", "message": err.Error()})
}

func Apply(c *gin.Context) {
	var req textOpReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	out, err := req.Ops.Apply(req.Text)
	if err != nil {
		abortOT(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"text": out})
}

func Invert(c *gin.Context) {
	var req textOpReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	inv, err := req.Ops.Invert(req.Text)
	if err != nil {
		abortOT(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ops": inv})
}

func Compose(c *gin.Context) {
	var req pairReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	out, err := delta.Compose(req.A, req.B)
	if err != nil {
		abortOT(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ops": out})
}

func Transform(c *gin.Context) {
	var req pairReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	a, b, err := delta.Transform(req.A, req.B)
	if err != nil {
		abortOT(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"a": a, "b": b})
}

// Diff 由两段全文求出 delta
func Diff(c *gin.Context) {
	var req diffReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ops": textdiff.Delta(req.From, req.To)})
}
