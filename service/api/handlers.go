package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"BTPSync/middleware"
	"BTPSync/module/sync/model"
	syncsvc "BTPSync/module/sync/service"
	"BTPSync/tools/errs"
)

// Handlers binds the sync service to the HTTP surface.
type Handlers struct {
	svc *syncsvc.Service
}

func NewHandlers(svc *syncsvc.Service) *Handlers { return &Handlers{svc: svc} }

// Push POST /sync/push
func (h *Handlers) Push(c *gin.Context) {
	req := &syncsvc.PushRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": errs.CodeRejectedPayload, "msg": err.Error()})
		return
	}
	res, err := h.svc.Push(c.Request.Context(), middleware.PrincipalID(c), req)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Pull GET /sync/pull?since=<seq>&deviceId=<id>
func (h *Handlers) Pull(c *gin.Context) {
	since := syncsvc.NoCursor
	if raw := c.Query("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": errs.CodeBadCursor, "msg": "since must be a non-negative integer"})
			return
		}
		since = n
	}
	res, err := h.svc.Pull(c.Request.Context(), middleware.PrincipalID(c), c.Query("deviceId"), since)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Status GET /sync/status?deviceId=<id>
func (h *Handlers) Status(c *gin.Context) {
	res, err := h.svc.Status(c.Request.Context(), middleware.PrincipalID(c), c.Query("deviceId"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Conflicts GET /sync/conflicts
func (h *Handlers) Conflicts(c *gin.Context) {
	res, err := h.svc.Conflicts(c.Request.Context(), middleware.PrincipalID(c))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": res})
}

type resolveRequest struct {
	Resolution model.Resolution `json:"resolution"`
	MergedData map[string]any   `json:"mergedData"`
	DeviceID   string           `json:"deviceId"`
}

// Resolve POST /sync/conflict/:id
func (h *Handlers) Resolve(c *gin.Context) {
	req := &resolveRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": errs.CodeRejectedPayload, "msg": err.Error()})
		return
	}
	err := h.svc.Resolve(c.Request.Context(), middleware.PrincipalID(c), c.Param("id"),
		req.DeviceID, req.Resolution, req.MergedData)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func writeErr(c *gin.Context, err error) {
	code := errs.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case errs.CodeRejectedPayload, errs.CodeUnknownEntity, errs.CodeBadCursor:
		status = http.StatusBadRequest
	case errs.CodeUnauthorized:
		status = http.StatusUnauthorized
	}
	c.JSON(status, gin.H{"code": code, "msg": err.Error()})
}
