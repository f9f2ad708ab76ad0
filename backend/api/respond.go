package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"boxpanel/backend/service/engine"
	"boxpanel/backend/service/ruleset"
	"boxpanel/backend/service/synth"
	"boxpanel/backend/store"
)

// response 统一响应信封
type response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func ok(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, response{Success: true, Message: message, Data: data})
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, response{Success: false, Message: message})
}

func badRequest(c *gin.Context, err error) {
	fail(c, http.StatusBadRequest, err.Error())
}

// handleError 错误 → HTTP 状态码映射：
// 400 非法/重复请求，404 目标不存在，409 状态冲突，
// 503 连通性不可达，其余 500。
func handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, synth.ErrNoNodes),
		errors.Is(err, ruleset.ErrNotConfigured):
		fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		fail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrAlreadyRunning), errors.Is(err, engine.ErrNotRunning):
		fail(c, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrConnectivityFailed):
		fail(c, http.StatusServiceUnavailable, err.Error())
	default:
		fail(c, http.StatusInternalServerError, err.Error())
	}
}
