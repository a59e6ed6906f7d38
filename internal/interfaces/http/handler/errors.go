package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	appEngine "github.com/taskerino/backend/internal/application/engine"
	appQueue "github.com/taskerino/backend/internal/application/queue"
	"github.com/taskerino/backend/internal/domain/storage"
	"github.com/taskerino/backend/internal/interfaces/http/response"
)

// 业务错误码
const (
	CodeInvalidRequest = 100001
	CodeNotFound       = 100002
	CodeUnavailable    = 100003
	CodeCapacity       = 100004
	CodeIntegrity      = 100005
	CodeInternal       = 100006
)

// fail 按错误分类写出错误响应
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrValidation):
		response.Error(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		response.Error(c, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, appEngine.ErrNotInitialized), errors.Is(err, appQueue.ErrQueueClosed):
		response.Error(c, http.StatusServiceUnavailable, CodeUnavailable, err.Error())
	case errors.Is(err, storage.ErrCapacity):
		response.Error(c, http.StatusInsufficientStorage, CodeCapacity, err.Error())
	case errors.Is(err, storage.ErrIntegrity):
		response.Error(c, http.StatusInternalServerError, CodeIntegrity, err.Error())
	default:
		response.Error(c, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}

func notFound(c *gin.Context, what string) {
	response.Error(c, http.StatusNotFound, CodeNotFound, what+" not found")
}

func badRequest(c *gin.Context, err error) {
	response.ErrorWithDetail(c, http.StatusBadRequest, CodeInvalidRequest, "invalid request", err.Error())
}
