package handler

import (
	"net/http"

	"remittance_back/pkg/apperr"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type Error struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	Code    apperr.Code            `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func newErrorResponse(c *gin.Context, statusCode int, code apperr.Code, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(statusCode, Error{
		Success: false,
		Message: message,
		Code:    code,
		Details: details,
	})
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation, apperr.CodeUnsupportedCurrency, apperr.CodeAmountMismatch:
		return http.StatusBadRequest
	case apperr.CodeQuoteNotFound, apperr.CodeTransferNotFound:
		return http.StatusNotFound
	case apperr.CodeQuoteExpired:
		return http.StatusGone
	case apperr.CodeKYCRequired, apperr.CodeForbidden:
		return http.StatusForbidden
	case apperr.CodeLimitExceeded:
		return http.StatusUnprocessableEntity
	case apperr.CodeNotCancellable, apperr.CodeIdempotencyMismatch:
		return http.StatusConflict
	case apperr.CodeUnauthorized:
		return http.StatusUnauthorized
	case apperr.CodeRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// renderError отдает ожидаемые ошибки как есть, остальное логируется и скрывается
func renderError(c *gin.Context, err error) {
	appErr, ok := apperr.As(err)
	if ok {
		if status := statusFor(appErr.Code); status != http.StatusInternalServerError {
			newErrorResponse(c, status, appErr.Code, appErr.Message, appErr.Details)
			return
		}
	}
	logrus.WithFields(logrus.Fields{
		"method": c.Request.Method,
		"path":   c.FullPath(),
	}).WithError(err).Error("internal error")
	newErrorResponse(c, http.StatusInternalServerError, apperr.CodeInternal, "internal server error", nil)
}

func wrapOkJSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{
		"success": true,
		"data":    data,
	})
}
