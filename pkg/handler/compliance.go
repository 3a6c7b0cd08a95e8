package handler

import (
	"net/http"

	"remittance_back/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// Лимиты и израсходованные суммы текущего пользователя. По умолчанию валюта INR.
func (h *Handler) GetEligibility(c *gin.Context) {
	r, _ := middleware.GetRequester(c)
	snap, err := h.service.Compliance.Eligibility(c.Request.Context(), r, c.DefaultQuery("currency", "INR"))
	if err != nil {
		renderError(c, err)
		return
	}
	wrapOkJSON(c, http.StatusOK, snap)
}

func (h *Handler) GetLimits(c *gin.Context) {
	table := h.service.Compliance.Limits()
	wrapOkJSON(c, http.StatusOK, gin.H{
		"default":  table.Default,
		"tiers":    table.Tiers,
		"fallback": table.Fallback,
	})
}

// Повторная отправка перевода, который реконсилер передал на ручной разбор
func (h *Handler) RetrySettlement(c *gin.Context) {
	t, err := h.service.Transfer.RetrySettlement(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	wrapOkJSON(c, http.StatusAccepted, t.StatusView())
}
