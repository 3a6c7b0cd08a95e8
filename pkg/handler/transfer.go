package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"remittance_back/models"
	"remittance_back/pkg/apperr"
	"remittance_back/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// Котировка. Токен необязателен, анонимная котировка доступна любому пользователю.
func (h *Handler) CreateQuote(c *gin.Context) {
	var req models.QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, apperr.Validation(err.Error()))
		return
	}

	requesterID := ""
	if r, ok := middleware.GetRequester(c); ok {
		requesterID = r.ID
	}
	q, err := h.service.Quote.CreateQuote(c.Request.Context(), requesterID, req)
	if err != nil {
		renderError(c, err)
		return
	}
	wrapOkJSON(c, http.StatusOK, q)
}

// Текущий курс для пары: /api/rates?from=INR&to=RUB
func (h *Handler) GetRate(c *gin.Context) {
	from, to := c.Query("from"), c.Query("to")
	if from == "" || to == "" {
		renderError(c, apperr.Validation("from and to are required"))
		return
	}
	view, err := h.service.Quote.GetRate(from, to)
	if err != nil {
		renderError(c, err)
		return
	}
	wrapOkJSON(c, http.StatusOK, view)
}

func (h *Handler) CreateTransfer(c *gin.Context) {
	r, _ := middleware.GetRequester(c)

	var req models.CreateTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, apperr.Validation(err.Error()))
		return
	}
	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(key) > 128 {
		renderError(c, apperr.Validation("Idempotency-Key must be at most 128 characters"))
		return
	}

	t, created, err := h.service.Transfer.CreateTransfer(c.Request.Context(), r, req, key)
	if err != nil {
		renderError(c, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	wrapOkJSON(c, status, gin.H{"transfer": t})
}

func parseDate(value string, endOfDay bool) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func queryInt(c *gin.Context, name string) (int, error) {
	v := c.Query(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, apperr.Validation(name + " must be a positive integer")
	}
	return n, nil
}

// История переводов с фильтрами status, sourceCurrency, destinationCurrency, startDate, endDate и пагинацией
func (h *Handler) ListTransfers(c *gin.Context) {
	r, _ := middleware.GetRequester(c)

	f := models.TransferFilter{
		RequesterID:         r.ID,
		Status:              models.TransferStatus(strings.ToUpper(c.Query("status"))),
		SourceCurrency:      c.Query("sourceCurrency"),
		DestinationCurrency: c.Query("destinationCurrency"),
	}
	var err error
	if f.Page, err = queryInt(c, "page"); err != nil {
		renderError(c, err)
		return
	}
	if f.Limit, err = queryInt(c, "limit"); err != nil {
		renderError(c, err)
		return
	}
	if f.From, err = parseDate(c.Query("startDate"), false); err != nil {
		renderError(c, apperr.Validation("startDate must be RFC3339 or YYYY-MM-DD"))
		return
	}
	if f.To, err = parseDate(c.Query("endDate"), true); err != nil {
		renderError(c, apperr.Validation("endDate must be RFC3339 or YYYY-MM-DD"))
		return
	}

	list, err := h.service.Transfer.ListTransfers(c.Request.Context(), f)
	if err != nil {
		renderError(c, err)
		return
	}
	wrapOkJSON(c, http.StatusOK, list)
}

func (h *Handler) GetTransfer(c *gin.Context) {
	r, _ := middleware.GetRequester(c)
	t, err := h.service.Transfer.GetTransfer(c.Request.Context(), c.Param("id"), r.ID)
	if err != nil {
		renderError(c, err)
		return
	}
	wrapOkJSON(c, http.StatusOK, t)
}

func (h *Handler) GetTransferStatus(c *gin.Context) {
	r, _ := middleware.GetRequester(c)
	t, err := h.service.Transfer.GetTransfer(c.Request.Context(), c.Param("id"), r.ID)
	if err != nil {
		renderError(c, err)
		return
	}
	wrapOkJSON(c, http.StatusOK, t.StatusView())
}

func (h *Handler) CancelTransfer(c *gin.Context) {
	r, _ := middleware.GetRequester(c)
	t, err := h.service.Transfer.CancelTransfer(c.Request.Context(), c.Param("id"), r.ID)
	if err != nil {
		renderError(c, err)
		return
	}
	wrapOkJSON(c, http.StatusOK, t)
}
