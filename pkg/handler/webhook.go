package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"remittance_back/pkg/apperr"
	"remittance_back/pkg/ledger"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const signatureHeader = "X-Signature"

type settlementEvent struct {
	TransferID string `json:"transferId"`
	Outcome    string `json:"outcome"`
	Reference  string `json:"reference"`
	Reason     string `json:"reason"`
}

// Sign возвращает hex HMAC-SHA256 тела, как в заголовке X-Signature
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func validSignature(secret string, body []byte, signature string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// SettlementWebhook принимает подтверждение или отказ от внешней стороны расчетов.
// Повторная доставка того же результата ничего не меняет.
func (h *Handler) SettlementWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		renderError(c, apperr.Validation("cannot read request body"))
		return
	}
	if !validSignature(h.opts.WebhookSecret, body, c.GetHeader(signatureHeader)) {
		logrus.WithField("ip", c.ClientIP()).Warn("settlement webhook with a bad signature")
		newErrorResponse(c, http.StatusUnauthorized, apperr.CodeUnauthorized, "invalid signature", nil)
		return
	}

	var ev settlementEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.TransferID == "" {
		renderError(c, apperr.Validation("transferId and outcome are required"))
		return
	}

	var res ledger.Result
	switch strings.ToLower(ev.Outcome) {
	case "confirmed":
		res = ledger.Confirmed(ev.Reference)
	case "rejected":
		res = ledger.Rejected(ev.Reason)
	default:
		renderError(c, apperr.Validation("outcome must be confirmed or rejected"))
		return
	}

	t, err := h.service.Transfer.AttachSettlementResult(c.Request.Context(), ev.TransferID, res)
	if err != nil {
		renderError(c, err)
		return
	}
	wrapOkJSON(c, http.StatusOK, t.StatusView())
}
