package tronclient

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

const shastaAPI = "https://api.shasta.trongrid.io"

// TronHTTPClient обёртка над HTTP API полной ноды
type TronHTTPClient struct {
	http *resty.Client
}

func NewTronHTTPClient(baseURL, apiKey string, timeout time.Duration) *TronHTTPClient {
	if baseURL == "" {
		baseURL = shastaAPI
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		client.SetHeader("TRON-PRO-API-KEY", apiKey)
	}
	return &TronHTTPClient{http: client}
}

type triggerResult struct {
	Result struct {
		Result  bool   `json:"result"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"result"`
	ConstantResult []string               `json:"constant_result"`
	Transaction    map[string]interface{} `json:"transaction"`
}

// BroadcastResult ответ broadcasttransaction; Code пустой при успехе
type BroadcastResult struct {
	Result  bool   `json:"result"`
	TxID    string `json:"txid"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TransactionInfo ответ gettransactioninfobyid; для ещё не включённой в блок транзакции он пустой
type TransactionInfo struct {
	ID          string `json:"id"`
	BlockNumber int64  `json:"blockNumber"`
	Result      string `json:"result"`
	ResMessage  string `json:"resMessage"`
	Receipt     struct {
		Result      string `json:"result"`
		EnergyUsage int64  `json:"energy_usage_total"`
	} `json:"receipt"`
}

func (c *TronHTTPClient) post(ctx context.Context, path string, body, out interface{}) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(out).
		Post(path)
	if err != nil {
		return errors.Wrapf(err, "POST %s", path)
	}
	if resp.IsError() {
		return errors.Errorf("POST %s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	return nil
}

// TriggerSmartContract строит неподписанную транзакцию вызова контракта.
// parameter это ABI аргументы без селектора метода.
func (c *TronHTTPClient) TriggerSmartContract(ctx context.Context, ownerHex, contractHex, selector, parameter string, feeLimit int64) (map[string]interface{}, error) {
	var out triggerResult
	err := c.post(ctx, "/wallet/triggersmartcontract", map[string]interface{}{
		"owner_address":     ownerHex,
		"contract_address":  contractHex,
		"function_selector": selector,
		"parameter":         parameter,
		"call_value":        0,
		"fee_limit":         feeLimit,
		"visible":           false,
	}, &out)
	if err != nil {
		return nil, err
	}
	if !out.Result.Result {
		return nil, &NodeError{Code: out.Result.Code, Message: decodeMessage(out.Result.Message)}
	}
	if out.Transaction == nil {
		return nil, errors.New("missing transaction field in triggersmartcontract response")
	}
	return out.Transaction, nil
}

// BalanceOf вызывает balanceOf(address) у TRC20 токена
func (c *TronHTTPClient) BalanceOf(ctx context.Context, ownerHex, tokenHex string) (*big.Int, error) {
	if len(ownerHex) != 42 {
		return nil, errors.Errorf("invalid owner address %q", ownerHex)
	}
	var out triggerResult
	err := c.post(ctx, "/wallet/triggerconstantcontract", map[string]interface{}{
		"owner_address":     ownerHex,
		"contract_address":  tokenHex,
		"function_selector": "balanceOf(address)",
		"parameter":         strings.Repeat("0", 24) + ownerHex[2:],
		"visible":           false,
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.ConstantResult) == 0 {
		return nil, errors.New("empty constant_result")
	}
	balance, ok := new(big.Int).SetString(out.ConstantResult[0], 16)
	if !ok {
		return nil, errors.Errorf("invalid balance %q", out.ConstantResult[0])
	}
	return balance, nil
}

func (c *TronHTTPClient) Broadcast(ctx context.Context, signedTx map[string]interface{}) (BroadcastResult, error) {
	var out BroadcastResult
	err := c.post(ctx, "/wallet/broadcasttransaction", signedTx, &out)
	out.Message = decodeMessage(out.Message)
	return out, err
}

// TransactionInfo статус исполнения транзакции
func (c *TronHTTPClient) TransactionInfo(ctx context.Context, txID string) (TransactionInfo, error) {
	var out TransactionInfo
	err := c.post(ctx, "/wallet/gettransactioninfobyid", map[string]interface{}{"value": txID}, &out)
	out.ResMessage = decodeMessage(out.ResMessage)
	return out, err
}

// NodeError отказ ноды с кодом из ответа API
type NodeError struct {
	Code    string
	Message string
}

func (e *NodeError) Error() string {
	return "tron node: " + e.Code + ": " + e.Message
}

// decodeMessage нода возвращает текст ошибок в hex
func decodeMessage(msg string) string {
	if msg == "" || len(msg)%2 != 0 {
		return msg
	}
	raw, err := hex.DecodeString(msg)
	if err != nil {
		return msg
	}
	return string(raw)
}
