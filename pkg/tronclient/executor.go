package tronclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"remittance_back/internal/wallet"
	"remittance_back/pkg/evmclient"
	"remittance_back/pkg/settlement"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Config struct {
	BaseURL    string
	APIKey     string
	PrivateKey string
	// base58 addresses
	ContractAddress   string
	StablecoinAddress string
	RecipientAddress  string
	TokenDecimals     int32
	// FeeLimit in SUN.
	FeeLimit int64
	Timeout  time.Duration
}

// transient broadcast codes: the node did not decide, the same transaction may be sent again
var transientCodes = map[string]bool{
	"SERVER_BUSY":                     true,
	"NO_CONNECTION":                   true,
	"NOT_ENOUGH_EFFECTIVE_CONNECTION": true,
	"BLOCK_UNSOLIDIFIED":              true,
	"OTHER_ERROR":                     true,
}

type Executor struct {
	client      *TronHTTPClient
	signer      *wallet.Signer
	ownerHex    string
	contractHex string
	tokenHex    string
	stablecoin  common.Address
	recipient   common.Address
	cfg         Config
}

func NewExecutor(cfg Config) (*Executor, error) {
	signer, err := wallet.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	contractHex, err := wallet.TronToHex(cfg.ContractAddress)
	if err != nil {
		return nil, errors.Wrap(err, "tron contract address")
	}
	tokenHex, err := wallet.TronToHex(cfg.StablecoinAddress)
	if err != nil {
		return nil, errors.Wrap(err, "tron stablecoin address")
	}
	stablecoin, err := wallet.TronToEVM(cfg.StablecoinAddress)
	if err != nil {
		return nil, errors.Wrap(err, "tron stablecoin address")
	}
	recipient, err := wallet.TronToEVM(cfg.RecipientAddress)
	if err != nil {
		return nil, errors.Wrap(err, "tron recipient address")
	}
	if cfg.TokenDecimals == 0 {
		cfg.TokenDecimals = 6
	}
	if cfg.FeeLimit == 0 {
		cfg.FeeLimit = 100_000_000
	}

	return &Executor{
		client:      NewTronHTTPClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout),
		signer:      signer,
		ownerHex:    signer.TronHexAddress(),
		contractHex: contractHex,
		tokenHex:    tokenHex,
		stablecoin:  stablecoin,
		recipient:   recipient,
		cfg:         cfg,
	}, nil
}

func (e *Executor) Name() string { return "tron" }

func (e *Executor) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"component": "tron-executor", "from": e.signer.TronAddress()})
}

func (e *Executor) Submit(ctx context.Context, payload []byte) (settlement.Handle, error) {
	p, err := settlement.DecodePayload(payload)
	if err != nil {
		return settlement.Handle{}, settlement.Reject("malformed payload: %s", err)
	}
	amount, err := evmclient.ScaleAmount(p, e.cfg.TokenDecimals)
	if err != nil {
		return settlement.Handle{}, settlement.Reject("%s", err)
	}

	balance, err := e.client.BalanceOf(ctx, e.ownerHex, e.tokenHex)
	if err != nil {
		return settlement.Handle{}, errors.Wrap(err, "failed to check stablecoin balance")
	}
	if balance.Cmp(amount) < 0 {
		return settlement.Handle{}, settlement.Reject("insufficient stablecoin balance: have %s, need %s", balance, amount)
	}

	data, err := evmclient.PackInitiateTransfer(e.recipient, e.stablecoin, amount, p)
	if err != nil {
		return settlement.Handle{}, settlement.Reject("%s", err)
	}
	tx, err := e.client.TriggerSmartContract(ctx, e.ownerHex, e.contractHex,
		evmclient.InitiateTransferSignature, hex.EncodeToString(data[4:]), e.cfg.FeeLimit)
	if err != nil {
		var nodeErr *NodeError
		if errors.As(err, &nodeErr) {
			return settlement.Handle{}, settlement.Reject("contract call refused: %s", nodeErr.Message)
		}
		return settlement.Handle{}, errors.Wrap(err, "failed to create transaction")
	}

	txID, err := e.sign(tx)
	if err != nil {
		return settlement.Handle{}, err
	}
	raw, err := json.Marshal(tx)
	if err != nil {
		return settlement.Handle{}, errors.Wrap(err, "encode signed transaction")
	}
	handle := settlement.Handle{ID: txID, Raw: raw}

	res, err := e.client.Broadcast(ctx, tx)
	if err != nil {
		return handle, errors.Wrap(err, "failed to broadcast transaction")
	}
	switch {
	case res.Result, res.Code == "DUP_TRANSACTION_ERROR":
	case transientCodes[res.Code]:
		return handle, errors.Errorf("broadcast failed with code %s: %s", res.Code, res.Message)
	default:
		return settlement.Handle{}, settlement.Reject("broadcast failed with code %s: %s", res.Code, res.Message)
	}

	e.log().WithFields(logrus.Fields{
		"transfer_id": p.TransferID,
		"txid":        txID,
	}).Info("initiateTransfer broadcast")
	return handle, nil
}

// sign добавляет подпись sha256(raw_data) и возвращает txID
func (e *Executor) sign(tx map[string]interface{}) (string, error) {
	rawDataHex, ok := tx["raw_data_hex"].(string)
	if !ok {
		return "", errors.New("missing raw_data_hex in transaction")
	}
	rawData, err := hex.DecodeString(rawDataHex)
	if err != nil {
		return "", errors.Wrap(err, "failed to decode raw_data_hex")
	}
	hash := sha256.Sum256(rawData)
	sig, err := e.signer.Sign(hash[:])
	if err != nil {
		return "", err
	}
	tx["signature"] = []string{hex.EncodeToString(sig)}
	return hex.EncodeToString(hash[:]), nil
}

func (e *Executor) PollOutcome(ctx context.Context, h settlement.Handle) (settlement.Outcome, error) {
	info, err := e.client.TransactionInfo(ctx, h.ID)
	if err != nil {
		return settlement.Outcome{}, err
	}
	if info.ID == "" {
		if len(h.Raw) > 0 {
			e.rebroadcast(ctx, h)
		}
		return settlement.IndeterminateOutcome("transaction not in a block yet"), nil
	}

	switch {
	case info.Receipt.Result == "SUCCESS":
		return settlement.ConfirmedOutcome(h.ID), nil
	case info.Result == "FAILED" || info.Receipt.Result != "":
		reason := info.ResMessage
		if reason == "" {
			reason = "contract execution " + info.Receipt.Result
		}
		return settlement.RejectedOutcome(reason), nil
	}
	return settlement.IndeterminateOutcome("receipt has no result"), nil
}

func (e *Executor) rebroadcast(ctx context.Context, h settlement.Handle) {
	var tx map[string]interface{}
	if err := json.Unmarshal(h.Raw, &tx); err != nil {
		e.log().WithField("txid", h.ID).Errorf("stored transaction is unreadable: %s", err)
		return
	}
	res, err := e.client.Broadcast(ctx, tx)
	if err != nil {
		e.log().WithField("txid", h.ID).Warnf("rebroadcast failed: %s", err)
		return
	}
	if !res.Result && res.Code != "DUP_TRANSACTION_ERROR" {
		e.log().WithField("txid", h.ID).Warnf("rebroadcast refused with code %s: %s", res.Code, res.Message)
	}
}
