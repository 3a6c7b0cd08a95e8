package evmclient

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"remittance_back/internal/wallet"
	"remittance_back/pkg/settlement"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Config struct {
	RPCURL     string
	PrivateKey string
	// ChainID is asked from the node when zero.
	ChainID           int64
	ContractAddress   string
	StablecoinAddress string
	RecipientAddress  string
	TokenDecimals     int32
	Confirmations     uint64
	// GasLimit overrides estimation when set.
	GasLimit uint64
}

// Backend is the subset of ethclient.Client the executor needs.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type Executor struct {
	backend    Backend
	signer     *wallet.Signer
	chainID    *big.Int
	contract   common.Address
	stablecoin common.Address
	recipient  common.Address
	cfg        Config

	// nonce allocation and broadcast must not interleave between submissions
	sendMu sync.Mutex
}

// Dial connects to the RPC endpoint and builds the executor.
func Dial(ctx context.Context, cfg Config) (*Executor, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, errors.Wrap(err, "dial evm rpc")
	}
	return New(ctx, client, cfg)
}

func New(ctx context.Context, backend Backend, cfg Config) (*Executor, error) {
	signer, err := wallet.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	for name, addr := range map[string]string{
		"contract":   cfg.ContractAddress,
		"stablecoin": cfg.StablecoinAddress,
		"recipient":  cfg.RecipientAddress,
	} {
		if !common.IsHexAddress(addr) {
			return nil, errors.Errorf("evm %s address %q is invalid", name, addr)
		}
	}
	if cfg.TokenDecimals == 0 {
		cfg.TokenDecimals = 18
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = backend.ChainID(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "query chain id")
		}
	}

	return &Executor{
		backend:    backend,
		signer:     signer,
		chainID:    chainID,
		contract:   common.HexToAddress(cfg.ContractAddress),
		stablecoin: common.HexToAddress(cfg.StablecoinAddress),
		recipient:  common.HexToAddress(cfg.RecipientAddress),
		cfg:        cfg,
	}, nil
}

func (e *Executor) Name() string { return "evm" }

func (e *Executor) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"component": "evm-executor", "from": e.signer.EVMAddress().Hex()})
}

// Submit signs and broadcasts initiateTransfer. Once the transaction is signed its hash is
// returned as the handle, together with an error if the broadcast itself failed.
func (e *Executor) Submit(ctx context.Context, payload []byte) (settlement.Handle, error) {
	p, err := settlement.DecodePayload(payload)
	if err != nil {
		return settlement.Handle{}, settlement.Reject("malformed payload: %s", err)
	}
	amount, err := ScaleAmount(p, e.cfg.TokenDecimals)
	if err != nil {
		return settlement.Handle{}, settlement.Reject("%s", err)
	}
	data, err := PackInitiateTransfer(e.recipient, e.stablecoin, amount, p)
	if err != nil {
		return settlement.Handle{}, settlement.Reject("%s", err)
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	from := e.signer.EVMAddress()
	nonce, err := e.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return settlement.Handle{}, errors.Wrap(err, "pending nonce")
	}
	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return settlement.Handle{}, errors.Wrap(err, "suggest gas price")
	}
	gas := e.cfg.GasLimit
	if gas == 0 {
		gas, err = e.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &e.contract, Data: data})
		if err != nil {
			if isRevert(err) {
				return settlement.Handle{}, settlement.Reject("contract refused transfer: %s", err)
			}
			return settlement.Handle{}, errors.Wrap(err, "estimate gas")
		}
	}

	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &e.contract,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	}), types.LatestSignerForChainID(e.chainID), e.signer.PrivateKey())
	if err != nil {
		return settlement.Handle{}, errors.Wrap(err, "sign transaction")
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return settlement.Handle{}, errors.Wrap(err, "encode transaction")
	}
	handle := settlement.Handle{ID: tx.Hash().Hex(), Raw: raw}

	if err := e.backend.SendTransaction(ctx, tx); err != nil {
		switch {
		case isKnown(err):
		case isNotAccepted(err):
			return settlement.Handle{}, settlement.Reject("node refused transaction: %s", err)
		default:
			return handle, errors.Wrap(err, "send transaction")
		}
	}
	e.log().WithFields(logrus.Fields{
		"transfer_id": p.TransferID,
		"tx_hash":     handle.ID,
		"nonce":       nonce,
	}).Info("initiateTransfer broadcast")
	return handle, nil
}

// PollOutcome reads the receipt. A transaction the node has forgotten is re-sent from the
// stored raw bytes, which keeps the same hash.
func (e *Executor) PollOutcome(ctx context.Context, h settlement.Handle) (settlement.Outcome, error) {
	hash := common.HexToHash(h.ID)
	receipt, err := e.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		if len(h.Raw) > 0 {
			e.rebroadcast(ctx, h)
		}
		return settlement.IndeterminateOutcome("transaction not mined yet"), nil
	}
	if err != nil {
		return settlement.Outcome{}, errors.Wrap(err, "transaction receipt")
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return settlement.RejectedOutcome("initiateTransfer reverted in block " + receipt.BlockNumber.String()), nil
	}

	if e.cfg.Confirmations > 1 && receipt.BlockNumber != nil {
		head, err := e.backend.BlockNumber(ctx)
		if err != nil {
			return settlement.Outcome{}, errors.Wrap(err, "block number")
		}
		mined := receipt.BlockNumber.Uint64()
		if head < mined || head-mined+1 < e.cfg.Confirmations {
			return settlement.IndeterminateOutcome("awaiting confirmations"), nil
		}
	}
	return settlement.ConfirmedOutcome(hash.Hex()), nil
}

func (e *Executor) rebroadcast(ctx context.Context, h settlement.Handle) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(h.Raw); err != nil {
		e.log().WithField("tx_hash", h.ID).Errorf("stored transaction is unreadable: %s", err)
		return
	}
	if err := e.backend.SendTransaction(ctx, tx); err != nil && !isKnown(err) {
		e.log().WithField("tx_hash", h.ID).Warnf("rebroadcast failed: %s", err)
	}
}

func isRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func isKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// isNotAccepted matches node errors that mean the transaction never entered the pool.
func isNotAccepted(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "insufficient funds") || strings.Contains(msg, "intrinsic gas too low")
}
