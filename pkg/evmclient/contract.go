package evmclient

import (
	"math/big"
	"strings"

	"remittance_back/pkg/settlement"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// ContractABI is the part of the remittance contract the executors call.
const ContractABI = `[
  {"type":"function","name":"initiateTransfer","stateMutability":"nonpayable",
   "inputs":[
     {"name":"recipient","type":"address"},
     {"name":"amount","type":"uint256"},
     {"name":"stablecoin","type":"address"},
     {"name":"sourceCurrency","type":"string"},
     {"name":"destinationCurrency","type":"string"},
     {"name":"sourceCountry","type":"string"},
     {"name":"destinationCountry","type":"string"},
     {"name":"recipientDetails","type":"string"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

const (
	InitiateTransfer          = "initiateTransfer"
	InitiateTransferSignature = "initiateTransfer(address,uint256,address,string,string,string,string,string)"
)

var contractABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(ContractABI))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ScaleAmount converts a decimal token amount to base units. Fractions below one base unit
// are rejected instead of being silently truncated.
func ScaleAmount(p settlement.Payload, decimals int32) (*big.Int, error) {
	scaled := p.Amount.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, errors.Errorf("amount %s has more than %d decimals", p.Amount, decimals)
	}
	if !scaled.IsPositive() {
		return nil, errors.New("amount must be positive")
	}
	return scaled.BigInt(), nil
}

// PackInitiateTransfer returns selector and arguments of the initiateTransfer call.
func PackInitiateTransfer(recipient, stablecoin common.Address, amount *big.Int, p settlement.Payload) ([]byte, error) {
	details, err := p.RecipientJSON()
	if err != nil {
		return nil, err
	}
	data, err := contractABI.Pack(InitiateTransfer,
		recipient,
		amount,
		stablecoin,
		p.SourceCurrency,
		p.DestinationCurrency,
		p.SourceCountry,
		p.DestinationCountry,
		details,
	)
	return data, errors.Wrap(err, "pack initiateTransfer")
}
