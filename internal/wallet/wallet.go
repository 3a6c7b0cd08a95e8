package wallet

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
)

// tronPrefix первый байт адреса в сети TRON
const tronPrefix = 0x41

// Signer ключ, которым подписываются транзакции расчёта
type Signer struct {
	key *ecdsa.PrivateKey
}

// Generate создаёт новый ключ
func Generate() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	return &Signer{key: key}, nil
}

// ParsePrivateKey принимает hex с префиксом 0x или без него
func ParsePrivateKey(privKeyHex string) (*Signer, error) {
	privKeyHex = strings.TrimPrefix(strings.TrimSpace(privKeyHex), "0x")
	if privKeyHex == "" {
		return nil, errors.New("settlement private key is empty")
	}
	privBytes, err := hex.DecodeString(privKeyHex)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode private key hex")
	}
	key, err := crypto.ToECDSA(privBytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to convert to ECDSA")
	}
	return &Signer{key: key}, nil
}

func (s *Signer) PrivateKey() *ecdsa.PrivateKey { return s.key }

func (s *Signer) HexKey() string {
	return hex.EncodeToString(crypto.FromECDSA(s.key))
}

func (s *Signer) EVMAddress() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// TronAddress base58check адрес
func (s *Signer) TronAddress() string {
	return EncodeTron(s.EVMAddress())
}

// TronHexAddress адрес с префиксом 41 в hex, как его ждёт HTTP API ноды
func (s *Signer) TronHexAddress() string {
	return hex.EncodeToString(append([]byte{tronPrefix}, s.EVMAddress().Bytes()...))
}

// Sign подписывает sha256 хэш сырых данных транзакции TRON
func (s *Signer) Sign(digest []byte) ([]byte, error) {
	sig, err := crypto.Sign(digest, s.key)
	return sig, errors.Wrap(err, "sign digest")
}

func checksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:4]
}

// EncodeTron переводит 20 байт адреса в base58check
func EncodeTron(addr common.Address) string {
	raw := append([]byte{tronPrefix}, addr.Bytes()...)
	return base58.Encode(append(raw, checksum(raw)...))
}

// DecodeTron проверяет чексуму и возвращает 21 байт адреса (префикс + тело)
func DecodeTron(address string) ([]byte, error) {
	decoded, err := base58.Decode(address)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid base58 address %q", address)
	}
	if len(decoded) != 25 {
		return nil, errors.Errorf("invalid base58check address length %q: got %d bytes", address, len(decoded))
	}
	raw, sum := decoded[:21], decoded[21:]
	if raw[0] != tronPrefix {
		return nil, errors.Errorf("invalid TRON address prefix %q", address)
	}
	if !bytes.Equal(checksum(raw), sum) {
		return nil, errors.Errorf("invalid TRON address checksum %q", address)
	}
	return raw, nil
}

func TronToHex(address string) (string, error) {
	raw, err := DecodeTron(address)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// TronToEVM отбрасывает префикс; в ABI адрес TRON кодируется как обычный 20-байтный
func TronToEVM(address string) (common.Address, error) {
	raw, err := DecodeTron(address)
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(raw[1:]), nil
}
