package wallet

import (
	"crypto/sha256"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

// well-known test key, address from the go-ethereum docs
const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func TestParsePrivateKeyAddresses(t *testing.T) {
	s, err := ParsePrivateKey("0x" + testKey)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	if got := s.EVMAddress().Hex(); got != "0x71562b71999873DB5b286dF957af199Ec94617F7" {
		t.Fatalf("EVM address = %s", got)
	}
	if s.HexKey() != testKey {
		t.Fatalf("HexKey roundtrip mismatch")
	}

	tron := s.TronAddress()
	if !strings.HasPrefix(tron, "T") {
		t.Fatalf("TRON address %s must start with T", tron)
	}
	hexAddr, err := TronToHex(tron)
	if err != nil {
		t.Fatalf("TronToHex: %v", err)
	}
	if hexAddr != s.TronHexAddress() {
		t.Fatalf("hex %s != %s", hexAddr, s.TronHexAddress())
	}
	evm, err := TronToEVM(tron)
	if err != nil || evm != s.EVMAddress() {
		t.Fatalf("TronToEVM = %s, %v", evm.Hex(), err)
	}
}

func TestDecodeTronRejectsBadChecksum(t *testing.T) {
	s, _ := Generate()
	addr := []byte(s.TronAddress())
	last := addr[len(addr)-1]
	if last == '1' {
		addr[len(addr)-1] = '2'
	} else {
		addr[len(addr)-1] = '1'
	}
	if _, err := DecodeTron(string(addr)); err == nil {
		t.Fatalf("corrupted address must not decode")
	}
	if _, err := DecodeTron("not-base58-0OIl"); err == nil {
		t.Fatalf("invalid alphabet must not decode")
	}
}

func TestSignRecoversSigner(t *testing.T) {
	s, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	digest := sha256.Sum256([]byte("raw_data"))
	sig, err := s.Sign(digest[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		t.Fatalf("SigToPub: %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != s.EVMAddress() {
		t.Fatalf("signature does not recover to signer")
	}
}

func TestParsePrivateKeyEmpty(t *testing.T) {
	if _, err := ParsePrivateKey(" "); err == nil {
		t.Fatalf("empty key must fail")
	}
}
