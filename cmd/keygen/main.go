// keygen печатает новый ключ подписанта расчетов и его адреса в EVM и TRON.
// Ключ кладется в SETTLEMENT_PRIVATE_KEY, адрес пополняется газом и стейблкоином.
package main

import (
	"flag"
	"fmt"

	"remittance_back/internal/wallet"

	"github.com/sirupsen/logrus"
)

func main() {
	fromKey := flag.String("key", "", "derive addresses from an existing hex private key instead of generating one")
	flag.Parse()

	var (
		signer *wallet.Signer
		err    error
	)
	if *fromKey != "" {
		signer, err = wallet.ParsePrivateKey(*fromKey)
	} else {
		signer, err = wallet.Generate()
	}
	if err != nil {
		logrus.Fatalf("Ошибка при создании ключа: %s", err)
	}

	fmt.Printf("SETTLEMENT_PRIVATE_KEY=%s\n", signer.HexKey())
	fmt.Printf("evm address:  %s\n", signer.EVMAddress().Hex())
	fmt.Printf("tron address: %s\n", signer.TronAddress())
	fmt.Printf("tron hex:     %s\n", signer.TronHexAddress())
}
