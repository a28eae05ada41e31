package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"margincore/native/oracle"
)

// margin-attester signs an on-demand price update with the shared attester
// key and pushes it to a margind gateway. The gateway's oracle verifies the
// proof; no JWT is involved.
func main() {
	gatewayURL := flag.String("gateway", "http://localhost:8545", "margind gateway base URL")
	keyHex := flag.String("key", "", "attester proof key (hex)")
	tokenHex := flag.String("token", "", "token address")
	priceStr := flag.String("price", "", "price in oracle fixed-point units")
	timestamp := flag.Int64("timestamp", 0, "update unix time (default: now)")
	flag.Parse()

	if err := run(*gatewayURL, *keyHex, *tokenHex, *priceStr, *timestamp); err != nil {
		fmt.Fprintf(os.Stderr, "margin-attester: %v\n", err)
		os.Exit(1)
	}
}

type updateRequest struct {
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"`
	Proof     string `json:"proof"`
}

func run(gatewayURL, keyHex, tokenHex, priceStr string, timestamp int64) error {
	key, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
	if err != nil || len(key) == 0 {
		return fmt.Errorf("invalid attester key")
	}
	if !common.IsHexAddress(tokenHex) {
		return fmt.Errorf("invalid token address %q", tokenHex)
	}
	token := common.HexToAddress(tokenHex)
	price, ok := new(big.Int).SetString(strings.TrimSpace(priceStr), 10)
	if !ok || price.Sign() <= 0 {
		return fmt.Errorf("invalid price %q", priceStr)
	}
	if timestamp == 0 {
		timestamp = time.Now().Unix()
	}

	proof := oracle.UpdateDigest(key, token, price, timestamp)
	body, err := json.Marshal(updateRequest{
		Price:     price.String(),
		Timestamp: timestamp,
		Proof:     hexutil.Encode(proof),
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/v1/oracle/%s/price", strings.TrimRight(gatewayURL, "/"), token.Hex())
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("posting update: %w", err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway rejected update: %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}
	fmt.Printf("update accepted: %s\n", strings.TrimSpace(string(payload)))
	return nil
}
