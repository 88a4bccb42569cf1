package evm

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/carbontrack/carbontrack/internal/shared"
)

// LoadKeys reads a JSON object mapping account address to hex private key.
// Every key must derive the address it is listed under.
func LoadKeys(path string) (map[string]*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keys file: %w", err)
	}
	var entries map[string]string
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode keys file: %w", err)
	}
	return ParseKeys(entries)
}

// ParseKeys converts address -> hex key pairs.
func ParseKeys(entries map[string]string) (map[string]*ecdsa.PrivateKey, error) {
	keys := make(map[string]*ecdsa.PrivateKey, len(entries))
	for addr, hexKey := range entries {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
		if err != nil {
			return nil, fmt.Errorf("key for %s: %w", addr, err)
		}
		derived := shared.NormalizeAddress(crypto.PubkeyToAddress(key.PublicKey).Hex())
		if derived != shared.NormalizeAddress(addr) {
			return nil, fmt.Errorf("key listed for %s belongs to %s", addr, derived)
		}
		keys[derived] = key
	}
	return keys, nil
}
