package ledger

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/carbontrack/carbontrack/internal/shared"
)

// DefaultMetadataBaseURL is used when no base URL is configured.
const DefaultMetadataBaseURL = "https://api.carbontrack.com"

// BatchNumber derives the integer batch number the contract stores.
// Canonical decimal batch numbers are used verbatim; anything else, including
// digits with a leading zero, maps to the first 63 bits of keccak256(batchNumber).
// "7" and "007" are distinct batches and must not share a ledger number. The result is never zero and is stable,
// so reconcile can look the token up again.
func BatchNumber(batchNumber string) (uint64, error) {
	s := strings.TrimSpace(batchNumber)
	if s == "" {
		return 0, fmt.Errorf("%w: batch number required", shared.ErrValidation)
	}
	if isDigits(s) && (len(s) == 1 || s[0] != '0') {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: batch number out of range", shared.ErrValidation)
		}
		if n == 0 {
			return 0, fmt.Errorf("%w: batch number must be positive", shared.ErrValidation)
		}
		return n, nil
	}
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(s))
	n := binary.BigEndian.Uint64(h.Sum(nil)[:8]) >> 1
	if n == 0 {
		n = 1
	}
	return n, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// MetadataURI builds the token URI for a ledger batch number.
func MetadataURI(baseURL string, batchNumber uint64) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = DefaultMetadataBaseURL
	}
	return fmt.Sprintf("%s/metadata/batch/%d", base, batchNumber)
}
