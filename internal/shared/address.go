package shared

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
)

var addressFolder = cases.Fold()

// NormalizeAddress case-folds a wallet address. It is applied once, at the
// service boundary, before any comparison or storage.
func NormalizeAddress(addr string) string {
	return addressFolder.String(strings.TrimSpace(addr))
}

// RequireAddress normalises addr and rejects empty values.
func RequireAddress(field, addr string) (string, error) {
	norm := NormalizeAddress(addr)
	if norm == "" {
		return "", fmt.Errorf("%w: %s required", ErrValidation, field)
	}
	return norm, nil
}

// ValidateAddress normalises addr and checks it looks like a 20 byte hex account.
func ValidateAddress(addr string) (string, error) {
	norm := NormalizeAddress(addr)
	if norm == "" {
		return "", fmt.Errorf("%w: address required", ErrValidation)
	}
	if len(norm) != 42 || !strings.HasPrefix(norm, "0x") {
		return "", fmt.Errorf("%w: malformed address %q", ErrValidation, addr)
	}
	for _, r := range norm[2:] {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return "", fmt.Errorf("%w: malformed address %q", ErrValidation, addr)
		}
	}
	return norm, nil
}

// IsZeroAddress reports whether addr is the all-zero account.
func IsZeroAddress(addr string) bool {
	return NormalizeAddress(addr) == "0x0000000000000000000000000000000000000000"
}
