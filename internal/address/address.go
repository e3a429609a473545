// Package address classifies XRP Ledger account addresses.
package address

import (
	"strings"

	addresscodec "github.com/Peersyst/xrpl-go/address-codec"
)

const previewLen = 12

// IsValid reports whether input is a string holding a valid classic
// address (r...) or X-address once surrounding whitespace is trimmed.
// Non-string inputs are never valid.
func IsValid(input any) bool {
	s, ok := input.(string)
	if !ok {
		return false
	}
	return IsValidString(s)
}

// IsValidString is IsValid for callers that already hold a string.
func IsValidString(s string) bool {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return false
	}
	return addresscodec.IsValidClassicAddress(trimmed) || addresscodec.IsValidXAddress(trimmed)
}

// Preview masks an address for log lines.
func Preview(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "(empty)"
	}
	if len(addr) <= previewLen {
		return addr
	}
	return addr[:previewLen] + "..."
}
