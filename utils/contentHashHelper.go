package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ComputeContentHash derives the idempotency key for a story from its
// semantic content. Title, body and author address are trimmed and lowercased
// independently before hashing, so case or surrounding-whitespace differences
// do not produce distinct keys. Any other byte difference does.
func ComputeContentHash(title, body, authorAddress string) string {
	normalized := normalizePart(title) + "|" + normalizePart(body) + "|" + normalizePart(authorAddress)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func normalizePart(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// IsValidContentHash reports whether s is exactly 64 lowercase hex characters.
// Malformed keys are rejected by callers, never coerced.
func IsValidContentHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// NormalizeAddress lowercases and trims a wallet address so ledger keys are
// case-insensitive on the author side too.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
