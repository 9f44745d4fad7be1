package utils

import (
	"os"
	"strconv"
	"strings"
)

// TruncateError shortens an error message for storage in ledger/outbox rows.
// Column budgets are finite; clients only need enough to tell "still working"
// from "never going to succeed".
func TruncateError(err error, max int) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if max > 0 && len(msg) > max {
		return msg[:max]
	}
	return msg
}

func IntFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func BoolFromEnv(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	}
	return def
}

func SplitAndTrim(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
