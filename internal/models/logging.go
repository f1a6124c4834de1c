package models

import (
	"encoding/hex"
	"os"
	"strconv"
)

// BinaryMaxLineEnv caps how many bytes of a binary payload end up in a
// debug log line.
const BinaryMaxLineEnv = "NODEATV_BINARY_MAX_LINE"

const defaultBinaryMaxLine = 512

// FormatBinary renders a payload as hex for debug logging, truncated to
// the configured line cap.
func FormatBinary(data []byte) string {
	limit := defaultBinaryMaxLine
	if value := os.Getenv(BinaryMaxLineEnv); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if len(data) <= limit {
		return hex.EncodeToString(data)
	}
	return hex.EncodeToString(data[:limit]) + "..."
}
