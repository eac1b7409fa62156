package helpers

import (
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/meridianpay/meridian-api/internal/constants"
)

// IsValidStage checks if the provided stage string is one of the defined valid stages.
func IsValidStage(stage string) bool {
	switch stage {
	case constants.StageProd, constants.StageDev, constants.StageLocal:
		return true
	default:
		return false
	}
}

// IsAddressValid checks if the provided string is a valid Ethereum address
// It verifies:
// 1. The address is exactly 42 characters long (including 0x prefix)
// 2. The address starts with "0x"
// 3. The remaining 40 characters are valid hexadecimal
func IsAddressValid(address string) bool {
	if len(address) != 42 {
		return false
	}

	if !strings.HasPrefix(address, "0x") {
		return false
	}

	for _, c := range address[2:] {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}

	return true
}

// StringToNullableText converts a string to a pgtype.Text, treating "" as NULL.
func StringToNullableText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}
