// Package id generates compact, URL-safe record identifiers.
//
// Identifiers are UUIDv4 values encoded as 26-character lowercase base32
// without padding, which keeps them copy-paste friendly in logs and CLIs
// while preserving full 128-bit randomness.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a new 26-character lowercase base32 identifier.
func NewID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return strings.ToLower(encoding.EncodeToString(value[:])), nil
}
