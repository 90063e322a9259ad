package bluetooth

import (
	"fmt"
	"strings"

	"github.com/bluetuith-org/ble-peripheral/api/errorkinds"
	"github.com/google/uuid"
)

// The Bluetooth Base UUID. Short 16-bit and 32-bit UUID forms are expanded
// into this template.
const baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// NormalizeUUID expands a 16-bit ("180A"), 32-bit ("0000180A") or full
// 128-bit UUID into the canonical lowercase dashed 128-bit form.
// Normalization is idempotent.
func NormalizeUUID(id string) (string, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(id), "0x")

	switch len(trimmed) {
	case 4:
		trimmed = "0000" + trimmed + baseUUIDSuffix
	case 8:
		trimmed = trimmed + baseUUIDSuffix
	}

	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("parse uuid %q (%v): %w", id, err, errorkinds.ErrInvalidUUID)
	}

	return parsed.String(), nil
}

// MustUUID normalizes the provided UUID and panics if it is malformed.
// This is meant for statically known UUIDs only.
func MustUUID(id string) string {
	normalized, err := NormalizeUUID(id)
	if err != nil {
		panic(err)
	}

	return normalized
}
