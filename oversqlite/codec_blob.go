// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// encodeBlob renders BLOB bytes for an item: 16-byte keys as UUID strings, everything else as base64
func encodeBlob(b []byte, isKey bool) string {
	if isKey && len(b) == 16 {
		return uuid.UUID(b).String()
	}
	return base64.StdEncoding.EncodeToString(b)
}

func isHexStringValue(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

func tryDecodeBase64Exact(s string) ([]byte, bool) {
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	// Avoid treating arbitrary strings as base64: ensure round-trip equality.
	if base64.StdEncoding.EncodeToString(decoded) != s {
		return nil, false
	}
	return decoded, true
}

// decodeBlob accepts what encodeBlob produces, plus hex for keys written by other clients
func decodeBlob(s string, isKey bool) ([]byte, error) {
	if s == "" {
		return []byte{}, nil
	}
	if isKey {
		if parsed, err := uuid.Parse(s); err == nil {
			return parsed[:], nil
		}
		hs := strings.TrimSpace(s)
		if len(hs)%2 == 0 && isHexStringValue(hs) {
			if decoded, err := hex.DecodeString(hs); err == nil {
				return decoded, nil
			}
		}
	}
	if decoded, ok := tryDecodeBase64Exact(s); ok {
		return decoded, nil
	}
	return nil, fmt.Errorf("invalid blob encoding")
}
