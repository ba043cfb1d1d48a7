package hostlink

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// verifySignature verifies an HMAC-SHA256 signature over payload using a
// constant-time comparison. Accepted formats are "sha256=<hex>" and plain
// hex. Errors are deliberately generic.
func verifySignature(payload []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return fmt.Errorf("host link verification failed")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	actual, err := parseSignature(signature)
	if err != nil {
		return fmt.Errorf("host link verification failed")
	}
	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return fmt.Errorf("host link verification failed")
	}
	return nil
}

func parseSignature(signature string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
}

// Sign returns the "sha256=<hex>" signature a host sends for payload. POST
// requests sign the body; GET requests sign the request URI.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
