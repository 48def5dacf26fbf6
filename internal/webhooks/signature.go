package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// VerifyHMAC checks an HMAC-SHA256 signature over the raw body using the shared secret.
func VerifyHMAC(secret string, body []byte, provided string) bool {
	b, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), b)
}

// SignHMAC returns lowercase hex of HMAC-SHA256 for the X-Signature header.
func SignHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
