// Package signature authenticates processor completion callbacks.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Verifier checks HMAC-SHA256 signatures over "orderId|paymentId".
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(strings.TrimSpace(secret))}
}

// Verify never fails loudly: any missing input or mismatch yields false.
func (v *Verifier) Verify(orderID, paymentID, claimed string) bool {
	if v == nil || len(v.secret) == 0 {
		return false
	}
	if orderID == "" || paymentID == "" || claimed == "" {
		return false
	}
	expected := v.Sign(orderID, paymentID)
	return hmac.Equal([]byte(expected), []byte(claimed))
}

// Sign returns the lowercase hex signature the processor would send.
func (v *Verifier) Sign(orderID, paymentID string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}
