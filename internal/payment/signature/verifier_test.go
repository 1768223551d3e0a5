package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func referenceSignature(secret, orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyAcceptsCorrectSignature(t *testing.T) {
	v := NewVerifier("whsec_test")
	pairs := [][2]string{
		{"order_1", "pay_1"},
		{"order_Nx9", "pay_29QQoUBi66xm2f"},
		{"ordér", "paÿ"},
	}
	for _, pair := range pairs {
		sig := referenceSignature("whsec_test", pair[0], pair[1])
		assert.True(t, v.Verify(pair[0], pair[1], sig), pair)
		assert.Equal(t, sig, v.Sign(pair[0], pair[1]))
	}
}

func TestVerifyRejectsEverySingleCharacterMutation(t *testing.T) {
	v := NewVerifier("whsec_test")
	sig := v.Sign("order_1", "pay_1")

	for i := range sig {
		mutated := []byte(sig)
		if mutated[i] == 'a' {
			mutated[i] = 'b'
		} else {
			mutated[i] = 'a'
		}
		assert.False(t, v.Verify("order_1", "pay_1", string(mutated)), "position %d", i)
	}
}

func TestVerifyRejectsMalformedInput(t *testing.T) {
	v := NewVerifier("whsec_test")
	sig := v.Sign("order_1", "pay_1")

	assert.False(t, v.Verify("", "pay_1", sig))
	assert.False(t, v.Verify("order_1", "", sig))
	assert.False(t, v.Verify("order_1", "pay_1", ""))
	assert.False(t, v.Verify("order_1", "pay_2", sig))
	assert.False(t, v.Verify("order_1", "pay_1", sig[:10]))

	upper := []byte(sig)
	for i, c := range upper {
		if c >= 'a' && c <= 'f' {
			upper[i] = c - 32
		}
	}
	assert.False(t, v.Verify("order_1", "pay_1", string(upper)))
}

func TestVerifyWithoutSecretAlwaysFails(t *testing.T) {
	v := NewVerifier("  ")
	assert.False(t, v.Verify("order_1", "pay_1", referenceSignature("", "order_1", "pay_1")))

	var nilVerifier *Verifier
	assert.False(t, nilVerifier.Verify("order_1", "pay_1", "abc"))
}
