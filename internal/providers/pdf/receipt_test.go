package pdf

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateReceipt(t *testing.T) {
	doc, err := New().GenerateReceipt(context.Background(), ReceiptData{
		Receipt:          "rcpt_1",
		IntentID:         "1",
		UserID:           "user-1",
		PlanType:         "flexible",
		Credits:          100,
		Amount:           49900,
		Currency:         "INR",
		ProcessorOrderID: "order_1",
		PaymentID:        "pay_1",
		PaidAt:           time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(doc, []byte("%PDF")))
}

func TestGenerateReceiptRequiresPayment(t *testing.T) {
	_, err := New().GenerateReceipt(context.Background(), ReceiptData{Receipt: "rcpt_1"})
	assert.ErrorIs(t, err, ErrIncompleteReceipt)
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "INR 499.00", FormatAmount(49900, "inr"))
	assert.Equal(t, "USD 0.05", FormatAmount(5, "USD"))
	assert.Equal(t, "EUR -1.50", FormatAmount(-150, "EUR"))
}
