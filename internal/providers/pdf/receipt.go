package pdf

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

func (p *PDFProvider) GenerateReceipt(ctx context.Context, receipt ReceiptData) ([]byte, error) {
	if strings.TrimSpace(receipt.Receipt) == "" || strings.TrimSpace(receipt.PaymentID) == "" {
		return nil, ErrIncompleteReceipt
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	issuer := strings.TrimSpace(receipt.Issuer)
	if issuer == "" {
		issuer = "entitle"
	}
	datePaid := receipt.PaidAt.UTC().Format(time.RFC3339)
	total := FormatAmount(receipt.Amount, receipt.Currency)

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(30,
		text.NewCol(6, "Receipt", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(6, issuer, props.Text{
			Size:  12,
			Style: fontstyle.Bold,
			Align: align.Right,
		}),
	)

	m.AddRow(24,
		col.New(6).Add(
			text.New("Receipt number: "+receipt.Receipt, props.Text{Top: 0}),
			text.New("Date paid: "+datePaid, props.Text{Top: 4}),
			text.New("Purchase: "+receipt.IntentID, props.Text{Top: 8}),
		),
		col.New(6).Add(
			text.New("Billed to", props.Text{Style: fontstyle.Bold, Align: align.Right}),
			text.New(receipt.UserID, props.Text{Top: 5, Align: align.Right}),
		),
	)

	m.AddRow(15,
		text.NewCol(12, total+" paid on "+datePaid, props.Text{
			Size:  14,
			Style: fontstyle.Bold,
			Top:   5,
		}),
	)

	m.AddRow(10,
		text.NewCol(8, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Qty", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	m.AddRow(15,
		text.NewCol(8, describePlan(receipt.PlanType), props.Text{Size: 9}),
		text.NewCol(2, quantity(receipt), props.Text{Size: 9, Align: align.Right}),
		text.NewCol(2, total, props.Text{Size: 9, Align: align.Right}),
	)

	m.AddRow(10,
		col.New(8),
		text.NewCol(2, "Total", props.Text{Size: 9, Style: fontstyle.Bold}),
		text.NewCol(2, total, props.Text{Size: 9, Align: align.Right}),
	)

	m.AddRow(20,
		col.New(12).Add(
			text.New("Processor order: "+receipt.ProcessorOrderID, props.Text{Size: 8, Top: 4}),
			text.New("Payment: "+receipt.PaymentID, props.Text{Size: 8, Top: 8}),
		),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate receipt: %w", err)
	}
	return doc.GetBytes(), nil
}

// FormatAmount renders minor units as a decimal amount with its currency code.
func FormatAmount(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s %s%d.%02d", strings.ToUpper(strings.TrimSpace(currency)), sign, minor/100, minor%100)
}

func describePlan(planType string) string {
	switch planType {
	case "premium-monthly":
		return "Premium membership, monthly"
	case "premium-annual":
		return "Premium membership, annual"
	default:
		return "Credit top-up"
	}
}

func quantity(receipt ReceiptData) string {
	if receipt.Credits > 0 {
		return fmt.Sprintf("%d", receipt.Credits)
	}
	return "1"
}
