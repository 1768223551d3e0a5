package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/entitle/internal/config"
	paymentdomain "github.com/smallbiznis/entitle/internal/payment/domain"
)

type orderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type orderResponse struct {
	ID       string `json:"id"`
	Entity   string `json:"entity"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

type errorResponse struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// Client mints orders on the processor's REST API.
type Client struct {
	baseURL   string
	keyID     string
	keySecret string
	client    *http.Client
}

func NewClient(cfg config.ProcessorConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		keyID:     strings.TrimSpace(cfg.KeyID),
		keySecret: strings.TrimSpace(cfg.KeySecret),
		client:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) CreateOrder(ctx context.Context, in paymentdomain.ProcessorOrderRequest) (paymentdomain.ProcessorOrder, error) {
	if c.keyID == "" || c.keySecret == "" {
		return paymentdomain.ProcessorOrder{}, fmt.Errorf("%w: processor credentials missing", paymentdomain.ErrProcessorUnavailable)
	}

	body, err := json.Marshal(orderRequest{
		Amount:   in.AmountMinorUnits,
		Currency: strings.ToUpper(in.Currency),
		Receipt:  in.Receipt,
		Notes:    in.Notes,
	})
	if err != nil {
		return paymentdomain.ProcessorOrder{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return paymentdomain.ProcessorOrder{}, err
	}
	req.SetBasicAuth(c.keyID, c.keySecret)
	req.Header.Set("Content-Type", "application/json")
	if in.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", in.IdempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return paymentdomain.ProcessorOrder{}, fmt.Errorf("%w: %v", paymentdomain.ErrProcessorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return paymentdomain.ProcessorOrder{}, fmt.Errorf("%w: status %d", paymentdomain.ErrProcessorUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var procErr errorResponse
		message := "processor_request_failed"
		if err := json.NewDecoder(resp.Body).Decode(&procErr); err == nil {
			if desc := strings.TrimSpace(procErr.Error.Description); desc != "" {
				message = desc
			}
		}
		return paymentdomain.ProcessorOrder{}, fmt.Errorf("%w: %s", paymentdomain.ErrProcessorRejected, message)
	}

	var order orderResponse
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return paymentdomain.ProcessorOrder{}, fmt.Errorf("%w: decode order: %v", paymentdomain.ErrProcessorUnavailable, err)
	}
	if order.ID == "" {
		return paymentdomain.ProcessorOrder{}, fmt.Errorf("%w: %v", paymentdomain.ErrProcessorUnavailable, errors.New("processor_response_invalid"))
	}
	return paymentdomain.ProcessorOrder{
		ID:       order.ID,
		Status:   order.Status,
		Amount:   order.Amount,
		Currency: order.Currency,
	}, nil
}
