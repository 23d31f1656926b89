/**
 * @description
 * This package provides a client for the card processor that charges funders' saved
 * cards. It charges a tokenized card by its authorization code and refunds a previous
 * charge by id.
 *
 * @notes
 * - Every response uses the processor's {status, message, data} envelope.
 * - Errors carry enough detail for IsTransient to separate retryable failures
 *   (transport errors, timeouts, 429 and 5xx) from declines and other 4xx responses.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp: outbound request spans.
 */
package chargeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	chargeStatusSuccess = "success"
	defaultTimeout      = 30 * time.Second
)

// Client is a client for the card processor API.
type Client struct {
	BaseURL    string
	SecretKey  string
	HTTPClient *http.Client
}

// NewClient creates a new card processor client.
func NewClient(baseURL, secretKey string) *Client {
	return &Client{
		BaseURL:   strings.TrimSuffix(baseURL, "/"),
		SecretKey: secretKey,
		HTTPClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// ChargeRequest charges a saved card. AmountMinor is in cents.
type ChargeRequest struct {
	AuthorizationCode string                 `json:"authorization_code"`
	Email             string                 `json:"email"`
	AmountMinor       int64                  `json:"amount"`
	Currency          string                 `json:"currency"`
	Reference         string                 `json:"reference,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// ChargeResult describes a successful charge.
type ChargeResult struct {
	ChargeID        string `json:"charge_id"`
	Reference       string `json:"reference"`
	AmountMinor     int64  `json:"amount"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
	GatewayResponse string `json:"gateway_response"`
}

// RefundResult describes an accepted refund.
type RefundResult struct {
	RefundID string `json:"refund_id"`
	ChargeID string `json:"charge_id"`
	Status   string `json:"status"`
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type chargeData struct {
	ID              json.Number `json:"id"`
	Reference       string      `json:"reference"`
	Amount          int64       `json:"amount"`
	Currency        string      `json:"currency"`
	Status          string      `json:"status"`
	GatewayResponse string      `json:"gateway_response"`
}

type refundData struct {
	ID          json.Number `json:"id"`
	Status      string      `json:"status"`
	Transaction struct {
		ID json.Number `json:"id"`
	} `json:"transaction"`
}

type refundRequest struct {
	Transaction  string `json:"transaction"`
	MerchantNote string `json:"merchant_note,omitempty"`
}

// APIError is a non-success answer from the processor. Declined is set when the request
// was accepted but the card was refused. Unconfirmed is set when the processor reported
// success without a charge id: the card may have been debited and nothing can refund it.
type APIError struct {
	StatusCode  int
	Message     string
	Declined    bool
	Unconfirmed bool
}

func (e *APIError) Error() string {
	switch {
	case e.Declined:
		return fmt.Sprintf("charge declined: %s", e.Message)
	case e.Unconfirmed:
		return fmt.Sprintf("charge unconfirmed: %s", e.Message)
	}
	return fmt.Sprintf("charge api error (status %d): %s", e.StatusCode, e.Message)
}

// IsUnconfirmedCharge reports whether err means the card may have been charged even
// though no usable charge was returned.
func IsUnconfirmedCharge(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Unconfirmed
}

// TransportError wraps failures where no usable response was received.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to execute %s request: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether a retry of the same request might succeed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Declined && !apiErr.Unconfirmed && (apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests)
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Charge debits the card identified by req.AuthorizationCode.
func (c *Client) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	var data chargeData
	if err := c.do(ctx, "charge", "/transaction/charge_authorization", req, &data); err != nil {
		return nil, err
	}

	if !strings.EqualFold(data.Status, chargeStatusSuccess) {
		log.Printf("level=warn component=charge_client op=charge reference=%s status=%q gateway_response=%q msg=\"charge declined\"", req.Reference, data.Status, data.GatewayResponse)
		message := data.GatewayResponse
		if message == "" {
			message = data.Status
		}
		return nil, &APIError{StatusCode: http.StatusOK, Message: message, Declined: true}
	}
	if data.ID.String() == "" {
		log.Printf("level=error component=charge_client op=charge reference=%s status=%q msg=\"successful charge has no charge id\"", req.Reference, data.Status)
		return nil, &APIError{StatusCode: http.StatusOK, Message: "processor reported success without a charge id", Unconfirmed: true}
	}

	return &ChargeResult{
		ChargeID:        data.ID.String(),
		Reference:       data.Reference,
		AmountMinor:     data.Amount,
		Currency:        data.Currency,
		Status:          data.Status,
		GatewayResponse: data.GatewayResponse,
	}, nil
}

// Refund returns a previous charge in full.
func (c *Client) Refund(ctx context.Context, chargeID, reason string) (*RefundResult, error) {
	if strings.TrimSpace(chargeID) == "" {
		return nil, fmt.Errorf("charge id is required")
	}

	var data refundData
	if err := c.do(ctx, "refund", "/refund", refundRequest{Transaction: chargeID, MerchantNote: reason}, &data); err != nil {
		return nil, err
	}

	refunded := data.Transaction.ID.String()
	if refunded == "" {
		refunded = chargeID
	}
	return &RefundResult{
		RefundID: data.ID.String(),
		ChargeID: refunded,
		Status:   data.Status,
	}, nil
}

func (c *Client) do(ctx context.Context, op, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	var env envelope
	decodeErr := json.Unmarshal(bodyBytes, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := http.StatusText(resp.StatusCode)
		if decodeErr == nil && env.Message != "" {
			message = env.Message
		}
		log.Printf("level=warn component=charge_client op=%s status=%d message=%q", op, resp.StatusCode, message)
		return &APIError{StatusCode: resp.StatusCode, Message: message}
	}
	if decodeErr != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, decodeErr)
	}
	if !env.Status {
		log.Printf("level=warn component=charge_client op=%s status=%d message=%q msg=\"request rejected\"", op, resp.StatusCode, env.Message)
		return &APIError{StatusCode: http.StatusBadRequest, Message: env.Message}
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("%s response has no data", op)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode %s response data: %w", op, err)
	}
	return nil
}
