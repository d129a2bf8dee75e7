package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker/v2"
)

const defaultSendTimeout = 10 * time.Second

type pushRequest struct {
	Token    string            `json:"token"`
	Platform string            `json:"platform"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
}

type pushResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
}

var _ Gateway = (*HTTPGateway)(nil)

// HTTPGateway sends push payloads to an HTTP delivery endpoint. Calls are
// routed through a circuit breaker so a hard-down endpoint fails fast instead
// of tying up worker slots on timeouts.
type HTTPGateway struct {
	client   *resty.Client
	breaker  *gobreaker.CircuitBreaker[*resty.Response]
	endpoint string
}

func NewHTTPGateway(endpoint string) (*HTTPGateway, error) {
	client := resty.New()
	client.SetTimeout(defaultSendTimeout)
	client.SetRetryCount(0)

	return NewHTTPGatewayWithClient(endpoint, client)
}

func NewHTTPGatewayWithClient(endpoint string, client *resty.Client) (*HTTPGateway, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("gateway endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid gateway endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultSendTimeout)
	}
	client.SetRetryCount(0)

	breaker := gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:        "push-gateway",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	return &HTTPGateway{
		client:   client,
		breaker:  breaker,
		endpoint: trimmedEndpoint,
	}, nil
}

func (g *HTTPGateway) Send(ctx context.Context, delivery Delivery) (*Receipt, error) {
	if g == nil || g.client == nil {
		return nil, fmt.Errorf("gateway is not initialized")
	}
	if err := delivery.Device.Validate(); err != nil {
		return nil, fmt.Errorf("invalid delivery target: %w", err)
	}

	reqBody := pushRequest{
		Token:    delivery.Device.PushToken,
		Platform: strings.ToLower(delivery.Device.Platform.String()),
		Title:    delivery.Title,
		Body:     delivery.Body,
		Data:     delivery.Data,
	}

	response, err := g.breaker.Execute(func() (*resty.Response, error) {
		return g.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(reqBody).
			Post(g.endpoint)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &GatewayError{
				Message:   "gateway circuit open",
				Transient: true,
				Cause:     err,
			}
		}
		return nil, &GatewayError{
			Message:   "gateway request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &GatewayError{
			Message:   "gateway returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return interpretAccepted(statusCode, responseBody), nil
	}

	return nil, &GatewayError{
		StatusCode: statusCode,
		Message:    gatewayErrorMessage(statusCode, responseBody),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

// interpretAccepted parses the gateway verdict from a 2xx body. A body that
// is empty or does not decode into a verdict is a rejection; only an explicit
// success indicator marks the delivery accepted.
func interpretAccepted(statusCode int, body string) *Receipt {
	receipt := &Receipt{
		StatusCode: statusCode,
	}

	var parsed pushResponse
	if body == "" || json.Unmarshal([]byte(body), &parsed) != nil {
		receipt.Reason = "malformed gateway response"
		return receipt
	}

	receipt.Accepted = parsed.Success
	receipt.Reason = strings.TrimSpace(parsed.Reason)
	if !receipt.Accepted && receipt.Reason == "" {
		receipt.Reason = "rejected by gateway"
	}
	return receipt
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func gatewayErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("gateway returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}
