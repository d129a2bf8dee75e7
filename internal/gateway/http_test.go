package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"

	"courier/internal/domain"
)

func testDevice() domain.Device {
	return domain.Device{
		ID:        "d1",
		PushToken: "token-1",
		Platform:  domain.PlatformIOS,
		IsActive:  true,
	}
}

func TestHTTPGatewaySendAccepted(t *testing.T) {
	t.Parallel()

	var gotBody pushRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}

		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	g, err := NewHTTPGateway(server.URL)
	if err != nil {
		t.Fatalf("NewHTTPGateway() error = %v", err)
	}

	delivery := Delivery{
		Device: testDevice(),
		Title:  "order shipped",
		Body:   "your order is on the way",
		Data:   map[string]string{"orderId": "o-42"},
	}

	receipt, err := g.Send(context.Background(), delivery)
	if err != nil {
		t.Fatalf("Send() unexpected error: %v", err)
	}

	if !receipt.Accepted {
		t.Fatal("receipt should be accepted")
	}
	if receipt.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want %d", receipt.StatusCode, http.StatusOK)
	}

	if gotBody.Token != "token-1" {
		t.Fatalf("request.token = %q, want %q", gotBody.Token, "token-1")
	}
	if gotBody.Platform != "ios" {
		t.Fatalf("request.platform = %q, want %q", gotBody.Platform, "ios")
	}
	if gotBody.Title != delivery.Title || gotBody.Body != delivery.Body {
		t.Fatalf("request payload = %+v, want title/body from delivery", gotBody)
	}
	if gotBody.Data["orderId"] != "o-42" {
		t.Fatalf("request.data = %v, want orderId o-42", gotBody.Data)
	}
}

func TestHTTPGatewaySendRejection(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"success":false,"reason":"invalid token"}`))
	}))
	defer server.Close()

	g, err := NewHTTPGateway(server.URL)
	if err != nil {
		t.Fatalf("NewHTTPGateway() error = %v", err)
	}

	receipt, err := g.Send(context.Background(), Delivery{Device: testDevice(), Title: "t", Body: "b"})
	if err != nil {
		t.Fatalf("Send() unexpected error: %v", err)
	}

	if receipt.Accepted {
		t.Fatal("rejection should not be accepted")
	}
	if receipt.Reason != "invalid token" {
		t.Fatalf("Reason = %q, want %q", receipt.Reason, "invalid token")
	}
}

func TestHTTPGatewaySendRejectionWithoutReason(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"success":false}`))
	}))
	defer server.Close()

	g, err := NewHTTPGateway(server.URL)
	if err != nil {
		t.Fatalf("NewHTTPGateway() error = %v", err)
	}

	receipt, err := g.Send(context.Background(), Delivery{Device: testDevice(), Title: "t", Body: "b"})
	if err != nil {
		t.Fatalf("Send() unexpected error: %v", err)
	}

	if receipt.Accepted {
		t.Fatal("rejection should not be accepted")
	}
	if receipt.Reason == "" {
		t.Fatal("rejection without a reason should get a fallback reason")
	}
}

func TestHTTPGatewaySendMalformedBodyIsRejection(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		body string
	}{
		{name: "not json", body: "not-json{{"},
		{name: "empty body", body: ""},
		{name: "json scalar", body: `"ok"`},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			g, err := NewHTTPGateway(server.URL)
			if err != nil {
				t.Fatalf("NewHTTPGateway() error = %v", err)
			}

			receipt, err := g.Send(context.Background(), Delivery{Device: testDevice(), Title: "t", Body: "b"})
			if err != nil {
				t.Fatalf("Send() unexpected error: %v", err)
			}

			if receipt.Accepted {
				t.Fatal("a 2xx without an explicit success indicator should not be accepted")
			}
			if receipt.Reason != "malformed gateway response" {
				t.Fatalf("Reason = %q, want %q", receipt.Reason, "malformed gateway response")
			}
		})
	}
}

func TestHTTPGatewaySendStatusClassification(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		statusCode    int
		wantTransient bool
	}{
		{name: "too many requests is transient", statusCode: http.StatusTooManyRequests, wantTransient: true},
		{name: "bad request is permanent", statusCode: http.StatusBadRequest, wantTransient: false},
		{name: "not found is permanent", statusCode: http.StatusNotFound, wantTransient: false},
		{name: "internal server error is transient", statusCode: http.StatusInternalServerError, wantTransient: true},
		{name: "bad gateway is transient", statusCode: http.StatusBadGateway, wantTransient: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.statusCode)
				_, _ = w.Write([]byte("gateway failed"))
			}))
			defer server.Close()

			g, err := NewHTTPGateway(server.URL)
			if err != nil {
				t.Fatalf("NewHTTPGateway() error = %v", err)
			}

			_, err = g.Send(context.Background(), Delivery{Device: testDevice(), Title: "t", Body: "b"})
			if err == nil {
				t.Fatal("Send() should fail on non-2xx status")
			}

			var gatewayErr *GatewayError
			if !errors.As(err, &gatewayErr) {
				t.Fatalf("error type = %T, want *GatewayError", err)
			}
			if gatewayErr.StatusCode != tc.statusCode {
				t.Fatalf("StatusCode = %d, want %d", gatewayErr.StatusCode, tc.statusCode)
			}
			if IsTransient(err) != tc.wantTransient {
				t.Fatalf("IsTransient() = %v, want %v", IsTransient(err), tc.wantTransient)
			}
		})
	}
}

func TestHTTPGatewaySendRejectsInvalidDevice(t *testing.T) {
	t.Parallel()

	g, err := NewHTTPGateway("http://localhost:0")
	if err != nil {
		t.Fatalf("NewHTTPGateway() error = %v", err)
	}

	device := testDevice()
	device.PushToken = ""

	if _, err := g.Send(context.Background(), Delivery{Device: device, Title: "t", Body: "b"}); err == nil {
		t.Fatal("Send() should reject a device without push token")
	}
}

func TestHTTPGatewaySendContextTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := resty.New()
	client.SetTimeout(50 * time.Millisecond)

	g, err := NewHTTPGatewayWithClient(server.URL, client)
	if err != nil {
		t.Fatalf("NewHTTPGatewayWithClient() error = %v", err)
	}

	_, err = g.Send(context.Background(), Delivery{Device: testDevice(), Title: "t", Body: "b"})
	if err == nil {
		t.Fatal("Send() should fail on timeout")
	}
	if !IsTransient(err) {
		t.Fatalf("timeout should be transient, got %v", err)
	}
}

func TestNewHTTPGatewayValidatesEndpoint(t *testing.T) {
	t.Parallel()

	if _, err := NewHTTPGateway(""); err == nil {
		t.Fatal("NewHTTPGateway() should reject empty endpoint")
	}
	if _, err := NewHTTPGateway("not a url"); err == nil {
		t.Fatal("NewHTTPGateway() should reject malformed endpoint")
	}
}
