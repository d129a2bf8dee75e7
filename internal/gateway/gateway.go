// Package gateway is the outbound port to the push delivery service. All
// device sends go through it so resilience policy lives in one place.
package gateway

import (
	"context"

	"courier/internal/domain"
)

// Delivery is one push payload addressed to one device.
type Delivery struct {
	Device domain.Device
	Title  string
	Body   string
	Data   map[string]string
}

// Receipt is the gateway's verdict on a delivery. Accepted=false with a
// Reason is a definitive per-device rejection, not a transport failure.
type Receipt struct {
	StatusCode int
	Accepted   bool
	Reason     string
}

// Gateway is the outbound push delivery port.
type Gateway interface {
	Send(ctx context.Context, delivery Delivery) (*Receipt, error)
}
