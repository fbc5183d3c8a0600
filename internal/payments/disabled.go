package payments

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrGatewayDisabled = errors.New("payment gateway is not configured")

// DisabledGateway rejects every call. It stands in when no gateway keys are
// configured, so clinic-paid bookings keep working.
type DisabledGateway struct{}

func (DisabledGateway) CreateOrder(context.Context, decimal.Decimal, string, uuid.UUID) (string, error) {
	return "", ErrGatewayDisabled
}

func (DisabledGateway) CaptureConfirmed(context.Context, string, string) (bool, error) {
	return false, ErrGatewayDisabled
}

func (DisabledGateway) Refund(context.Context, string, decimal.Decimal, string) (string, error) {
	return "", ErrGatewayDisabled
}

// NewGateway returns an Omise gateway, or DisabledGateway when no secret key
// is set.
func NewGateway(publicKey, secretKey, webhookSecret string) (Gateway, error) {
	if secretKey == "" {
		return DisabledGateway{}, nil
	}
	return NewOmiseGateway(publicKey, secretKey, webhookSecret)
}
