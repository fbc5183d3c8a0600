package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
	"github.com/shopspring/decimal"

	"github.com/hackgods/telehealth-scheduling/internal/fees"
)

const chargeSuccessful = "successful"

// OmiseGateway creates PromptPay charges and refunds them through Omise.
// Capture confirmations are authenticated with an HMAC of the order
// reference before the charge is re-read from Omise.
type OmiseGateway struct {
	client        *omise.Client
	webhookSecret []byte
}

func NewOmiseGateway(publicKey, secretKey, webhookSecret string) (*OmiseGateway, error) {
	if secretKey == "" {
		return nil, errors.New("omise secret key is required")
	}
	client, err := omise.NewClient(publicKey, secretKey)
	if err != nil {
		return nil, fmt.Errorf("omise client: %w", err)
	}
	return &OmiseGateway{client: client, webhookSecret: []byte(webhookSecret)}, nil
}

func (g *OmiseGateway) CreateOrder(_ context.Context, amount decimal.Decimal, currency string, appointmentID uuid.UUID) (string, error) {
	minor := fees.MinorUnits(amount)
	if minor <= 0 {
		return "", errors.New("order amount must be positive")
	}

	src := &omise.Source{}
	if err := g.client.Do(src, &operations.CreateSource{
		Type:     "promptpay",
		Amount:   minor,
		Currency: currency,
	}); err != nil {
		return "", fmt.Errorf("create source: %w", err)
	}

	ch := &omise.Charge{}
	if err := g.client.Do(ch, &operations.CreateCharge{
		Amount:   minor,
		Currency: currency,
		Source:   src.ID,
		Metadata: map[string]any{"appointment_id": appointmentID.String()},
	}); err != nil {
		return "", fmt.Errorf("create charge: %w", err)
	}
	return ch.ID, nil
}

func (g *OmiseGateway) CaptureConfirmed(_ context.Context, orderRef, signature string) (bool, error) {
	if !VerifySignature(g.webhookSecret, orderRef, signature) {
		return false, nil
	}
	ch := &omise.Charge{}
	if err := g.client.Do(ch, &operations.RetrieveCharge{ChargeID: orderRef}); err != nil {
		return false, fmt.Errorf("retrieve charge: %w", err)
	}
	return string(ch.Status) == chargeSuccessful, nil
}

func (g *OmiseGateway) Refund(_ context.Context, orderRef string, amount decimal.Decimal, _ string) (string, error) {
	rf := &omise.Refund{}
	if err := g.client.Do(rf, &operations.CreateRefund{
		ChargeID: orderRef,
		Amount:   fees.MinorUnits(amount),
	}); err != nil {
		return "", fmt.Errorf("create refund: %w", err)
	}
	return rf.ID, nil
}

// Sign returns the hex HMAC-SHA256 of orderRef under secret.
func Sign(secret []byte, orderRef string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(orderRef))
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(secret []byte, orderRef, signature string) bool {
	if len(secret) == 0 || signature == "" {
		return false
	}
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(orderRef))
	return hmac.Equal(mac.Sum(nil), want)
}
