// Package payments creates payment intents with the configured processor.
package payments

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"

	"gigline/internal/apperr"
)

type IntentRequest struct {
	AmountMinor    int64
	Currency       string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

type Intent struct {
	ID           string
	ClientSecret string
	Status       string
	Amount       int64
	Currency     string
}

type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	GetIntent(ctx context.Context, id string) (Intent, error)
}

// ToMinor converts a decimal price into minor currency units.
func ToMinor(price float64) int64 {
	return int64(math.Round(price * 100))
}

// Unavailable is used when no processor key is configured.
type Unavailable struct{}

func (Unavailable) CreateIntent(context.Context, IntentRequest) (Intent, error) {
	return Intent{}, apperr.Dependency("payments_unavailable", errors.New("payment processor not configured"))
}

func (Unavailable) GetIntent(context.Context, string) (Intent, error) {
	return Intent{}, apperr.Dependency("payments_unavailable", errors.New("payment processor not configured"))
}

// StripeGateway talks to Stripe through a per-instance client, never the
// package-level globals.
type StripeGateway struct {
	client *client.API
}

func NewStripeGateway(apiKey string, backends *stripe.Backends) *StripeGateway {
	sc := &client.API{}
	sc.Init(apiKey, backends)
	return &StripeGateway{client: sc}
}

// New returns the Stripe gateway, or Unavailable without a key.
func New(apiKey string) Gateway {
	if strings.TrimSpace(apiKey) == "" {
		return Unavailable{}
	}
	return NewStripeGateway(apiKey, nil)
}

func (g *StripeGateway) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if req.AmountMinor <= 0 {
		return Intent{}, apperr.Validation("validation_failed", "amount must be positive")
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	pi, err := g.client.PaymentIntents.New(params)
	if err != nil {
		return Intent{}, mapStripeError(err)
	}
	return toIntent(pi), nil
}

func (g *StripeGateway) GetIntent(ctx context.Context, id string) (Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.client.PaymentIntents.Get(id, params)
	if err != nil {
		return Intent{}, mapStripeError(err)
	}
	return toIntent(pi), nil
}

func toIntent(pi *stripe.PaymentIntent) Intent {
	return Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
	}
}

func mapStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.Code == stripe.ErrorCodeIdempotencyKeyInUse:
			return apperr.Conflict("payment_in_progress", "a payment for this gig is already being created")
		case stripeErr.HTTPStatusCode == http.StatusBadRequest:
			return apperr.Validation("payment_rejected", stripeErr.Msg)
		}
	}
	return apperr.Dependency("payments_unavailable", fmt.Errorf("stripe: %w", err))
}
