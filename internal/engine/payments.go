package engine

import (
	"context"
	"strings"

	"gigline/internal/apperr"
	"gigline/internal/docstore"
	"gigline/internal/domain"
	"gigline/internal/events"
	"gigline/internal/payments"
	"gigline/internal/repo"
)

type PaymentResult struct {
	Payment      domain.Payment
	ClientSecret string
}

func validCurrency(c string) bool {
	if len(c) != 3 {
		return false
	}
	for _, r := range c {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// CreateGigPayment charges the gig price to the creator once the gig has been
// accepted. The idempotency key is derived from the gig, so retries return the
// same intent.
func (e Engine) CreateGigPayment(ctx context.Context, gigID, currency, callerID string) (res PaymentResult, err error) {
	ctx, span := e.startSpan(ctx, "CreateGigPayment")
	defer endSpan(span, &err)
	if err := requireCaller(callerID); err != nil {
		return PaymentResult{}, err
	}
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		currency = e.Config.Payments.Currency
	}
	if !validCurrency(currency) {
		return PaymentResult{}, invalid("currency", "currency must be a three letter ISO code")
	}
	gig, err := e.GetGig(ctx, gigID)
	if err != nil {
		return PaymentResult{}, err
	}
	if gig.CreatedBy != callerID {
		return PaymentResult{}, apperr.Authorization("only the gig creator can pay for it")
	}
	if gig.Status != domain.GigAccepted && gig.Status != domain.GigCompleted {
		return PaymentResult{}, apperr.Conflict("gig_not_payable", "gig must be accepted or completed before payment").WithDetails("status", gig.Status)
	}
	gateway := e.Payments
	if gateway == nil {
		gateway = payments.Unavailable{}
	}
	intent, err := gateway.CreateIntent(ctx, payments.IntentRequest{
		AmountMinor:    payments.ToMinor(gig.Price),
		Currency:       currency,
		Description:    gig.Title,
		IdempotencyKey: "gig-" + gig.ID,
		Metadata:       map[string]string{"gig_id": gig.ID, "accepted_by": gig.AcceptedBy},
	})
	if err != nil {
		return PaymentResult{}, err
	}
	p := domain.Payment{
		ID:        intent.ID,
		GigID:     gig.ID,
		Amount:    intent.Amount,
		Currency:  intent.Currency,
		Status:    intent.Status,
		CreatedBy: callerID,
	}
	err = e.Store.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		if err := e.Repo.UpsertPaymentTx(tx, p); err != nil {
			return err
		}
		e.Events.Append(tx, events.PaymentCreated, "gig", gig.ID, callerID, events.EventPayload{
			"payment_id": p.ID,
			"amount":     p.Amount,
			"currency":   p.Currency,
		})
		return nil
	})
	if err != nil {
		return PaymentResult{}, translate(err, "payment")
	}
	stored, err := e.Repo.GetPayment(ctx, gig.ID, p.ID)
	if err != nil {
		return PaymentResult{}, translate(err, "payment")
	}
	return PaymentResult{Payment: stored, ClientSecret: intent.ClientSecret}, nil
}

func (e Engine) canSeePayments(ctx context.Context, gigID, callerID string) error {
	if err := requireCaller(callerID); err != nil {
		return err
	}
	gig, err := e.GetGig(ctx, gigID)
	if err != nil {
		return err
	}
	if gig.CreatedBy != callerID && gig.AcceptedBy != callerID {
		return apperr.Authorization("only the creator or acceptor can see payments")
	}
	return nil
}

// ListGigPayments is visible to the creator and the acceptor.
func (e Engine) ListGigPayments(ctx context.Context, gigID, callerID string) ([]domain.Payment, error) {
	if err := e.canSeePayments(ctx, gigID, callerID); err != nil {
		return nil, err
	}
	ps, err := e.Repo.ListPayments(ctx, gigID)
	if err != nil {
		return nil, translate(err, "payment")
	}
	return ps, nil
}

// SyncPayment refreshes a stored payment's status from the processor.
func (e Engine) SyncPayment(ctx context.Context, gigID, paymentID, callerID string) (domain.Payment, error) {
	if err := e.canSeePayments(ctx, gigID, callerID); err != nil {
		return domain.Payment{}, err
	}
	if _, err := e.Repo.GetPayment(ctx, gigID, paymentID); err != nil {
		return domain.Payment{}, translate(err, "payment")
	}
	gateway := e.Payments
	if gateway == nil {
		gateway = payments.Unavailable{}
	}
	intent, err := gateway.GetIntent(ctx, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	ref := repo.PaymentsCollection(gigID).Doc(paymentID)
	if err := e.Store.Update(ctx, ref, docstore.Update{Field: "status", Value: intent.Status}); err != nil {
		return domain.Payment{}, translate(err, "payment")
	}
	p, err := e.Repo.GetPayment(ctx, gigID, paymentID)
	if err != nil {
		return domain.Payment{}, translate(err, "payment")
	}
	return p, nil
}
