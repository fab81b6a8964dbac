package server

import (
	"time"

	"gigline/internal/domain"
	"gigline/internal/engine"
)

// Request payloads

type CreateGigRequest struct {
	Title             string           `json:"title,omitempty" maxLength:"100"`
	Description       string           `json:"description,omitempty"`
	Price             float64          `json:"price,omitempty"`
	Category          string           `json:"category,omitempty"`
	Deadline          string           `json:"deadline,omitempty" doc:"RFC3339 timestamp"`
	EstimatedDuration string           `json:"estimated_duration,omitempty"`
	Attachments       []string         `json:"attachments,omitempty"`
	Location          *domain.Location `json:"location,omitempty"`
}

type UpdateGigStatusRequest struct {
	Status string `json:"status" enum:"open,accepted,completed,cancelled"`
}

type CreatePaymentRequest struct {
	Currency string `json:"currency,omitempty" example:"usd"`
}

type RegisterRequest struct {
	Email       string          `json:"email"`
	Password    string          `json:"password"`
	Username    string          `json:"username"`
	FirstName   string          `json:"first_name"`
	LastName    string          `json:"last_name"`
	Phone       string          `json:"phone,omitempty" example:"+14155550100"`
	DateOfBirth string          `json:"date_of_birth,omitempty" example:"1990-04-01"`
	Address     *domain.Address `json:"address,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type UpdateUserRequest struct {
	Username    *string         `json:"username,omitempty"`
	FirstName   *string         `json:"first_name,omitempty"`
	LastName    *string         `json:"last_name,omitempty"`
	DateOfBirth *string         `json:"date_of_birth,omitempty"`
	Address     *domain.Address `json:"address,omitempty"`
}

type PhoneVerifyRequest struct {
	Phone string `json:"phone" example:"+14155550100"`
}

type PhoneConfirmRequest struct {
	Code string `json:"code"`
}

type CreateHomeRequest struct {
	Name     string           `json:"name,omitempty"`
	Address  domain.Address   `json:"address"`
	Location *domain.Location `json:"location,omitempty"`
}

type AddOccupantRequest struct {
	UserID string `json:"user_id"`
}

type HomeEntryRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Response payloads

type SessionResponse struct {
	User      domain.User `json:"user"`
	Token     string      `json:"token"`
	ExpiresAt string      `json:"expires_at" format:"date-time"`
}

type PaymentResponse struct {
	ID           string `json:"id"`
	GigID        string `json:"gig_id"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
	ClientSecret string `json:"client_secret,omitempty"`
	CreatedAt    string `json:"created_at,omitempty" format:"date-time"`
}

type PhoneVerifyResponse struct {
	Sent             bool `json:"sent"`
	ExpiresInSeconds int  `json:"expires_in_seconds"`
}

type paginatedGigs struct {
	Items  []domain.Gig `json:"items"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// Conversion helpers

func sessionResponse(s engine.Session) SessionResponse {
	return SessionResponse{
		User:      s.User,
		Token:     s.Token,
		ExpiresAt: s.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

func paymentResponse(p domain.Payment, clientSecret string) PaymentResponse {
	return PaymentResponse{
		ID:           p.ID,
		GigID:        p.GigID,
		Amount:       p.Amount,
		Currency:     p.Currency,
		Status:       p.Status,
		ClientSecret: clientSecret,
		CreatedAt:    p.CreatedAt,
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
