// Package otp issues and checks phone verification codes.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"time"

	"gigline/internal/apperr"
	"gigline/internal/config"
	"gigline/internal/docstore"
)

// Sender delivers a code to a phone number.
type Sender interface {
	Send(ctx context.Context, phone, code string) error
}

// LogSender writes codes to the log instead of an SMS gateway.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(_ context.Context, phone, code string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("otp code issued", "phone", maskPhone(phone), "code", code)
	return nil
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}

var phonePattern = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

func ValidPhone(phone string) bool { return phonePattern.MatchString(phone) }

var verifications = docstore.Collection("verifications")

type Service struct {
	Store  *docstore.Store
	Sender Sender
	Config config.OTPConfig
	// Code generates a code of the given length; nil uses crypto/rand digits.
	Code func(length int) (string, error)
}

func New(store *docstore.Store, sender Sender, cfg config.OTPConfig) *Service {
	return &Service{Store: store, Sender: sender, Config: cfg}
}

type pending struct {
	Phone     string `json:"phone"`
	CodeHash  string `json:"code_hash"`
	ExpiresAt string `json:"expires_at"`
	Attempts  int    `json:"attempts"`
}

func hashCode(userID, code string) string {
	sum := sha256.Sum256([]byte(userID + ":" + code))
	return hex.EncodeToString(sum[:])
}

func randomDigits(length int) (string, error) {
	var sb strings.Builder
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		sb.WriteByte(byte('0' + n.Int64()))
	}
	return sb.String(), nil
}

// Start replaces any pending code for userID and sends a fresh one.
func (s *Service) Start(ctx context.Context, userID, phone string) error {
	phone = strings.TrimSpace(phone)
	if !ValidPhone(phone) {
		return apperr.Validation("validation_failed", "phone must be in E.164 format").WithDetails("field", "phone")
	}
	gen := s.Code
	if gen == nil {
		gen = randomDigits
	}
	code, err := gen(s.Config.CodeLength)
	if err != nil {
		return apperr.Dependency("otp_unavailable", err)
	}
	expires := s.Store.Now().Add(s.Config.TTL)
	err = s.Store.Set(ctx, verifications.Doc(userID), docstore.Data{
		"phone":      phone,
		"code_hash":  hashCode(userID, code),
		"expires_at": docstore.FormatTime(expires),
		"attempts":   0,
		"created_at": docstore.ServerTimestamp,
	})
	if err != nil {
		return apperr.Dependency("store_unavailable", err)
	}
	if err := s.Sender.Send(ctx, phone, code); err != nil {
		return apperr.Dependency("otp_unavailable", err)
	}
	return nil
}

// Confirm checks code and returns the verified phone. Failed attempts are
// counted even though an error is returned.
func (s *Service) Confirm(ctx context.Context, userID, code string) (string, error) {
	ref := verifications.Doc(userID)
	var (
		phone   string
		outcome error
	)
	err := s.Store.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		outcome = nil
		snap, err := tx.Get(ref)
		if errors.Is(err, docstore.ErrNotFound) {
			return apperr.Validation("no_pending_verification", "no verification in progress")
		}
		if err != nil {
			return err
		}
		var p pending
		if err := snap.DataTo(&p); err != nil {
			return err
		}
		if p.Attempts >= s.Config.MaxAttempts {
			tx.Delete(ref)
			outcome = apperr.Conflict("too_many_attempts", "too many verification attempts")
			return nil
		}
		if p.ExpiresAt < docstore.FormatTime(s.Store.Now()) {
			tx.Delete(ref)
			outcome = apperr.Validation("code_expired", "verification code expired")
			return nil
		}
		if subtle.ConstantTimeCompare([]byte(p.CodeHash), []byte(hashCode(userID, strings.TrimSpace(code)))) != 1 {
			tx.Update(ref, docstore.Update{Field: "attempts", Value: p.Attempts + 1})
			outcome = apperr.Validation("invalid_code", "verification code does not match")
			return nil
		}
		tx.Delete(ref)
		phone = p.Phone
		return nil
	})
	if err != nil {
		if apperr.KindOf(err) != apperr.KindUnknown {
			return "", err
		}
		return "", apperr.Dependency("store_unavailable", err)
	}
	if outcome != nil {
		return "", outcome
	}
	return phone, nil
}

// TTL is exposed for callers that report expiry to clients.
func (s *Service) TTL() time.Duration { return s.Config.TTL }
