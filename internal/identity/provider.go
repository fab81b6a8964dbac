// Package identity creates user identities, checks passwords and issues the
// bearer credentials that the HTTP and chat layers verify.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"gigline/internal/apperr"
	"gigline/internal/docstore"
)

const MinPasswordLength = 8

type Identity struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at"`
}

// Verifier turns a bearer credential into a user id.
type Verifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}

type Provider interface {
	Verifier
	CreateUser(ctx context.Context, email, password string) (Identity, error)
	LookupByEmail(ctx context.Context, email string) (Identity, error)
	Authenticate(ctx context.Context, email, password string) (Identity, error)
	IssueToken(ctx context.Context, userID string) (string, time.Time, error)
}

var (
	identities = docstore.Collection("identities")
	emails     = docstore.Collection("emails")
)

// Local keeps identities in the document store. Email uniqueness is enforced
// by an index document keyed by the normalized email hash.
type Local struct {
	Store  *docstore.Store
	Hasher Hasher
	Tokens *Tokens
}

func NewLocal(store *docstore.Store, hasher Hasher, tokens *Tokens) *Local {
	return &Local{Store: store, Hasher: hasher, Tokens: tokens}
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func emailKey(email string) string {
	sum := sha256.Sum256([]byte(NormalizeEmail(email)))
	return hex.EncodeToString(sum[:])
}

func (l *Local) CreateUser(ctx context.Context, email, password string) (Identity, error) {
	email = NormalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil || !strings.Contains(email, "@") {
		return Identity{}, apperr.Validation("validation_failed", "valid email is required").WithDetails("field", "email")
	}
	if len(password) < MinPasswordLength {
		return Identity{}, apperr.Validationf("validation_failed", "password must be at least %d characters", MinPasswordLength).WithDetails("field", "password")
	}
	hash, err := l.Hasher.Hash(password)
	if err != nil {
		return Identity{}, apperr.Dependency("identity_unavailable", err)
	}
	id := Identity{ID: uuid.NewString(), Email: email}
	indexRef := emails.Doc(emailKey(email))
	err = l.Store.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		if _, err := tx.Get(indexRef); err == nil {
			return apperr.Conflict("email_taken", "email already registered")
		} else if !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		tx.Create(indexRef, docstore.Data{"user_id": id.ID})
		tx.Create(identities.Doc(id.ID), docstore.Data{
			"email":         email,
			"password_hash": hash,
			"created_at":    docstore.ServerTimestamp,
		})
		return nil
	})
	if err != nil {
		if apperr.KindOf(err) != apperr.KindUnknown {
			return Identity{}, err
		}
		return Identity{}, apperr.Dependency("identity_unavailable", err)
	}
	return l.get(ctx, id.ID)
}

type storedIdentity struct {
	Email        string `json:"email"`
	PasswordHash string `json:"password_hash"`
	CreatedAt    string `json:"created_at"`
}

func (l *Local) load(ctx context.Context, userID string) (storedIdentity, error) {
	var s storedIdentity
	snap, err := l.Store.Get(ctx, identities.Doc(userID))
	if errors.Is(err, docstore.ErrNotFound) {
		return s, apperr.NotFound("identity")
	}
	if err != nil {
		return s, apperr.Dependency("identity_unavailable", err)
	}
	if err := snap.DataTo(&s); err != nil {
		return s, apperr.Dependency("identity_unavailable", err)
	}
	return s, nil
}

func (l *Local) get(ctx context.Context, userID string) (Identity, error) {
	s, err := l.load(ctx, userID)
	if err != nil {
		return Identity{}, err
	}
	return Identity{ID: userID, Email: s.Email, CreatedAt: s.CreatedAt}, nil
}

func (l *Local) lookupID(ctx context.Context, email string) (string, error) {
	snap, err := l.Store.Get(ctx, emails.Doc(emailKey(email)))
	if errors.Is(err, docstore.ErrNotFound) {
		return "", apperr.NotFound("identity")
	}
	if err != nil {
		return "", apperr.Dependency("identity_unavailable", err)
	}
	id, _ := snap.Data["user_id"].(string)
	if id == "" {
		return "", apperr.NotFound("identity")
	}
	return id, nil
}

func (l *Local) LookupByEmail(ctx context.Context, email string) (Identity, error) {
	id, err := l.lookupID(ctx, email)
	if err != nil {
		return Identity{}, err
	}
	return l.get(ctx, id)
}

// Authenticate returns the same error for unknown emails and wrong passwords.
func (l *Local) Authenticate(ctx context.Context, email, password string) (Identity, error) {
	bad := apperr.Authentication("invalid credentials")
	id, err := l.lookupID(ctx, email)
	if apperr.Is(err, apperr.KindNotFound) {
		return Identity{}, bad
	}
	if err != nil {
		return Identity{}, err
	}
	s, err := l.load(ctx, id)
	if apperr.Is(err, apperr.KindNotFound) {
		return Identity{}, bad
	}
	if err != nil {
		return Identity{}, err
	}
	ok, err := l.Hasher.Verify(password, s.PasswordHash)
	if err != nil {
		return Identity{}, apperr.Dependency("identity_unavailable", err)
	}
	if !ok {
		return Identity{}, bad
	}
	return Identity{ID: id, Email: s.Email, CreatedAt: s.CreatedAt}, nil
}

func (l *Local) IssueToken(_ context.Context, userID string) (string, time.Time, error) {
	token, exp, err := l.Tokens.Issue(userID)
	if err != nil {
		return "", time.Time{}, apperr.Dependency("identity_unavailable", err)
	}
	return token, exp, nil
}

func (l *Local) VerifyToken(_ context.Context, token string) (string, error) {
	sub, err := l.Tokens.Verify(token)
	if err != nil {
		return "", apperr.Authentication("invalid credentials")
	}
	return sub, nil
}
