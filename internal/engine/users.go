package engine

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"gigline/internal/apperr"
	"gigline/internal/docstore"
	"gigline/internal/domain"
	"gigline/internal/events"
	"gigline/internal/otp"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,30}$`)

const maxNameLen = 60

type RegisterOptions struct {
	Email       string
	Password    string
	Username    string
	FirstName   string
	LastName    string
	Phone       string
	DateOfBirth string
	Address     *domain.Address
}

// Session is a user together with a freshly issued bearer token.
type Session struct {
	User      domain.User
	Token     string
	ExpiresAt time.Time
}

type UserUpdateOptions struct {
	Username    *string
	FirstName   *string
	LastName    *string
	DateOfBirth *string
	Address     *domain.Address
}

func (u UserUpdateOptions) empty() bool {
	return u.Username == nil && u.FirstName == nil && u.LastName == nil && u.DateOfBirth == nil && u.Address == nil
}

var errNoIdentity = errors.New("identity provider not configured")

func validName(field, v string) error {
	if v == "" || utf8.RuneCountInString(v) > maxNameLen {
		return invalid(field, field+" is required and must be at most 60 characters")
	}
	return nil
}

func validDateOfBirth(v string) error {
	if v == "" {
		return nil
	}
	if _, err := time.Parse(time.DateOnly, v); err != nil {
		return invalid("date_of_birth", "date_of_birth must be YYYY-MM-DD")
	}
	return nil
}

func (opts *RegisterOptions) normalize() error {
	opts.Username = strings.TrimSpace(opts.Username)
	opts.FirstName = strings.TrimSpace(opts.FirstName)
	opts.LastName = strings.TrimSpace(opts.LastName)
	opts.Phone = strings.TrimSpace(opts.Phone)
	if !usernamePattern.MatchString(opts.Username) {
		return invalid("username", "username must be 3-30 letters, digits, dots, dashes or underscores")
	}
	if err := validName("first_name", opts.FirstName); err != nil {
		return err
	}
	if err := validName("last_name", opts.LastName); err != nil {
		return err
	}
	if opts.Phone != "" && !otp.ValidPhone(opts.Phone) {
		return invalid("phone", "phone must be in E.164 format")
	}
	return validDateOfBirth(opts.DateOfBirth)
}

// Register creates the identity first and then the user profile keyed by the
// identity's id. The profile is validated up front so a bad request never
// leaves an identity behind.
func (e Engine) Register(ctx context.Context, opts RegisterOptions) (s Session, err error) {
	ctx, span := e.startSpan(ctx, "Register")
	defer endSpan(span, &err)
	if e.Identity == nil {
		return Session{}, apperr.Dependency("identity_unavailable", errNoIdentity)
	}
	if err := opts.normalize(); err != nil {
		return Session{}, err
	}
	ident, err := e.Identity.CreateUser(ctx, opts.Email, opts.Password)
	if err != nil {
		return Session{}, err
	}
	span.SetAttributes(attribute.String("user.id", ident.ID))
	user := domain.User{
		ID:          ident.ID,
		Email:       ident.Email,
		Username:    opts.Username,
		FirstName:   opts.FirstName,
		LastName:    opts.LastName,
		Phone:       opts.Phone,
		Address:     opts.Address,
		DateOfBirth: opts.DateOfBirth,
		Role:        domain.RoleUser,
	}
	err = e.Store.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		if err := e.Repo.InsertUserTx(tx, user); err != nil {
			return err
		}
		e.Events.Append(tx, events.UserRegistered, "user", user.ID, user.ID, events.EventPayload{"username": user.Username})
		return nil
	})
	if err != nil {
		return Session{}, translate(err, "user")
	}
	return e.session(ctx, user.ID)
}

func (e Engine) Login(ctx context.Context, email, password string) (Session, error) {
	if e.Identity == nil {
		return Session{}, apperr.Dependency("identity_unavailable", errNoIdentity)
	}
	ident, err := e.Identity.Authenticate(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return e.session(ctx, ident.ID)
}

func (e Engine) session(ctx context.Context, userID string) (Session, error) {
	user, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return Session{}, translate(err, "user")
	}
	token, exp, err := e.Identity.IssueToken(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return Session{User: user, Token: token, ExpiresAt: exp}, nil
}

// GetUser returns a profile. Contact details are only included for the user
// themselves.
func (e Engine) GetUser(ctx context.Context, id, callerID string) (domain.User, error) {
	if err := requireCaller(callerID); err != nil {
		return domain.User{}, err
	}
	u, err := e.Repo.GetUser(ctx, id)
	if err != nil {
		return domain.User{}, translate(err, "user")
	}
	if callerID != id {
		u.Email, u.Phone, u.DateOfBirth, u.Address = "", "", "", nil
	}
	return u, nil
}

// ListUsers is an operator listing used by the CLI.
func (e Engine) ListUsers(ctx context.Context, limit, offset int) ([]domain.User, error) {
	if limit <= 0 {
		limit = DefaultGigLimit
	}
	users, err := e.Repo.ListUsers(ctx, limit, offset)
	if err != nil {
		return nil, translate(err, "user")
	}
	return users, nil
}

func (e Engine) UpdateUser(ctx context.Context, id, callerID string, opts UserUpdateOptions) (domain.User, error) {
	if err := requireCaller(callerID); err != nil {
		return domain.User{}, err
	}
	if callerID != id {
		return domain.User{}, apperr.Authorization("users can only edit their own profile")
	}
	var updates []docstore.Update
	var fields []any
	set := func(field string, v any) {
		updates = append(updates, docstore.Update{Field: field, Value: v})
		fields = append(fields, field)
	}
	if opts.Username != nil {
		v := strings.TrimSpace(*opts.Username)
		if !usernamePattern.MatchString(v) {
			return domain.User{}, invalid("username", "username must be 3-30 letters, digits, dots, dashes or underscores")
		}
		set("username", v)
	}
	if opts.FirstName != nil {
		v := strings.TrimSpace(*opts.FirstName)
		if err := validName("first_name", v); err != nil {
			return domain.User{}, err
		}
		set("first_name", v)
	}
	if opts.LastName != nil {
		v := strings.TrimSpace(*opts.LastName)
		if err := validName("last_name", v); err != nil {
			return domain.User{}, err
		}
		set("last_name", v)
	}
	if opts.DateOfBirth != nil {
		if err := validDateOfBirth(*opts.DateOfBirth); err != nil {
			return domain.User{}, err
		}
		set("date_of_birth", *opts.DateOfBirth)
	}
	if opts.Address != nil {
		addr, err := docstore.ToData(*opts.Address)
		if err != nil {
			return domain.User{}, invalid("address", "address is malformed")
		}
		set("address", addr)
	}
	if opts.empty() {
		return e.GetUser(ctx, id, callerID)
	}
	err := e.Store.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		if _, err := e.Repo.GetUserTx(tx, id); err != nil {
			return err
		}
		e.Repo.UpdateUserTx(tx, id, updates...)
		e.Events.Append(tx, events.UserUpdated, "user", id, callerID, events.EventPayload{"fields": fields})
		return nil
	})
	if err != nil {
		return domain.User{}, translate(err, "user")
	}
	return e.GetUser(ctx, id, callerID)
}

// StartPhoneVerification sends a one-time code to phone and reports how long
// it stays valid.
func (e Engine) StartPhoneVerification(ctx context.Context, callerID, phone string) (time.Duration, error) {
	if err := requireCaller(callerID); err != nil {
		return 0, err
	}
	if e.OTP == nil {
		return 0, apperr.Dependency("otp_unavailable", errors.New("otp service not configured"))
	}
	if _, err := e.Repo.GetUser(ctx, callerID); err != nil {
		return 0, translate(err, "user")
	}
	if err := e.OTP.Start(ctx, callerID, phone); err != nil {
		return 0, err
	}
	return e.OTP.TTL(), nil
}

// ConfirmPhone checks the code and marks the caller's phone as verified.
func (e Engine) ConfirmPhone(ctx context.Context, callerID, code string) (domain.User, error) {
	if err := requireCaller(callerID); err != nil {
		return domain.User{}, err
	}
	if e.OTP == nil {
		return domain.User{}, apperr.Dependency("otp_unavailable", errors.New("otp service not configured"))
	}
	phone, err := e.OTP.Confirm(ctx, callerID, code)
	if err != nil {
		return domain.User{}, err
	}
	err = e.Store.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		if _, err := e.Repo.GetUserTx(tx, callerID); err != nil {
			return err
		}
		e.Repo.UpdateUserTx(tx, callerID,
			docstore.Update{Field: "phone", Value: phone},
			docstore.Update{Field: "verified", Value: true},
		)
		e.Events.Append(tx, events.UserVerified, "user", callerID, callerID, nil)
		return nil
	})
	if err != nil {
		return domain.User{}, translate(err, "user")
	}
	u, err := e.Repo.GetUser(ctx, callerID)
	if err != nil {
		return domain.User{}, translate(err, "user")
	}
	return u, nil
}
