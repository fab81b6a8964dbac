package engine

import (
	"context"
	"errors"
	"math"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"gigline/internal/apperr"
	"gigline/internal/docstore"
	"gigline/internal/domain"
	"gigline/internal/events"
	"gigline/internal/repo"
)

const (
	DefaultGigLimit = 20
	MaxGigLimit     = 100

	minTitleLen       = 5
	maxTitleLen       = 100
	minDescriptionLen = 10
	maxAttachments    = 20
)

// SortableGigFields lists the fields accepted by the sort parameter.
var SortableGigFields = []string{"created_at", "price", "deadline", "title", "status"}

type GigCreateOptions struct {
	Title             string
	Description       string
	Price             float64
	Category          string
	Deadline          string
	EstimatedDuration string
	Attachments       []string
	Location          *domain.Location
	CreatorID         string
}

type GigListOptions struct {
	Status string
	Sort   string
	Limit  int
	Offset int
}

func invalid(field, msg string) error {
	return apperr.Validation("validation_failed", msg).WithDetails("field", field)
}

// Approximate rounds each axis to one decimal place (about 11 km).
func Approximate(loc domain.Location) domain.Location {
	return domain.Location{
		Lat: math.Round(loc.Lat*10) / 10,
		Lng: math.Round(loc.Lng*10) / 10,
	}
}

func validLocation(loc domain.Location) bool {
	if math.IsNaN(loc.Lat) || math.IsNaN(loc.Lng) {
		return false
	}
	return loc.Lat >= -90 && loc.Lat <= 90 && loc.Lng >= -180 && loc.Lng <= 180
}

func (opts *GigCreateOptions) normalize() error {
	opts.Title = strings.TrimSpace(opts.Title)
	opts.Description = strings.TrimSpace(opts.Description)
	opts.Category = strings.TrimSpace(opts.Category)
	if n := utf8.RuneCountInString(opts.Title); n < minTitleLen || n > maxTitleLen {
		return invalid("title", "title must be between 5 and 100 characters")
	}
	if utf8.RuneCountInString(opts.Description) < minDescriptionLen {
		return invalid("description", "description must be at least 10 characters")
	}
	if !(opts.Price > 0) || math.IsInf(opts.Price, 1) {
		return invalid("price", "price must be a positive number")
	}
	if opts.Deadline != "" {
		t, err := time.Parse(time.RFC3339, opts.Deadline)
		if err != nil {
			return invalid("deadline", "deadline must be an RFC3339 timestamp")
		}
		opts.Deadline = docstore.FormatTime(t)
	}
	if len(opts.Attachments) > maxAttachments {
		return invalid("attachments", "too many attachments")
	}
	for _, a := range opts.Attachments {
		u, err := url.ParseRequestURI(a)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return invalid("attachments", "attachments must be absolute URIs")
		}
	}
	if opts.Location != nil && !validLocation(*opts.Location) {
		return invalid("location", "location must be a valid latitude and longitude")
	}
	return nil
}

// CreateGig stores a new open gig owned by the caller. When a location is
// given only its approximation is written to the gig; the exact coordinate
// goes to the gig's private subcollection in the same transaction.
func (e Engine) CreateGig(ctx context.Context, opts GigCreateOptions) (g domain.Gig, err error) {
	ctx, span := e.startSpan(ctx, "CreateGig")
	defer endSpan(span, &err)
	if err := requireCaller(opts.CreatorID); err != nil {
		return domain.Gig{}, err
	}
	if err := opts.normalize(); err != nil {
		return domain.Gig{}, err
	}
	gig := domain.Gig{
		ID:                uuid.NewString(),
		Title:             opts.Title,
		Description:       opts.Description,
		Price:             opts.Price,
		Category:          opts.Category,
		Deadline:          opts.Deadline,
		EstimatedDuration: strings.TrimSpace(opts.EstimatedDuration),
		Attachments:       opts.Attachments,
		CreatedBy:         opts.CreatorID,
		Status:            domain.GigOpen,
	}
	var loc *domain.GigLocation
	if opts.Location != nil {
		approx := Approximate(*opts.Location)
		gig.ApproximateLocation = &approx
		loc = &domain.GigLocation{GigID: gig.ID, Exact: *opts.Location, Approx: approx}
	}
	span.SetAttributes(attribute.String("gig.id", gig.ID))
	err = e.Store.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		if err := e.Repo.InsertGigTx(tx, gig); err != nil {
			return err
		}
		if loc != nil {
			if err := e.Repo.InsertGigLocationTx(tx, *loc); err != nil {
				return err
			}
		}
		e.Events.Append(tx, events.GigCreated, "gig", gig.ID, opts.CreatorID, events.EventPayload{
			"title": gig.Title,
			"price": gig.Price,
		})
		return nil
	})
	if err != nil {
		return domain.Gig{}, translate(err, "gig")
	}
	return e.GetGig(ctx, gig.ID)
}

// ParseSort splits a "field:direction" specification. The direction defaults
// to ascending.
func ParseSort(spec string) (field string, desc bool, err error) {
	field, dir, _ := strings.Cut(strings.TrimSpace(spec), ":")
	switch strings.ToLower(dir) {
	case "", "asc":
	case "desc":
		desc = true
	default:
		return "", false, invalid("sort", "sort direction must be asc or desc")
	}
	for _, f := range SortableGigFields {
		if f == field {
			return field, desc, nil
		}
	}
	return "", false, invalid("sort", "sort field must be one of "+strings.Join(SortableGigFields, ", "))
}

// ListGigs returns a page of gigs. Without a sort the newest gigs come first;
// ties always fall back to the gig id.
func (e Engine) ListGigs(ctx context.Context, opts GigListOptions) ([]domain.Gig, error) {
	f := repo.GigFilters{SortField: "created_at", SortDesc: true, Limit: opts.Limit, Offset: opts.Offset}
	if opts.Status != "" {
		if !domain.ValidGigStatus(opts.Status) {
			return nil, invalid("status", "unknown gig status")
		}
		f.Status = opts.Status
	}
	if opts.Sort != "" {
		field, desc, err := ParseSort(opts.Sort)
		if err != nil {
			return nil, err
		}
		f.SortField, f.SortDesc = field, desc
	}
	switch {
	case f.Limit < 0:
		return nil, invalid("limit", "limit must not be negative")
	case f.Limit == 0:
		f.Limit = DefaultGigLimit
	case f.Limit > MaxGigLimit:
		f.Limit = MaxGigLimit
	}
	if f.Offset < 0 {
		return nil, invalid("offset", "offset must not be negative")
	}
	gigs, err := e.Repo.ListGigs(ctx, f)
	if err != nil {
		return nil, translate(err, "gig")
	}
	return gigs, nil
}

func (e Engine) GetGig(ctx context.Context, id string) (domain.Gig, error) {
	g, err := e.Repo.GetGig(ctx, id)
	if err != nil {
		return domain.Gig{}, translate(err, "gig")
	}
	return g, nil
}

// ListGigsByUser returns every gig created by userID. Only the user may list
// their own gigs, and the check runs before the store is touched.
func (e Engine) ListGigsByUser(ctx context.Context, callerID, userID string) ([]domain.Gig, error) {
	if err := requireCaller(callerID); err != nil {
		return nil, err
	}
	if callerID != userID {
		return nil, apperr.Authorization("cannot list another user's gigs")
	}
	gigs, err := e.Repo.ListGigs(ctx, repo.GigFilters{CreatedBy: userID, SortField: "created_at", SortDesc: true})
	if err != nil {
		return nil, translate(err, "gig")
	}
	return gigs, nil
}

// AcceptGig moves an open gig to accepted on behalf of callerID. The gig
// read, the precondition checks and the writes (gig, assignment, first
// history entry, audit event) share one transaction, so among concurrent
// callers exactly one observes the gig open and commits.
func (e Engine) AcceptGig(ctx context.Context, gigID, callerID string) (g domain.Gig, err error) {
	ctx, span := e.startSpan(ctx, "AcceptGig", attribute.String("gig.id", gigID))
	defer endSpan(span, &err)
	if err := requireCaller(callerID); err != nil {
		return domain.Gig{}, err
	}
	err = e.Store.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		gig, err := e.Repo.GetGigTx(tx, gigID)
		if errors.Is(err, repo.ErrNotFound) {
			return apperr.NotFound("gig")
		}
		if err != nil {
			return err
		}
		if gig.CreatedBy == callerID {
			return apperr.Conflict("cannot_accept_own_gig", "cannot accept own gig")
		}
		if gig.Status != domain.GigOpen {
			return apperr.Conflict("gig_not_open", "gig is not open").WithDetails("status", gig.Status)
		}
		// A creator may reopen a gig; the same user accepting it again
		// continues the existing assignment.
		exists, err := e.Repo.AssignmentExistsTx(tx, gigID, callerID)
		if err != nil {
			return err
		}
		tx.Update(repo.GigRef(gigID),
			docstore.Update{Field: "status", Value: domain.GigAccepted},
			docstore.Update{Field: "accepted_by", Value: callerID},
			docstore.Update{Field: "accepted_at", Value: docstore.ServerTimestamp},
			docstore.Update{Field: "updated_at", Value: docstore.ServerTimestamp},
		)
		if exists {
			e.Repo.AppendHistoryTx(tx, gigID, callerID, domain.GigAccepted, callerID)
		} else {
			e.Repo.InsertAssignmentTx(tx, gigID, callerID, domain.GigAccepted, callerID)
		}
		e.Events.Append(tx, events.GigAccepted, "gig", gigID, callerID, events.EventPayload{
			"accepted_by": callerID,
			"created_by":  gig.CreatedBy,
		})
		return nil
	})
	if err != nil {
		return domain.Gig{}, translate(err, "gig")
	}
	return e.GetGig(ctx, gigID)
}

// UpdateGigStatus lets the creator set any status. It has no precondition on
// the current status and leaves assignment history untouched.
func (e Engine) UpdateGigStatus(ctx context.Context, gigID, status, callerID string) (g domain.Gig, err error) {
	ctx, span := e.startSpan(ctx, "UpdateGigStatus", attribute.String("gig.id", gigID), attribute.String("gig.status", status))
	defer endSpan(span, &err)
	if err := requireCaller(callerID); err != nil {
		return domain.Gig{}, err
	}
	if !domain.ValidGigStatus(status) {
		return domain.Gig{}, invalid("status", "status must be one of open, accepted, completed, cancelled")
	}
	err = e.Store.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		gig, err := e.Repo.GetGigTx(tx, gigID)
		if errors.Is(err, repo.ErrNotFound) {
			return apperr.NotFound("gig")
		}
		if err != nil {
			return err
		}
		if gig.CreatedBy != callerID {
			return apperr.Authorization("only the gig creator can update its status")
		}
		tx.Update(repo.GigRef(gigID),
			docstore.Update{Field: "status", Value: status},
			docstore.Update{Field: "updated_at", Value: docstore.ServerTimestamp},
		)
		e.Events.Append(tx, events.GigStatusUpdated, "gig", gigID, callerID, events.EventPayload{
			"from": gig.Status,
			"to":   status,
		})
		return nil
	})
	if err != nil {
		return domain.Gig{}, translate(err, "gig")
	}
	return e.GetGig(ctx, gigID)
}

// GetGigLocation returns the exact coordinate to the creator and acceptor.
func (e Engine) GetGigLocation(ctx context.Context, gigID, callerID string) (domain.GigLocation, error) {
	if err := requireCaller(callerID); err != nil {
		return domain.GigLocation{}, err
	}
	gig, err := e.GetGig(ctx, gigID)
	if err != nil {
		return domain.GigLocation{}, err
	}
	if gig.CreatedBy != callerID && gig.AcceptedBy != callerID {
		return domain.GigLocation{}, apperr.Authorization("only the creator or acceptor can see the exact location")
	}
	loc, err := e.Repo.GetGigLocation(ctx, gigID)
	if err != nil {
		return domain.GigLocation{}, translate(err, "gig location")
	}
	return loc, nil
}

// GetAssignment returns userID's assignment on the gig with its history,
// oldest entry first. The creator and the assignee may read it.
func (e Engine) GetAssignment(ctx context.Context, gigID, userID, callerID string) (domain.Assignment, error) {
	if err := requireCaller(callerID); err != nil {
		return domain.Assignment{}, err
	}
	gig, err := e.GetGig(ctx, gigID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if callerID != userID && callerID != gig.CreatedBy {
		return domain.Assignment{}, apperr.Authorization("only the creator or assignee can see an assignment")
	}
	a, err := e.Repo.GetAssignment(ctx, gigID, userID)
	if err != nil {
		return domain.Assignment{}, translate(err, "assignment")
	}
	return a, nil
}
