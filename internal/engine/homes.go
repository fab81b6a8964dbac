package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"gigline/internal/apperr"
	"gigline/internal/docstore"
	"gigline/internal/domain"
	"gigline/internal/events"
	"gigline/internal/repo"
)

type HomeCreateOptions struct {
	Name     string
	Address  domain.Address
	Location *domain.Location
	OwnerID  string
}

func (e Engine) CreateHome(ctx context.Context, opts HomeCreateOptions) (domain.Home, error) {
	if err := requireCaller(opts.OwnerID); err != nil {
		return domain.Home{}, err
	}
	if strings.TrimSpace(opts.Address.Street) == "" || strings.TrimSpace(opts.Address.City) == "" {
		return domain.Home{}, invalid("address", "address street and city are required")
	}
	if opts.Location != nil && !validLocation(*opts.Location) {
		return domain.Home{}, invalid("location", "location must be a valid latitude and longitude")
	}
	h := domain.Home{
		ID:        uuid.NewString(),
		OwnerID:   opts.OwnerID,
		Name:      strings.TrimSpace(opts.Name),
		Address:   opts.Address,
		Location:  opts.Location,
		Occupants: []string{opts.OwnerID},
	}
	err := e.Store.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		if err := e.Repo.InsertHomeTx(tx, h); err != nil {
			return err
		}
		e.Events.Append(tx, events.HomeCreated, "home", h.ID, opts.OwnerID, nil)
		return nil
	})
	if err != nil {
		return domain.Home{}, translate(err, "home")
	}
	return e.getHome(ctx, h.ID)
}

func (e Engine) getHome(ctx context.Context, id string) (domain.Home, error) {
	h, err := e.Repo.GetHome(ctx, id)
	if err != nil {
		return domain.Home{}, translate(err, "home")
	}
	return h, nil
}

// ListHomes returns the homes the caller lives in, newest first.
func (e Engine) ListHomes(ctx context.Context, callerID string) ([]domain.Home, error) {
	if err := requireCaller(callerID); err != nil {
		return nil, err
	}
	homes, err := e.Repo.ListHomesForOccupant(ctx, callerID)
	if err != nil {
		return nil, translate(err, "home")
	}
	return homes, nil
}

// GetHome is restricted to the owner and occupants.
func (e Engine) GetHome(ctx context.Context, id, callerID string) (domain.Home, error) {
	if err := requireCaller(callerID); err != nil {
		return domain.Home{}, err
	}
	h, err := e.getHome(ctx, id)
	if err != nil {
		return domain.Home{}, err
	}
	if !h.IsOccupant(callerID) {
		return domain.Home{}, apperr.Authorization("only occupants can view this home")
	}
	return h, nil
}

// AddOccupant adds userID to the home and makes it the user's current home.
func (e Engine) AddOccupant(ctx context.Context, homeID, userID, callerID string) (domain.Home, error) {
	if err := requireCaller(callerID); err != nil {
		return domain.Home{}, err
	}
	if strings.TrimSpace(userID) == "" {
		return domain.Home{}, invalid("user_id", "user_id is required")
	}
	err := e.Store.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		h, err := e.Repo.GetHomeTx(tx, homeID)
		if errors.Is(err, repo.ErrNotFound) {
			return apperr.NotFound("home")
		}
		if err != nil {
			return err
		}
		if h.OwnerID != callerID {
			return apperr.Authorization("only the owner can change occupants")
		}
		_, err = e.Repo.GetUserTx(tx, userID)
		if errors.Is(err, repo.ErrNotFound) {
			return apperr.NotFound("user")
		}
		if err != nil {
			return err
		}
		tx.Update(repo.HomeRef(homeID), docstore.Update{Field: "occupants", Value: docstore.ArrayUnion(userID)})
		e.Repo.UpdateUserTx(tx, userID, docstore.Update{Field: "current_home", Value: homeID})
		e.Events.Append(tx, events.HomeOccupantAdded, "home", homeID, callerID, events.EventPayload{"user_id": userID})
		return nil
	})
	if err != nil {
		return domain.Home{}, translate(err, "home")
	}
	return e.getHome(ctx, homeID)
}

// RemoveOccupant drops userID from the home. The owner cannot be removed. A
// user whose current home pointed here has it cleared.
func (e Engine) RemoveOccupant(ctx context.Context, homeID, userID, callerID string) (domain.Home, error) {
	if err := requireCaller(callerID); err != nil {
		return domain.Home{}, err
	}
	err := e.Store.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		h, err := e.Repo.GetHomeTx(tx, homeID)
		if errors.Is(err, repo.ErrNotFound) {
			return apperr.NotFound("home")
		}
		if err != nil {
			return err
		}
		if h.OwnerID != callerID {
			return apperr.Authorization("only the owner can change occupants")
		}
		if userID == h.OwnerID {
			return apperr.Validation("cannot_remove_owner", "the owner cannot be removed from their home")
		}
		u, err := e.Repo.GetUserTx(tx, userID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		tx.Update(repo.HomeRef(homeID), docstore.Update{Field: "occupants", Value: docstore.ArrayRemove(userID)})
		if err == nil && u.CurrentHome == homeID {
			e.Repo.UpdateUserTx(tx, userID, docstore.Update{Field: "current_home", Value: docstore.DeleteField})
		}
		e.Events.Append(tx, events.HomeOccupantRemoved, "home", homeID, callerID, events.EventPayload{"user_id": userID})
		return nil
	})
	if err != nil {
		return domain.Home{}, translate(err, "home")
	}
	return e.getHome(ctx, homeID)
}

type HomeEntryOptions struct {
	HomeID     string
	Visibility string
	Type       string
	Payload    map[string]any
	CallerID   string
}

func validVisibility(v string) error {
	if v != domain.HomeDataPrivate && v != domain.HomeDataPublic {
		return invalid("visibility", "visibility must be private or public")
	}
	return nil
}

// AddHomeEntry appends to the home's private or public data. Only occupants
// may write either.
func (e Engine) AddHomeEntry(ctx context.Context, opts HomeEntryOptions) (domain.HomeEntry, error) {
	if err := requireCaller(opts.CallerID); err != nil {
		return domain.HomeEntry{}, err
	}
	if err := validVisibility(opts.Visibility); err != nil {
		return domain.HomeEntry{}, err
	}
	opts.Type = strings.TrimSpace(opts.Type)
	if opts.Type == "" {
		return domain.HomeEntry{}, invalid("type", "type is required")
	}
	if _, err := e.GetHome(ctx, opts.HomeID, opts.CallerID); err != nil {
		return domain.HomeEntry{}, err
	}
	entry := domain.HomeEntry{
		ID:        uuid.NewString(),
		HomeID:    opts.HomeID,
		Type:      opts.Type,
		Payload:   opts.Payload,
		CreatedBy: opts.CallerID,
	}
	if err := e.Repo.InsertHomeEntry(ctx, opts.Visibility, entry); err != nil {
		return domain.HomeEntry{}, translate(err, "home entry")
	}
	stored, err := e.Repo.GetHomeEntry(ctx, opts.HomeID, opts.Visibility, entry.ID)
	if err != nil {
		return domain.HomeEntry{}, translate(err, "home entry")
	}
	return stored, nil
}

// ListHomeEntries returns entries newest first. Public data is readable by
// any authenticated user, private data by occupants only.
func (e Engine) ListHomeEntries(ctx context.Context, homeID, visibility, callerID string) ([]domain.HomeEntry, error) {
	if err := requireCaller(callerID); err != nil {
		return nil, err
	}
	if err := validVisibility(visibility); err != nil {
		return nil, err
	}
	var err error
	if visibility == domain.HomeDataPrivate {
		_, err = e.GetHome(ctx, homeID, callerID)
	} else {
		_, err = e.getHome(ctx, homeID)
	}
	if err != nil {
		return nil, err
	}
	entries, err := e.Repo.ListHomeEntries(ctx, homeID, visibility)
	if err != nil {
		return nil, translate(err, "home entry")
	}
	return entries, nil
}
