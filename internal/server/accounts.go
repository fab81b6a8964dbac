package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"gigline/internal/domain"
	"gigline/internal/engine"
)

func registerAuth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register",
		Method:        http.MethodPost,
		Path:          "/auth/register",
		Summary:       "Register a user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := e.Register(ctx, engine.RegisterOptions{
			Email:       input.Body.Email,
			Password:    input.Body.Password,
			Username:    input.Body.Username,
			FirstName:   input.Body.FirstName,
			LastName:    input.Body.LastName,
			Phone:       input.Body.Phone,
			DateOfBirth: input.Body.DateOfBirth,
			Address:     input.Body.Address,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Log in",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := e.Login(ctx, input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/users/me",
		Summary:     "Current user",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.GetUser(ctx, actorID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-user",
		Method:      http.MethodGet,
		Path:        "/users/{id}",
		Summary:     "Get user",
		Description: "Private fields are only returned to the user themself.",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.GetUser(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-user",
		Method:      http.MethodPatch,
		Path:        "/users/{id}",
		Summary:     "Update profile",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.UpdateUser(ctx, input.ID, actorID, engine.UserUpdateOptions{
			Username:    input.Body.Username,
			FirstName:   input.Body.FirstName,
			LastName:    input.Body.LastName,
			DateOfBirth: input.Body.DateOfBirth,
			Address:     input.Body.Address,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-phone-verification",
		Method:      http.MethodPost,
		Path:        "/users/me/phone/verify",
		Summary:     "Send a phone verification code",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body PhoneVerifyRequest `json:"body"`
	}) (*struct {
		Body PhoneVerifyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ttl, err := e.StartPhoneVerification(ctx, actorID, input.Body.Phone)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhoneVerifyResponse `json:"body"`
		}{Body: PhoneVerifyResponse{Sent: true, ExpiresInSeconds: int(ttl.Seconds())}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-phone",
		Method:      http.MethodPost,
		Path:        "/users/me/phone/confirm",
		Summary:     "Confirm a phone verification code",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body PhoneConfirmRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.ConfirmPhone(ctx, actorID, input.Body.Code)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})
}

type homePath struct {
	ID string `path:"id"`
}

func registerHomes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-home",
		Method:        http.MethodPost,
		Path:          "/homes",
		Summary:       "Create home",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateHomeRequest `json:"body"`
	}) (*struct {
		Body domain.Home `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		h, err := e.CreateHome(ctx, engine.HomeCreateOptions{
			Name:     input.Body.Name,
			Address:  input.Body.Address,
			Location: input.Body.Location,
			OwnerID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Home `json:"body"`
		}{Body: h}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-homes",
		Method:      http.MethodGet,
		Path:        "/homes",
		Summary:     "Homes the caller lives in",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Home `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		homes, err := e.ListHomes(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Home `json:"body"`
		}{Body: nonNil(homes)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-home",
		Method:      http.MethodGet,
		Path:        "/homes/{id}",
		Summary:     "Get home",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *homePath) (*struct {
		Body domain.Home `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		h, err := e.GetHome(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Home `json:"body"`
		}{Body: h}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-occupant",
		Method:      http.MethodPost,
		Path:        "/homes/{id}/occupants",
		Summary:     "Add occupant",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body AddOccupantRequest `json:"body"`
	}) (*struct {
		Body domain.Home `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		h, err := e.AddOccupant(ctx, input.ID, input.Body.UserID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Home `json:"body"`
		}{Body: h}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-occupant",
		Method:      http.MethodDelete,
		Path:        "/homes/{id}/occupants/{user_id}",
		Summary:     "Remove occupant",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		UserID string `path:"user_id"`
	}) (*struct {
		Body domain.Home `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		h, err := e.RemoveOccupant(ctx, input.ID, input.UserID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Home `json:"body"`
		}{Body: h}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-home-entry",
		Method:        http.MethodPost,
		Path:          "/homes/{id}/data/{visibility}",
		Summary:       "Append home data",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID         string           `path:"id"`
		Visibility string           `path:"visibility" enum:"private,public"`
		Body       HomeEntryRequest `json:"body"`
	}) (*struct {
		Body domain.HomeEntry `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.AddHomeEntry(ctx, engine.HomeEntryOptions{
			HomeID:     input.ID,
			Visibility: input.Visibility,
			Type:       input.Body.Type,
			Payload:    input.Body.Payload,
			CallerID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.HomeEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-home-entries",
		Method:      http.MethodGet,
		Path:        "/homes/{id}/data/{visibility}",
		Summary:     "List home data",
		Description: "Private data is limited to occupants; public data is readable by any authenticated user.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID         string `path:"id"`
		Visibility string `path:"visibility" enum:"private,public"`
	}) (*struct {
		Body []domain.HomeEntry `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entries, err := e.ListHomeEntries(ctx, input.ID, input.Visibility, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.HomeEntry `json:"body"`
		}{Body: nonNil(entries)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
		Description: "Oldest first, after the ts|id cursor returned by the previous page.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"100"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, next, err := e.ListEvents(ctx, actorID, input.Cursor, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: paginatedEvents{Items: nonNil(items), NextCursor: next}}, nil
	})
}
