package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"gigline/internal/domain"
	"gigline/internal/engine"
)

type gigPath struct {
	ID string `path:"id"`
}

func registerGigs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-gig",
		Method:        http.MethodPost,
		Path:          "/gigs",
		Summary:       "Create gig",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateGigRequest `json:"body"`
	}) (*struct {
		Body domain.Gig `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.CreateGig(ctx, engine.GigCreateOptions{
			Title:             input.Body.Title,
			Description:       input.Body.Description,
			Price:             input.Body.Price,
			Category:          input.Body.Category,
			Deadline:          input.Body.Deadline,
			EstimatedDuration: input.Body.EstimatedDuration,
			Attachments:       input.Body.Attachments,
			Location:          input.Body.Location,
			CreatorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Gig `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-gigs",
		Method:      http.MethodGet,
		Path:        "/gigs",
		Summary:     "List gigs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" doc:"Page size, default 20, at most 100"`
		Offset int    `query:"offset"`
		Status string `query:"status" doc:"open, accepted, completed or cancelled"`
		Sort   string `query:"sort" doc:"field:direction, e.g. price:asc" example:"created_at:desc"`
	}) (*struct {
		Body paginatedGigs `json:"body"`
	}, error) {
		gigs, err := e.ListGigs(ctx, engine.GigListOptions{
			Status: input.Status,
			Sort:   input.Sort,
			Limit:  input.Limit,
			Offset: input.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedGigs `json:"body"`
		}{Body: paginatedGigs{Items: nonNil(gigs), Limit: normalizeGigLimit(input.Limit), Offset: input.Offset}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-gig",
		Method:      http.MethodGet,
		Path:        "/gigs/{id}",
		Summary:     "Get gig",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *gigPath) (*struct {
		Body domain.Gig `json:"body"`
	}, error) {
		g, err := e.GetGig(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Gig `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-user-gigs",
		Method:      http.MethodGet,
		Path:        "/gigs/user/{user_id}",
		Summary:     "List gigs created by a user",
		Description: "Only the user themself may list their gigs.",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*struct {
		Body []domain.Gig `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		gigs, err := e.ListGigsByUser(ctx, actorID, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Gig `json:"body"`
		}{Body: nonNil(gigs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-gig",
		Method:      http.MethodPost,
		Path:        "/gigs/{id}/accept",
		Summary:     "Accept gig",
		Description: "Atomically moves an open gig to accepted. Exactly one of any set of concurrent callers succeeds.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *gigPath) (*struct {
		Body domain.Gig `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.AcceptGig(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Gig `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-gig-status",
		Method:      http.MethodPatch,
		Path:        "/gigs/{id}/status",
		Summary:     "Update gig status",
		Description: "Creator only. Any status may follow any other.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body UpdateGigStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Gig `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.UpdateGigStatus(ctx, input.ID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Gig `json:"body"`
		}{Body: g}, nil
	})
}

func registerGigExtras(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-gig-location",
		Method:      http.MethodGet,
		Path:        "/gigs/{id}/location",
		Summary:     "Exact gig location",
		Description: "Visible to the creator and the accepted worker only.",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *gigPath) (*struct {
		Body domain.GigLocation `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		loc, err := e.GetGigLocation(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.GigLocation `json:"body"`
		}{Body: loc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-assignment",
		Method:      http.MethodGet,
		Path:        "/gigs/{id}/assignments/{user_id}",
		Summary:     "Assignment and status history",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		UserID string `path:"user_id"`
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.GetAssignment(ctx, input.ID, input.UserID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: a}, nil
	})
}

func registerPayments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-gig-payment",
		Method:        http.MethodPost,
		Path:          "/gigs/{id}/payments",
		Summary:       "Create payment intent for a gig",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body *CreatePaymentRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body PaymentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		currency := ""
		if input.Body != nil {
			currency = input.Body.Currency
		}
		res, err := e.CreateGigPayment(ctx, input.ID, currency, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PaymentResponse `json:"body"`
		}{Body: paymentResponse(res.Payment, res.ClientSecret)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-gig-payments",
		Method:      http.MethodGet,
		Path:        "/gigs/{id}/payments",
		Summary:     "List gig payments",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *gigPath) (*struct {
		Body []PaymentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListGigPayments(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]PaymentResponse, 0, len(items))
		for _, p := range items {
			out = append(out, paymentResponse(p, ""))
		}
		return &struct {
			Body []PaymentResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-gig-payment",
		Method:      http.MethodPost,
		Path:        "/gigs/{id}/payments/{payment_id}/sync",
		Summary:     "Refresh payment status from the processor",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID        string `path:"id"`
		PaymentID string `path:"payment_id"`
	}) (*struct {
		Body PaymentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SyncPayment(ctx, input.ID, input.PaymentID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PaymentResponse `json:"body"`
		}{Body: paymentResponse(p, "")}, nil
	})
}

func normalizeGigLimit(in int) int {
	if in <= 0 {
		return engine.DefaultGigLimit
	}
	if in > engine.MaxGigLimit {
		return engine.MaxGigLimit
	}
	return in
}
