package chat

import (
	"context"
	"encoding/json"
	"strings"

	"gigline/internal/apperr"
)

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type roomRef struct {
	GigID  string `json:"gigId"`
	UserID string `json:"userId"`
}

type sendData struct {
	GigID   string `json:"gigId"`
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

// parseRoom accepts either a bare gig id string or {"gigId": ...}.
func parseRoom(raw json.RawMessage) (roomRef, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return roomRef{GigID: strings.TrimSpace(id)}, nil
	}
	var ref roomRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return roomRef{}, apperr.Validation("validation_failed", "data must be a gig id or an object with gigId")
	}
	ref.GigID = strings.TrimSpace(ref.GigID)
	return ref, nil
}

func checkSender(c Conn, claimed string) error {
	if claimed != "" && claimed != c.UserID() {
		return apperr.Authorization("userId does not match the authenticated user")
	}
	return nil
}

// Handle decodes one client frame and runs it. Failures are reported to c as
// an error frame; only a failure to write that frame is returned.
func (r *Router) Handle(ctx context.Context, c Conn, raw []byte) error {
	if err := r.dispatch(ctx, c, raw); err != nil {
		return c.Send(ctx, ErrorFrame(err))
	}
	return nil
}

func (r *Router) dispatch(ctx context.Context, c Conn, raw []byte) error {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return apperr.Validation("validation_failed", "frame must be a JSON object with event and data")
	}
	switch in.Event {
	case EventJoin:
		ref, err := parseRoom(in.Data)
		if err != nil {
			return err
		}
		return r.Join(ctx, c, ref.GigID)
	case EventLeave:
		ref, err := parseRoom(in.Data)
		if err != nil {
			return err
		}
		r.Leave(c, ref.GigID)
		return nil
	case EventSend:
		var d sendData
		if err := json.Unmarshal(in.Data, &d); err != nil {
			return apperr.Validation("validation_failed", "sendMessage data must be {gigId, userId, message}")
		}
		if err := checkSender(c, d.UserID); err != nil {
			return err
		}
		_, err := r.Send(ctx, c, strings.TrimSpace(d.GigID), d.Message)
		return err
	case EventTyping:
		ref, err := parseRoom(in.Data)
		if err != nil {
			return err
		}
		if err := checkSender(c, ref.UserID); err != nil {
			return err
		}
		return r.Typing(ctx, c, ref.GigID)
	default:
		return apperr.Validationf("validation_failed", "unknown event %q", in.Event)
	}
}

// ErrorFrame renders err without internal detail.
func ErrorFrame(err error) Frame {
	data := ErrorData{Code: "internal_error", Message: "internal error"}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		data.Code = "validation_failed"
	case apperr.KindAuthentication:
		data.Code = "unauthorized"
	case apperr.KindAuthorization:
		data.Code = "forbidden"
	case apperr.KindNotFound:
		data.Code = "not_found"
	case apperr.KindConflict:
		data.Code = apperr.CodeOf(err)
	}
	if data.Code != "internal_error" {
		data.Message = err.Error()
	}
	return Frame{Event: EventError, Data: data}
}
