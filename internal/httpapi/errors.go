package httpapi

import (
	"context"
	"errors"
	"net/http"

	"umagate.org/internal/audit"
	"umagate.org/internal/obs"
	"umagate.org/internal/permission"
	"umagate.org/internal/policy"
	"umagate.org/internal/uma"
)

type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
}

type needInfoBody struct {
	Error          string                   `json:"error"`
	Ticket         string                   `json:"ticket"`
	RequiredClaims []policy.ClaimDefinition `json:"required_claims"`
	RedirectUser   string                   `json:"redirect_user,omitempty"`
	RequestID      string                   `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, desc string) {
	writeJSON(w, status, errorBody{
		Error:       code,
		Description: desc,
		RequestID:   audit.RequestIDFromContext(r.Context()),
	})
}

// statusFor maps a classified error onto its HTTP status.
func statusFor(e *uma.Error) int {
	switch e.Code {
	case uma.CodeInvalidPCT, uma.CodeInvalidToken:
		return http.StatusUnauthorized
	case uma.CodeInvalidClient, uma.CodeAccessDenied, uma.CodeNeedInfo:
		return http.StatusForbidden
	case uma.CodeServerError:
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case uma.KindAuthz:
		return http.StatusForbidden
	case uma.KindCrypto:
		return http.StatusUnauthorized
	case uma.KindStorage:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// respond writes the wire form of err. Internal detail is logged, never returned.
func respond(w http.ResponseWriter, r *http.Request, err error) {
	log := obs.Ctx(r.Context())

	var ni *permission.NeedInfoError
	if errors.As(err, &ni) {
		required := ni.RequiredClaims
		if required == nil {
			required = []policy.ClaimDefinition{}
		}
		writeJSON(w, http.StatusForbidden, needInfoBody{
			Error:          uma.CodeNeedInfo,
			Ticket:         ni.Ticket,
			RequiredClaims: required,
			RedirectUser:   ni.RedirectUser,
			RequestID:      audit.RequestIDFromContext(r.Context()),
		})
		return
	}
	if errors.Is(err, uma.ErrSessionExpired) {
		writeError(w, r, http.StatusBadRequest, uma.CodeInvalidRequest, "claims gathering session expired")
		return
	}
	if e, ok := uma.AsError(err); ok {
		status := statusFor(e)
		desc := e.Description
		switch {
		case status >= http.StatusInternalServerError:
			log.Error().Err(err).Str("code", e.Code).Msg("request.failed")
			desc = "internal error"
		case e.Kind == uma.KindCrypto:
			log.Info().Err(err).Msg("request.crypto_failure")
			desc = ""
		}
		writeError(w, r, status, e.Code, desc)
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		log.Info().Err(err).Msg("request.cancelled")
		writeError(w, r, http.StatusServiceUnavailable, uma.CodeServerError, "request cancelled")
		return
	}
	log.Error().Err(err).Msg("request.failed")
	writeError(w, r, http.StatusInternalServerError, uma.CodeServerError, "internal error")
}
